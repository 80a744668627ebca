package instruments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
)

const masterCSV = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE
NSE,D,43512,OPTIDX,NIFTY-Dec2024-24000-CE,2024-12-26 14:30:00,24000.00000,CE
NSE,D,43513,OPTIDX,NIFTY-Dec2024-24000-PE,2024-12-26 14:30:00,24000.00000,PE
NSE,D,43514,OPTIDX,NIFTY-Dec2024-24050-CE,2024-12-26 14:30:00,24050.00000,CE
NSE,D,43515,OPTIDX,NIFTY-Dec2024-24050-PE,2024-12-26 14:30:00,24050.00000,PE
NSE,D,43516,OPTIDX,NIFTY-Dec2024-24100-CE,2024-12-26 14:30:00,24100.00000,CE
NSE,D,43600,OPTIDX,NIFTY-Jan2025-24000-CE,2025-01-30 14:30:00,24000.00000,CE
NSE,D,43601,OPTIDX,NIFTY-Jan2025-24000-PE,2025-01-30 14:30:00,24000.00000,PE
NSE,D,50001,OPTIDX,BANKNIFTY-Dec2024-24000-CE,2024-12-26 14:30:00,24000.00000,CE
NSE,D,60001,FUTIDX,NIFTY-Dec2024-FUT,2024-12-26 14:30:00,-0.01000,XX
NSE,D,40001,OPTIDX,NIFTY-Nov2024-24000-CE,2024-11-28 14:30:00,24000.00000,CE
BSE,D,81234,OPTIDX,SENSEX-Dec2024-80000-CE,2024-12-27 14:30:00,80000.00000,CE
BSE,D,81235,OPTIDX,SENSEX-Dec2024-80000-PE,2024-12-27 14:30:00,80000.00000,PE
BSE,D,81236,OPTIDX,SENSEX-Dec2024-80000-PE,2024-12-27 14:30:00,80000.00000,PE
`

var (
	nifty  = schema.IndexSpec{Index: schema.IndexNifty, LotSize: 75, StrikeGap: 50, Segment: "NSE_FNO", SymbolPrefix: "NIFTY"}
	sensex = schema.IndexSpec{Index: schema.IndexSensex, LotSize: 20, StrikeGap: 100, Segment: "BSE_FNO", SymbolPrefix: "SENSEX"}
)

func loadedCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog := New(Options{})
	n, err := catalog.LoadFrom(strings.NewReader(masterCSV))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	return catalog
}

func TestResolveExactMatch(t *testing.T) {
	catalog := loadedCatalog(t)

	inst, err := catalog.Resolve(context.Background(), nifty, "2024-12-26", 24000, schema.SidePE)
	require.NoError(t, err)
	require.Equal(t, "43513", inst.SecurityID)
	require.Equal(t, "NIFTY-Dec2024-24000-PE", inst.Symbol)
	require.Equal(t, int64(24000), inst.Strike)
}

func TestResolveDoesNotMatchOtherFamilies(t *testing.T) {
	catalog := loadedCatalog(t)

	_, err := catalog.Resolve(context.Background(), nifty, "2024-12-26", 24100, schema.SidePE)
	require.True(t, errs.Is(err, errs.CodeData))
	require.Contains(t, errs.Message(err), "no instrument found")

	inst, err := catalog.Resolve(context.Background(), nifty, "2024-12-26", 24000, schema.SideCE)
	require.NoError(t, err)
	require.Equal(t, "43512", inst.SecurityID)
}

func TestResolveAmbiguous(t *testing.T) {
	catalog := loadedCatalog(t)

	_, err := catalog.Resolve(context.Background(), sensex, "2024-12-27", 80000, schema.SidePE)
	require.True(t, errs.Is(err, errs.CodeData))
	require.Contains(t, errs.Message(err), "ambiguous")
}

func TestResolveBeforeLoad(t *testing.T) {
	_, err := New(Options{}).Resolve(context.Background(), nifty, "2024-12-26", 24000, schema.SideCE)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestExpiriesFromDate(t *testing.T) {
	catalog := loadedCatalog(t)
	from := time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC)

	require.Equal(t, []string{"2024-12-26", "2025-01-30"}, catalog.Expiries(nifty, from))
	require.Equal(t, []string{"2024-12-27"}, catalog.Expiries(sensex, from))
	require.Equal(t, []string{"2024-12-26", "2025-01-30"}, catalog.Expiries(nifty, time.Date(2024, 12, 26, 15, 0, 0, 0, time.UTC)))
}

func TestChainKeepsStrikesWithBothSides(t *testing.T) {
	catalog := loadedCatalog(t)

	chain := catalog.Chain(nifty, "2024-12-26")
	require.Len(t, chain, 2)
	require.Equal(t, int64(24000), chain[0].Strike)
	require.Equal(t, "43512", chain[0].CESecurityID)
	require.Equal(t, "43513", chain[0].PESecurityID)
	require.Equal(t, int64(24050), chain[1].Strike)
	require.True(t, chain[1].CELastPrice.IsZero())
}

func TestParseRejectsMissingColumns(t *testing.T) {
	_, err := Parse(strings.NewReader("SEM_TRADING_SYMBOL,SEM_EXPIRY_DATE\nNIFTY,2024-12-26\n"))
	require.True(t, errs.Is(err, errs.CodeData))
}

func TestLoadDownloadsAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(masterCSV))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "master", "scrip.csv")
	catalog := New(Options{MasterURL: srv.URL, CachePath: cache, MaxAge: time.Hour})

	n, err := catalog.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, 1, hits)
	_, err = os.Stat(cache)
	require.NoError(t, err)

	second := New(Options{MasterURL: srv.URL, CachePath: cache, MaxAge: time.Hour})
	_, err = second.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, hits, "fresh cache must not be downloaded again")
	require.Equal(t, 12, second.Size())
	require.False(t, second.LoadedAt().IsZero())
}

func TestRefreshReportsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	catalog := New(Options{MasterURL: srv.URL, CachePath: filepath.Join(t.TempDir(), "scrip.csv")})
	_, err := catalog.Refresh(context.Background())
	require.True(t, errs.Is(err, errs.CodeUpstream))
	require.Contains(t, errs.Message(err), "503")
}
