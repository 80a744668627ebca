// Package instruments loads the brokerage instrument master and answers option contract lookups.
package instruments

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optexec/errs"
	"github.com/coachpo/optexec/internal/domain/schema"
)

const component = "instruments"

const (
	colSymbol     = "SEM_TRADING_SYMBOL"
	colCategory   = "SEM_INSTRUMENT_NAME"
	colExpiry     = "SEM_EXPIRY_DATE"
	colStrike     = "SEM_STRIKE_PRICE"
	colOptionType = "SEM_OPTION_TYPE"
	colSecurityID = "SEM_SMST_SECURITY_ID"
)

var requiredColumns = []string{colSymbol, colCategory, colExpiry, colStrike, colOptionType, colSecurityID}

var expiryLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02-01-2006",
	"02-Jan-2006",
}

// Row is one option contract from the master.
type Row struct {
	Family     string
	Symbol     string
	SecurityID string
	Expiry     string
	Strike     int64
	Side       schema.OptionSide
}

type contractKey struct {
	family string
	expiry string
	strike int64
	side   schema.OptionSide
}

// Options configures a Catalog.
type Options struct {
	MasterURL  string
	CachePath  string
	MaxAge     time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Catalog is an in-memory index of option contracts.
type Catalog struct {
	masterURL string
	cachePath string
	maxAge    time.Duration
	client    *http.Client
	logger    *log.Logger

	mu        sync.RWMutex
	contracts map[contractKey][]Row
	families  map[string][]Row
	loadedAt  time.Time
	size      int
}

// New constructs an empty catalog.
func New(opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Catalog{
		masterURL: strings.TrimSpace(opts.MasterURL),
		cachePath: strings.TrimSpace(opts.CachePath),
		maxAge:    opts.MaxAge,
		client:    client,
		logger:    logger,
		contracts: make(map[contractKey][]Row),
		families:  make(map[string][]Row),
	}
}

// Load indexes the cached master, downloading it first when missing or older than MaxAge.
func (c *Catalog) Load(ctx context.Context) (int, error) {
	if c.cachePath != "" {
		info, err := os.Stat(c.cachePath)
		fresh := err == nil && (c.maxAge <= 0 || time.Since(info.ModTime()) < c.maxAge)
		if fresh {
			return c.loadFile(c.cachePath)
		}
	}
	return c.Refresh(ctx)
}

// Refresh downloads the master to the cache path and re-indexes it.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	if c.masterURL == "" {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithMessage("master url not configured"))
	}
	if c.cachePath == "" {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithMessage("cache path not configured"))
	}
	if err := c.download(ctx); err != nil {
		return 0, err
	}
	return c.loadFile(c.cachePath)
}

func (c *Catalog) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.masterURL, nil)
	if err != nil {
		return fmt.Errorf("create master request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Upstream(component, "download instrument master", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return errs.New(component, errs.CodeUpstream,
			errs.WithMessage(fmt.Sprintf("master status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
	}

	dir := filepath.Dir(c.cachePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".master-*.csv")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	tmpName := tmp.Name()
	written, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.cachePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	c.logger.Printf("instruments: master downloaded bytes=%d path=%s", written, c.cachePath)
	return nil
}

func (c *Catalog) loadFile(path string) (int, error) {
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- cache path is operator controlled.
	if err != nil {
		return 0, fmt.Errorf("open instrument master: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return c.LoadFrom(file)
}

// LoadFrom replaces the index with the option rows read from r.
func (c *Catalog) LoadFrom(r io.Reader) (int, error) {
	rows, err := Parse(r)
	if err != nil {
		return 0, err
	}
	contracts := make(map[contractKey][]Row)
	families := make(map[string][]Row)
	for _, row := range rows {
		key := contractKey{family: row.Family, expiry: row.Expiry, strike: row.Strike, side: row.Side}
		contracts[key] = append(contracts[key], row)
		families[row.Family] = append(families[row.Family], row)
	}
	c.mu.Lock()
	c.contracts = contracts
	c.families = families
	c.loadedAt = time.Now()
	c.size = len(rows)
	c.mu.Unlock()
	c.logger.Printf("instruments: master indexed options=%d families=%d", len(rows), len(families))
	return len(rows), nil
}

// LoadedAt reports when the index was last replaced.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Size reports the number of indexed option contracts.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Parse reads option contracts from a master CSV. Non-option rows and rows with
// unparseable expiry or strike are skipped.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, errs.New(component, errs.CodeData, errs.WithMessage("read master header"), errs.WithCause(err))
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, errs.New(component, errs.CodeData, errs.WithMessage("master missing column "+name))
		}
	}
	field := func(record []string, name string) string {
		idx := columns[name]
		if idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.New(component, errs.CodeData, errs.WithMessage("read master row"), errs.WithCause(err))
		}
		category := strings.ToUpper(field(record, colCategory))
		if category != "OPTIDX" && category != "OPTSTK" {
			continue
		}
		side := schema.OptionSide(strings.ToUpper(field(record, colOptionType)))
		if side != schema.SideCE && side != schema.SidePE {
			continue
		}
		symbol := field(record, colSymbol)
		family := symbolFamily(symbol)
		if family == "" {
			continue
		}
		expiry, ok := parseExpiry(field(record, colExpiry))
		if !ok {
			continue
		}
		strike, ok := parseStrike(field(record, colStrike))
		if !ok {
			continue
		}
		securityID, ok := parseSecurityID(field(record, colSecurityID))
		if !ok {
			continue
		}
		rows = append(rows, Row{
			Family:     family,
			Symbol:     symbol,
			SecurityID: securityID,
			Expiry:     expiry,
			Strike:     strike,
			Side:       side,
		})
	}
	return rows, nil
}

// symbolFamily returns the underlying part of a trading symbol such as NIFTY-Dec2024-24000-CE.
func symbolFamily(symbol string) string {
	family, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), "-")
	return family
}

func parseExpiry(raw string) (string, bool) {
	for _, layout := range expiryLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.Format("2006-01-02"), true
		}
	}
	return "", false
}

func parseStrike(raw string) (int64, bool) {
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() || !value.Equal(value.Truncate(0)) {
		return 0, false
	}
	return value.IntPart(), true
}

// parseSecurityID normalizes ids such as "43512.0" to "43512".
func parseSecurityID(raw string) (string, bool) {
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() {
		return "", false
	}
	return value.Truncate(0).String(), true
}

// Resolve returns the single contract matching the index family, expiry, strike and side.
func (c *Catalog) Resolve(_ context.Context, spec schema.IndexSpec, expiry string, strike int64, side schema.OptionSide) (schema.Instrument, error) {
	c.mu.RLock()
	loaded := c.size > 0
	matches := c.contracts[contractKey{family: family(spec), expiry: expiry, strike: strike, side: side}]
	c.mu.RUnlock()

	if !loaded {
		return schema.Instrument{}, errs.New(component, errs.CodeUnavailable, errs.WithMessage("instrument master not loaded"))
	}
	desc := fmt.Sprintf("%s %d %s expiry %s", family(spec), strike, side, expiry)
	switch distinct(matches) {
	case 0:
		return schema.Instrument{}, errs.New(component, errs.CodeData,
			errs.WithMessage("no instrument found for "+desc))
	case 1:
	default:
		return schema.Instrument{}, errs.New(component, errs.CodeData,
			errs.WithMessage("ambiguous instrument for "+desc), errs.WithField("matches", fmt.Sprint(len(matches))))
	}
	row := matches[0]
	return schema.Instrument{
		SecurityID: row.SecurityID,
		Symbol:     row.Symbol,
		Strike:     row.Strike,
		Side:       row.Side,
		Expiry:     row.Expiry,
	}, nil
}

func distinct(rows []Row) int {
	if len(rows) <= 1 {
		return len(rows)
	}
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		seen[row.SecurityID] = struct{}{}
	}
	return len(seen)
}

func family(spec schema.IndexSpec) string {
	prefix := strings.ToUpper(strings.TrimSpace(spec.SymbolPrefix))
	if prefix == "" {
		prefix = string(spec.Index)
	}
	return prefix
}

// Expiries lists the distinct expiries of the index on or after from's calendar date.
func (c *Catalog) Expiries(spec schema.IndexSpec, from time.Time) []string {
	today := from.Format("2006-01-02")
	c.mu.RLock()
	rows := c.families[family(spec)]
	seen := make(map[string]struct{})
	for _, row := range rows {
		if row.Expiry >= today {
			seen[row.Expiry] = struct{}{}
		}
	}
	c.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for expiry := range seen {
		out = append(out, expiry)
	}
	sort.Strings(out)
	return out
}

// Chain returns the strikes of an expiry listed on both sides, ascending, without prices.
func (c *Catalog) Chain(spec schema.IndexSpec, expiry string) []schema.ChainRow {
	c.mu.RLock()
	byStrike := make(map[int64]*schema.ChainRow)
	for _, row := range c.families[family(spec)] {
		if row.Expiry != expiry {
			continue
		}
		entry, ok := byStrike[row.Strike]
		if !ok {
			entry = &schema.ChainRow{Strike: row.Strike}
			byStrike[row.Strike] = entry
		}
		switch row.Side {
		case schema.SideCE:
			if entry.CESecurityID == "" {
				entry.CESecurityID = row.SecurityID
				entry.CESymbol = row.Symbol
			}
		case schema.SidePE:
			if entry.PESecurityID == "" {
				entry.PESecurityID = row.SecurityID
				entry.PESymbol = row.Symbol
			}
		}
	}
	c.mu.RUnlock()

	out := make([]schema.ChainRow, 0, len(byStrike))
	for _, entry := range byStrike {
		if entry.CESecurityID == "" || entry.PESecurityID == "" {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}
