package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/optexec/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Fatalf("expected Asia/Kolkata, got %s", cfg.Location())
	}
	specs := cfg.IndexSpecs()
	if specs[schema.IndexNifty].StrikeGap != 50 || specs[schema.IndexSensex].LotSize != 20 {
		t.Fatalf("unexpected default index specs: %+v", specs)
	}
	if cfg.Database.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.Database.Backend)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
timezone: Asia/Kolkata
indices:
  nifty:
    lotSize: 65
  FINNIFTY:
    lotSize: 40
    strikeGap: 50
    segment: nse_fno
    underlyingSecurityId: "27"
stopLoss:
  pollInterval: 1s
  maxWait: 10s
scheduler:
  workers: 2
broker:
  baseURL: https://sandbox.dhan.co/v2/
  requestsPerSecond: 4
apiServer:
  addr: ":9999"
telemetry:
  serviceName: desk
database:
  backend: Postgres
  dsn: postgresql://db:5432/optexec
  runMigrations: true
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("environment not normalised: %s", cfg.Environment)
	}
	nifty := cfg.Indices[schema.IndexNifty]
	if nifty.LotSize != 65 || nifty.StrikeGap != 50 || nifty.Segment != "NSE_FNO" {
		t.Fatalf("nifty override not merged with defaults: %+v", nifty)
	}
	fin := cfg.Indices["FINNIFTY"]
	if fin.Segment != "NSE_FNO" || fin.SymbolPrefix != "FINNIFTY" {
		t.Fatalf("custom index not normalised: %+v", fin)
	}
	if cfg.StopLoss.PollInterval != time.Second || cfg.StopLoss.MaxWait != 10*time.Second {
		t.Fatalf("unexpected stop-loss config: %+v", cfg.StopLoss)
	}
	if cfg.Broker.BaseURL != "https://sandbox.dhan.co/v2" {
		t.Fatalf("baseURL not trimmed: %q", cfg.Broker.BaseURL)
	}
	if cfg.Broker.QuoteAttempts != 3 || cfg.Broker.QuoteRetryDelay != 500*time.Millisecond {
		t.Fatalf("quote retry defaults missing: %+v", cfg.Broker)
	}
	if cfg.Database.Backend != BackendPostgres || !cfg.Database.RunMigrations {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Scheduler.Queue != 64 {
		t.Fatalf("expected default queue, got %d", cfg.Scheduler.Queue)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment must be one of": "environment: qa\n",
		"timezone":                   "timezone: Mars/Olympus\n",
		"backend must be one of":     "database:\n  backend: sqlite\n",
		"pollInterval must be <=":    "stopLoss:\n  pollInterval: 1m\n  maxWait: 10s\n",
	}
	for want, body := range cases {
		_, err := Load(context.Background(), writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Broker.QuoteAttempts != 3 || cfg.Broker.QuoteRetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected broker section: %+v", cfg.Broker)
	}
	if cfg.Scheduler.FireTimeout != 5*time.Minute {
		t.Fatalf("unexpected fire timeout %v", cfg.Scheduler.FireTimeout)
	}
}
