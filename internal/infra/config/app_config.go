// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/optexec/internal/domain/schema"
)

// IndexConfig carries the exchange constants of one index.
type IndexConfig struct {
	LotSize              int64  `yaml:"lotSize"`
	StrikeGap            int64  `yaml:"strikeGap"`
	Segment              string `yaml:"segment"`
	UnderlyingSecurityID string `yaml:"underlyingSecurityId"`
	SymbolPrefix         string `yaml:"symbolPrefix"`
}

// StopLossConfig bounds the live entry-fill confirmation loop.
type StopLossConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"`
}

func (c *StopLossConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
}

// SchedulerConfig sizes the fire worker pool.
type SchedulerConfig struct {
	Workers     int           `yaml:"workers"`
	Queue       int           `yaml:"queue"`
	FireTimeout time.Duration `yaml:"fireTimeout"`
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Queue <= 0 {
		c.Queue = 64
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 5 * time.Minute
	}
}

// BrokerConfig configures the brokerage REST client.
type BrokerConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	QuoteAttempts     int           `yaml:"quoteAttempts"`
	QuoteRetryDelay   time.Duration `yaml:"quoteRetryDelay"`
}

func (c *BrokerConfig) applyDefaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://api.dhan.co/v2"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.QuoteAttempts <= 0 {
		c.QuoteAttempts = 3
	}
	if c.QuoteRetryDelay <= 0 {
		c.QuoteRetryDelay = 500 * time.Millisecond
	}
}

// InstrumentsConfig locates the instrument master.
type InstrumentsConfig struct {
	MasterURL string `yaml:"masterURL"`
	CachePath string `yaml:"cachePath"`
	// MaxAge forces a re-download once the cached file is older.
	MaxAge time.Duration `yaml:"maxAge"`
}

func (c *InstrumentsConfig) applyDefaults() {
	c.MasterURL = strings.TrimSpace(c.MasterURL)
	if c.MasterURL == "" {
		c.MasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"
	}
	c.CachePath = strings.TrimSpace(c.CachePath)
	if c.CachePath == "" {
		c.CachePath = filepath.Join("data", "api-scrip-master.csv")
	}
	c.CachePath = filepath.Clean(c.CachePath)
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls persistence backend, PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Backend           Backend       `yaml:"backend"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Backend = Backend(normalizeIdentifier(string(c.Backend)))
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/optexec"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("backend must be one of memory, postgres")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified optexec application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment                  `yaml:"environment"`
	Timezone    string                       `yaml:"timezone"`
	Indices     map[schema.Index]IndexConfig `yaml:"indices"`
	StopLoss    StopLossConfig               `yaml:"stopLoss"`
	Scheduler   SchedulerConfig              `yaml:"scheduler"`
	Broker      BrokerConfig                 `yaml:"broker"`
	Instruments InstrumentsConfig            `yaml:"instruments"`
	APIServer   APIServerConfig              `yaml:"apiServer"`
	Telemetry   TelemetryConfig              `yaml:"telemetry"`
	Database    DatabaseConfig               `yaml:"database"`

	location *time.Location
}

// DefaultIndices returns the exchange constants for the supported indices.
func DefaultIndices() map[schema.Index]IndexConfig {
	return map[schema.Index]IndexConfig{
		schema.IndexNifty: {
			LotSize:              75,
			StrikeGap:            50,
			Segment:              "NSE_FNO",
			UnderlyingSecurityID: "13",
			SymbolPrefix:         "NIFTY",
		},
		schema.IndexSensex: {
			LotSize:              20,
			StrikeGap:            100,
			Segment:              "BSE_FNO",
			UnderlyingSecurityID: "51",
			SymbolPrefix:         "SENSEX",
		},
	}
}

// Default returns a configuration usable without a file.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8880"},
		Telemetry:   TelemetryConfig{ServiceName: "optexec"},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return AppConfig{}, fmt.Errorf("stat config: %w", err)
	}
	return Load(ctx, path)
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	defaults := DefaultIndices()
	indices := make(map[schema.Index]IndexConfig, len(defaults)+len(c.Indices))
	for name, idx := range defaults {
		indices[name] = idx
	}
	for name, idx := range c.Indices {
		key := schema.ParseIndex(string(name))
		if base, ok := defaults[key]; ok {
			idx = mergeIndex(base, idx)
		}
		idx.Segment = strings.ToUpper(strings.TrimSpace(idx.Segment))
		idx.SymbolPrefix = strings.ToUpper(strings.TrimSpace(idx.SymbolPrefix))
		if idx.SymbolPrefix == "" {
			idx.SymbolPrefix = string(key)
		}
		indices[key] = idx
	}
	c.Indices = indices

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "optexec"
	}

	c.StopLoss.applyDefaults()
	c.Scheduler.applyDefaults()
	c.Broker.applyDefaults()
	c.Instruments.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

func mergeIndex(base, override IndexConfig) IndexConfig {
	if override.LotSize > 0 {
		base.LotSize = override.LotSize
	}
	if override.StrikeGap > 0 {
		base.StrikeGap = override.StrikeGap
	}
	if strings.TrimSpace(override.Segment) != "" {
		base.Segment = override.Segment
	}
	if strings.TrimSpace(override.UnderlyingSecurityID) != "" {
		base.UnderlyingSecurityID = override.UnderlyingSecurityID
	}
	if strings.TrimSpace(override.SymbolPrefix) != "" {
		base.SymbolPrefix = override.SymbolPrefix
	}
	return base
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	names := make([]string, 0, len(c.Indices))
	for name := range c.Indices {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		idx := c.Indices[schema.Index(name)]
		if idx.LotSize <= 0 {
			return fmt.Errorf("indices.%s lotSize must be >0", name)
		}
		if idx.StrikeGap <= 0 {
			return fmt.Errorf("indices.%s strikeGap must be >0", name)
		}
		if idx.Segment == "" {
			return fmt.Errorf("indices.%s segment required", name)
		}
		if strings.TrimSpace(idx.UnderlyingSecurityID) == "" {
			return fmt.Errorf("indices.%s underlyingSecurityId required", name)
		}
	}

	if c.StopLoss.PollInterval > c.StopLoss.MaxWait {
		return fmt.Errorf("stopLoss pollInterval must be <= maxWait")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be >0")
	}
	if c.Broker.RequestsPerSecond <= 0 {
		return fmt.Errorf("broker requestsPerSecond must be >0")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Location returns the trading time zone.
func (c AppConfig) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// IndexSpecs converts the index table into domain specs.
func (c AppConfig) IndexSpecs() map[schema.Index]schema.IndexSpec {
	out := make(map[schema.Index]schema.IndexSpec, len(c.Indices))
	for name, idx := range c.Indices {
		out[name] = schema.IndexSpec{
			Index:                name,
			LotSize:              idx.LotSize,
			StrikeGap:            idx.StrikeGap,
			Segment:              idx.Segment,
			UnderlyingSecurityID: idx.UnderlyingSecurityID,
			SymbolPrefix:         idx.SymbolPrefix,
		}
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
