// Command optexec launches the option-pair execution service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/optexec/internal/app/desk"
	"github.com/coachpo/optexec/internal/app/ledger"
	"github.com/coachpo/optexec/internal/app/scheduler"
	"github.com/coachpo/optexec/internal/app/stoploss"
	"github.com/coachpo/optexec/internal/app/strategy"
	"github.com/coachpo/optexec/internal/domain/credstore"
	"github.com/coachpo/optexec/internal/domain/ledgerstore"
	"github.com/coachpo/optexec/internal/infra/adapters/dhan"
	"github.com/coachpo/optexec/internal/infra/config"
	"github.com/coachpo/optexec/internal/infra/instruments"
	"github.com/coachpo/optexec/internal/infra/persistence/memory"
	"github.com/coachpo/optexec/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/optexec/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/optexec/internal/infra/server/http"
	"github.com/coachpo/optexec/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "optexec "
	meterName                = "optexec"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	schedulerShutdownTimeout = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	instrumentLoadTimeout    = 3 * time.Minute
	databaseConnectTimeout   = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, timezone=%s, backend=%s, indices=%d",
		appCfg.Environment, appCfg.Location(), appCfg.Database.Backend, len(appCfg.Indices))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	recorder, err := telemetry.NewRecorder(telemetryProvider.Meter(meterName))
	if err != nil {
		logger.Fatalf("initialise metrics: %v", err)
	}

	stores, err := openStores(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}

	catalog := loadInstruments(ctx, logger, appCfg.Instruments)

	svc, err := buildServices(appCfg, stores, catalog, recorder, logger)
	if err != nil {
		logger.Fatalf("initialise services: %v", err)
	}
	svc.scheduler.Start()

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg, svc.desk, stores.credentials, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("optexec started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		scheduler:  svc.scheduler,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closeStore: stores.close,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func telemetryConfig(env config.Environment, cfg config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		OTLPEndpoint:  cfg.OTLPEndpoint,
		OTLPInsecure:  cfg.OTLPInsecure,
		EnableMetrics: cfg.EnableMetrics,
		ServiceName:   cfg.ServiceName,
		Environment:   string(env),
	}
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled() {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// storeSet bundles the ledger and credential repositories of one backend.
type storeSet struct {
	ledger      ledgerstore.Store
	credentials credstore.Store
	close       func()
}

func openStores(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (storeSet, error) {
	if cfg.Backend != config.BackendPostgres {
		mem := memory.NewStore()
		logger.Printf("persistence: in-memory backend")
		return storeSet{ledger: mem, credentials: mem, close: func() {}}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()

	if cfg.RunMigrations {
		if err := migrations.Apply(connectCtx, cfg.DSN, migrations.Embedded, logger); err != nil {
			return storeSet{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := pgstore.NewPool(connectCtx, cfg)
	if err != nil {
		return storeSet{}, err
	}
	if err := pgstore.ObservePoolMetrics(pool, "primary"); err != nil {
		logger.Printf("persistence: pool metrics unavailable: %v", err)
	}
	store := pgstore.New(pool)
	logger.Printf("persistence: postgres backend max_conns=%d", cfg.MaxConns)
	return storeSet{ledger: store.Ledger(), credentials: store.Credentials(), close: store.Close}, nil
}

func loadInstruments(ctx context.Context, logger *log.Logger, cfg config.InstrumentsConfig) *instruments.Catalog {
	catalog := instruments.New(instruments.Options{
		MasterURL: cfg.MasterURL,
		CachePath: cfg.CachePath,
		MaxAge:    cfg.MaxAge,
		Logger:    logger,
	})
	loadCtx, cancel := context.WithTimeout(ctx, instrumentLoadTimeout)
	defer cancel()
	size, err := catalog.Load(loadCtx)
	if err != nil {
		// Execution reports the catalog as unavailable until a later load succeeds.
		logger.Printf("instruments: load failed: %v", err)
		return catalog
	}
	logger.Printf("instruments: loaded contracts=%d", size)
	return catalog
}

type services struct {
	ledger    *ledger.Ledger
	engine    *strategy.Engine
	scheduler *scheduler.Scheduler
	desk      *desk.Desk
}

func brokerOptions(cfg config.BrokerConfig, logger *log.Logger) dhan.Options {
	return dhan.Options{
		BaseURL:           cfg.BaseURL,
		HTTPTimeout:       cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		QuoteAttempts:     cfg.QuoteAttempts,
		QuoteRetryDelay:   cfg.QuoteRetryDelay,
		Logger:            logger,
	}
}

func buildServices(cfg config.AppConfig, stores storeSet, catalog *instruments.Catalog, recorder *telemetry.Recorder, logger *log.Logger) (services, error) {
	venue := dhan.NewFactory(brokerOptions(cfg.Broker, logger), catalog)
	resolver := desk.StoreResolver{Store: stores.credentials}

	book := ledger.New(stores.ledger, ledger.WithLocation(cfg.Location()), ledger.WithLogger(logger))
	liveProtector := stoploss.NewManager(
		stoploss.WithPolling(cfg.StopLoss.PollInterval, cfg.StopLoss.MaxWait),
		stoploss.WithLogger(logger),
		stoploss.WithRecorder(recorder),
	)
	router := desk.NewRouter(venue, book, liveProtector, stoploss.NewImmediate(recorder), logger)

	engine := strategy.NewEngine(strategy.Deps{
		Indices:     cfg.IndexSpecs(),
		Router:      router,
		Quotes:      venue,
		Instruments: catalog,
		Logger:      logger,
		Recorder:    recorder,
	})
	closer := desk.NewCloser(book, router, venue, resolver, logger)
	sched, err := scheduler.New(scheduler.Deps{
		Executor:    engine,
		Credentials: resolver,
		Closer:      closer,
		Location:    cfg.Location(),
		Logger:      logger,
		Recorder:    recorder,
		Workers:     cfg.Scheduler.Workers,
		Queue:       cfg.Scheduler.Queue,
		FireTimeout: cfg.Scheduler.FireTimeout,
	})
	if err != nil {
		return services{}, fmt.Errorf("scheduler: %w", err)
	}
	d := desk.New(desk.Deps{
		Engine:      engine,
		Scheduler:   sched,
		Ledger:      book,
		Router:      router,
		Quotes:      venue,
		Credentials: resolver,
		Catalog:     catalog,
		Logger:      logger,

		ExecutionTimeout: cfg.Scheduler.FireTimeout,
	})
	return services{ledger: book, engine: engine, scheduler: sched, desk: d}, nil
}

func buildAPIServer(cfg config.AppConfig, d httpserver.Desk, creds credstore.Store, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Environment: cfg.Environment,
		Desk:        d,
		Credentials: creds,
		Logger:      logger,
	})
	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	scheduler  *scheduler.Scheduler
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closeStore func()
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.scheduler != nil {
		shutdownStep("draining scheduler", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.scheduler.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.closeStore != nil {
		logger.Print("shutdown: closing persistence")
		cfg.closeStore()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
