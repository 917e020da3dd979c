// Package app wires the treasury services together and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/httpapi"
	"github.com/R3E-Network/treasury_layer/internal/locks"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/platform/migrations"
	"github.com/R3E-Network/treasury_layer/internal/scheduler"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/internal/storage/memory"
	"github.com/R3E-Network/treasury_layer/internal/storage/postgres"
	"github.com/R3E-Network/treasury_layer/services/audit"
	"github.com/R3E-Network/treasury_layer/services/multisig"
	"github.com/R3E-Network/treasury_layer/services/operations"
	"github.com/R3E-Network/treasury_layer/services/payout"
	"github.com/R3E-Network/treasury_layer/services/registry"
)

// Application ties the treasury services together.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	db    *sqlx.DB
	redis *redis.Client
	kafka *audit.KafkaSink
	hub   *audit.Hub

	Metrics    *metrics.Metrics
	Networks   *network.Registry
	Ledger     *audit.Ledger
	Registry   *registry.Service
	Payouts    *payout.Service
	Operations *operations.Service
	Engine     *multisig.Engine
	Scheduler  *scheduler.Scheduler

	api    *httpapi.Server
	server *http.Server
}

// New builds the application from cfg. A DATABASE_URL selects PostgreSQL,
// otherwise state is kept in memory. A REDIS_URL selects distributed locks.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.New(httpapi.ServiceName, cfg.LogLevel, cfg.LogFormat)
	}
	a := &Application{cfg: cfg, log: log, Metrics: metrics.New()}

	file, err := config.LoadFileOrDefault(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	limits, err := file.SpendLimits()
	if err != nil {
		return nil, err
	}
	tiers, err := file.Risk.Tiers()
	if err != nil {
		return nil, err
	}

	a.Networks, err = BuildNetworks(ctx, file)
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.openLocker()
	if err != nil {
		a.closeStores()
		return nil, err
	}

	seed, err := cfg.CustodySeedBytes()
	if err != nil {
		a.closeStores()
		return nil, err
	}
	custodian, err := network.NewDevKeystore(seed)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	if cfg.CustodySeed == "" {
		log.Warn("CUSTODY_SEED not set, using the development keystore seed")
	}

	a.hub = audit.NewHub(log)
	sinks := []audit.Sink{a.hub}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		a.kafka = audit.NewKafkaSink(brokers, cfg.KafkaAuditTopic, log, a.Metrics)
		sinks = append(sinks, a.kafka)
	}
	a.Ledger = audit.New(store,
		audit.WithSinks(sinks...),
		audit.WithLogger(log),
		audit.WithMetrics(a.Metrics))

	a.Registry = registry.New(a.Ledger, a.Networks,
		registry.WithDeriver(network.NewCustodianDeriver(custodian)),
		registry.WithLimits(limits),
		registry.WithLogger(log),
		registry.WithMetrics(a.Metrics))
	a.Payouts = payout.New(a.Ledger, a.Networks, custodian,
		payout.WithControls(a.Registry),
		payout.WithConfig(payout.Config{
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			PollInterval:        cfg.ConfirmationPollInterval,
		}),
		payout.WithLogger(log),
		payout.WithMetrics(a.Metrics))
	a.Operations = operations.New(a.Ledger, operations.WithLogger(log))
	a.Engine = multisig.New(a.Ledger, a.Registry, a.Payouts, a.Networks,
		multisig.WithLocker(locker),
		multisig.WithScorer(multisig.NewHeuristicScorer(tiers, file.Risk.Denylist)),
		multisig.WithLinker(a.Operations),
		multisig.WithExpiry(cfg.TxExpiry),
		multisig.WithAutoExecute(cfg.AutoExecute),
		multisig.WithLogger(log),
		multisig.WithMetrics(a.Metrics))

	a.Scheduler = scheduler.New(log, a.Metrics, cfg.JobTimeout)
	for _, job := range scheduler.TreasuryJobs(scheduler.Schedules{
		Sweep:          cfg.SweepSchedule,
		Reconcile:      cfg.ReconcileSchedule,
		BalanceRefresh: cfg.BalanceRefreshSchedule,
	}, a.Engine, a.Registry) {
		if err := a.Scheduler.Add(job); err != nil {
			a.closeStores()
			return nil, err
		}
	}

	a.api = httpapi.New(httpapi.Services{
		Registry:   a.Registry,
		Engine:     a.Engine,
		Payouts:    a.Payouts,
		Operations: a.Operations,
		Ledger:     a.Ledger,
		Hub:        a.hub,
		Networks:   a.Networks,
		Metrics:    a.Metrics,
	}, httpapi.Config{
		JWTKey:         []byte(cfg.JWTSecret),
		JWTIssuer:      cfg.JWTIssuer,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOriginList(),
	}, log)

	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ConfirmationTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a, nil
}

func (a *Application) openStore(ctx context.Context) (storage.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("DATABASE_URL not set, treasury state is kept in memory")
		return memory.New(), nil
	}
	db, err := postgres.Open(ctx, a.cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    a.cfg.DBMaxOpenConns,
		MaxIdleConns:    a.cfg.DBMaxIdleConns,
		ConnMaxLifetime: a.cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Up(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	a.db = db
	return postgres.New(db), nil
}

func (a *Application) openLocker() (locks.Locker, error) {
	if a.cfg.RedisURL == "" {
		return locks.NewKeyedMutex(), nil
	}
	client, err := locks.NewRedisClient(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.redis = client
	return locks.NewRedisLocker(client, a.cfg.LockTTL, locks.WithLogger(a.log)), nil
}

// Handler returns the HTTP API.
func (a *Application) Handler() http.Handler {
	return a.api
}

// Run serves HTTP and runs the scheduled jobs until ctx is cancelled or the
// listener fails.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	if a.kafka != nil {
		a.kafka.Start()
	}
	a.Scheduler.Start()
	a.api.StartBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, waits for running jobs and flushes the
// audit sinks.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.hub.Close()
	if a.kafka != nil {
		if err := a.kafka.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeStores()
	return errors.Join(errs...)
}

func (a *Application) closeStores() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
	}
}
