// Package app wires dnsctld's infrastructure and components together and
// dispatches into the configured run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/meridiandns/dnsctld/internal/config"
	"github.com/meridiandns/dnsctld/internal/httpserver"
	"github.com/meridiandns/dnsctld/internal/platform"
	"github.com/meridiandns/dnsctld/internal/reconcile"
	"github.com/meridiandns/dnsctld/internal/telemetry"
	"github.com/meridiandns/dnsctld/internal/wsauth"
	"github.com/meridiandns/dnsctld/pkg/audit"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/dnsservice"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/forwarder"
	"github.com/meridiandns/dnsctld/pkg/health"
	"github.com/meridiandns/dnsctld/pkg/notify"
	"github.com/meridiandns/dnsctld/pkg/render"
	"github.com/meridiandns/dnsctld/pkg/rpz"
	"github.com/meridiandns/dnsctld/pkg/scheduler"
	"github.com/meridiandns/dnsctld/pkg/threatfeed"
)

const threatFeedTickInterval = time.Minute

// Run is the process entry point: it connects to infrastructure, assembles
// every component, and starts the configured mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting dnsctld", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	dbTimeout, err := time.ParseDuration(cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("parsing db timeout %q: %w", cfg.DBTimeout, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	db, err := platform.NewPostgresPool(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	svc, bus, err := buildDNSService(cfg, db, rdb, logger)
	if err != nil {
		return err
	}

	if err := reconcile.Run(ctx, svc, logger); err != nil {
		logger.Warn("startup reconcile reported an error; continuing to start the process", "error", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, svc, bus)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, svc, bus)
	case "reconcile":
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildDNSService wires the render config, BIND controller, audit writer,
// and event bus into the DNS Service orchestrator (C4), started once and
// shared across api/worker/reconcile modes.
func buildDNSService(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (*dnsservice.Service, *eventbus.Bus, error) {
	deployTimeout, err := time.ParseDuration(cfg.DeployTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing deploy timeout %q: %w", cfg.DeployTimeout, err)
	}

	renderCfg := render.Config{ZonesDir: cfg.ZonesDir, RPZDir: cfg.RPZDir}
	snapshots := audit.NewSnapshotStore(db, cfg.BackupsDir, logger)
	bindCfg := bindctl.Config{
		ConfigDir:    cfg.BindConfigDir,
		ServiceName:  cfg.BindServiceName,
		CheckconfBin: cfg.NamedCheckconf,
		CheckzoneBin: cfg.NamedCheckzone,
		RndcBin:      cfg.RndcBin,
		ReloadTimeout: deployTimeout,
	}
	controller := bindctl.NewController(bindCfg, snapshots, rdb, logger)

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(context.Background())

	bus := eventbus.NewBus()
	svc := dnsservice.NewService(db, renderCfg, controller, auditWriter, bus, logger)
	return svc, bus, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, svc *dnsservice.Service, bus *eventbus.Bus) error {
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = wsauth.GenerateDevSecret()
		logger.Warn("websocket auth: using auto-generated dev secret (set DNSCTLD_JWT_SECRET in production)")
	}
	sessionMgr, err := wsauth.NewManager(jwtSecret)
	if err != nil {
		return fmt.Errorf("creating websocket session manager: %w", err)
	}

	broadcaster := eventbus.NewBroadcaster(bus, logger)
	wsHandler := eventbus.NewHandler(broadcaster, sessionMgr, cfg.CORSAllowedOrigins, logger)

	stopBackground, err := startBackgroundComponents(ctx, cfg, db, rdb, svc, bus, logger)
	if err != nil {
		return err
	}
	defer stopBackground()

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)
	srv.Router.Mount("/api/websocket", wsHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, svc *dnsservice.Service, bus *eventbus.Bus) error {
	logger.Info("worker started")

	stopBackground, err := startBackgroundComponents(ctx, cfg, db, rdb, svc, bus, logger)
	if err != nil {
		return err
	}
	defer stopBackground()

	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}

// startBackgroundComponents assembles the Health Monitor (C5), Threat Feed
// Ingestor (C6), Scheduler (C8), and Alert Notifier (C11) — the components
// both api and worker modes run identically in the background — and
// returns a stop function that blocks until the scheduler has drained.
func startBackgroundComponents(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, svc *dnsservice.Service, bus *eventbus.Bus, logger *slog.Logger) (stop func(), err error) {
	probeInterval, err := time.ParseDuration(cfg.ProbeInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing probe interval %q: %w", cfg.ProbeInterval, err)
	}
	alertTTL, err := time.ParseDuration(cfg.AlertTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing health alert ttl %q: %w", cfg.AlertTTL, err)
	}
	feedHTTPTimeout, err := time.ParseDuration(cfg.FeedHTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing feed http timeout %q: %w", cfg.FeedHTTPTimeout, err)
	}
	schedulerLeaseTTL, err := time.ParseDuration(cfg.SchedulerLeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing scheduler lease ttl %q: %w", cfg.SchedulerLeaseTTL, err)
	}

	if cfg.ProbeName != "" {
		name := cfg.ProbeName
		if name[len(name)-1] != '.' {
			name += "."
		}
		forwarder.ProbeName = name
	}

	fwdStore := forwarder.NewStore(db)
	fwdSvc := forwarder.NewService(fwdStore)
	dedup := health.NewDeduper(rdb, alertTTL)
	monitor := health.NewMonitor(fwdStore, fwdSvc, dedup, bus, health.Thresholds{
		ResponseMSWarn:     cfg.AlertResponseMSWarn,
		ResponseMSCritical: cfg.AlertResponseMSCritical,
		FailRateWarn:       cfg.AlertFailRateWarn,
		FailRateCritical:   cfg.AlertFailRateCritical,
	}, cfg.ProbeRecoverThresh, cfg.ProbeFailThresh, logger)

	rpzSvc := rpz.NewService(rpz.NewStore(db))
	ingestor := threatfeed.NewIngestor(threatfeed.NewStore(db), rpzSvc, svc, bus, feedHTTPTimeout, logger)

	sched := scheduler.New(rdb, schedulerLeaseTTL, logger)
	sched.Register(&scheduler.Task{
		ID:       "health_monitor",
		Interval: probeInterval,
		Run: func(ctx context.Context) error {
			monitor.RunCycle(ctx)
			return nil
		},
	})
	sched.Register(&scheduler.Task{
		ID:       "threat_feed",
		Interval: threatFeedTickInterval,
		Run: func(ctx context.Context) error {
			ingestor.RunDue(ctx, time.Now())
			return nil
		},
	})

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack alert notifier enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack alert notifier disabled (SLACK_BOT_TOKEN or SLACK_ALERT_CHANNEL not set)")
	}
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx, bus)
	}()

	return func() {
		<-schedDone
		<-notifierDone
	}, nil
}
