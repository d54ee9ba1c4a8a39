package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roast-network/roastd/internal/api"
	"github.com/roast-network/roastd/internal/app/autonomy"
	"github.com/roast-network/roastd/internal/app/command"
	"github.com/roast-network/roastd/internal/app/inference"
	"github.com/roast-network/roastd/internal/app/mission"
	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/health"
	"github.com/roast-network/roastd/internal/infra/bus"
	"github.com/roast-network/roastd/internal/infra/metrics"
	"github.com/roast-network/roastd/internal/infra/sqlite"
	"github.com/roast-network/roastd/internal/security"
)

// Daemon is the roastd runtime. It wires together all four services over
// one storage backend and one message bus; construction happens once and
// dependencies are passed down explicitly.
type Daemon struct {
	Config Config
	Log    *zap.Logger
	DB     *sqlite.DB

	Keypair  *security.Keypair
	Bus      *bus.Connector
	Engine   *inference.Engine
	Missions *mission.Store
	Commands *command.Service
	Governor *autonomy.Governor
	Breaker  *autonomy.Breaker
	Health   *health.Checker
	Server   *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon from the loaded configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	// Storage backend. The repository contract is backend-agnostic but
	// sqlite is the only backend built into this distribution.
	if cfg.Database.Type != "" && cfg.Database.Type != "sqlite" {
		return nil, fmt.Errorf("database type %q is not supported by this build (use sqlite)", cfg.Database.Type)
	}
	db, err := sqlite.Open(cfg.Database.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, Log: log, DB: db}

	// Signing identity
	if cfg.Signing.Mode == security.ModeEd25519 {
		if cfg.Signing.PrivateKeyB64 != "" {
			d.Keypair, err = security.KeypairFromBase64(cfg.Signing.Kid, cfg.Signing.PrivateKeyB64)
		} else {
			d.Keypair, err = security.LoadOrCreateKeypair(roastdHome(), cfg.Signing.Kid)
		}
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("signing identity: %w", err)
		}
	}

	// Message bus (optional)
	if cfg.Bus.URL != "" {
		d.Bus = bus.NewConnector(bus.Config{
			URL:      cfg.Bus.URL,
			ClientID: cfg.Bus.ClientID,
			QoS:      byte(cfg.Bus.QoS),
		}, d.Keypair, cfg.Signing.Mode, log.Named("bus"))
	}

	// Event-inference engine
	engineOpts := inference.Options{
		ConfigStore: db,
		SigningMode: cfg.Signing.Mode,
	}
	if d.Keypair != nil {
		engineOpts.VerifyKey = d.Keypair.Public
	}
	if d.Bus != nil {
		engineOpts.Publisher = d.Bus
	}
	d.Engine = inference.NewEngine(engineOpts, log.Named("inference"))

	// Mission store
	d.Missions = mission.NewStore(db, mission.Config{
		MaxAttempts:         cfg.Missions.MaxAttempts,
		BaseBackoff:         time.Duration(cfg.Missions.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:          5 * time.Minute,
		DefaultLeaseSeconds: cfg.Missions.LeaseSeconds,
		ReapInterval:        time.Duration(cfg.Missions.ReapSeconds) * time.Second,
	}, log.Named("mission"))

	// Autonomy governor + circuit breaker
	d.Governor = autonomy.NewGovernor(db, log.Named("governor"))
	agg := autonomy.NewAggregator(db)
	d.Breaker = autonomy.NewBreaker(db, agg, d.Governor, autonomy.BreakerConfig{
		CheckInterval: time.Duration(cfg.Breaker.CheckIntervalSeconds) * time.Second,
	}, log.Named("breaker"))

	// Command service — governor gate wired, rate gate reads the proposal
	// repository snapshot; no machine-state provider in this distribution.
	d.Commands = command.NewService(db, command.Options{
		Governor:               d.Governor,
		Recent:                 db,
		DefaultApprovalTimeout: cfg.Commands.ApprovalTimeoutSeconds,
		SweepInterval:          time.Duration(cfg.Commands.SweepSeconds) * time.Second,
	}, log.Named("command"))

	// Health checker
	var busProbe health.BusProbe
	if d.Bus != nil {
		busProbe = d.Bus
	}
	d.Health = health.NewChecker(db, cfg.Database.Dir, busProbe)

	// HTTP surface
	srv := api.NewServer(log.Named("api"))
	srv.Inference = d.Engine
	srv.Missions = d.Missions
	srv.Commands = d.Commands
	srv.Governor = d.Governor
	srv.Breaker = d.Breaker
	srv.Agg = agg
	srv.GovRepo = db
	srv.Health = d.Health
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve starts every service and blocks until shutdown. SIGTERM/SIGINT
// drain in-flight work up to the configured grace, then exit cleanly.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.Governor.Refresh(ctx); err != nil {
		return fmt.Errorf("load governance state: %w", err)
	}

	// Background loops
	go d.Engine.Run(ctx, time.Second)
	go d.Missions.RunReaper(ctx)
	go d.Commands.RunSweeper(ctx)
	go d.Breaker.Run(ctx)
	go d.Health.Run(ctx)

	// Bus ingest
	if d.Bus != nil {
		if err := d.Bus.Connect(ctx); err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		err := d.Bus.SubscribeTelemetry(func(msgCtx context.Context, env domain.Envelope) {
			if _, err := d.Engine.HandleTelemetry(msgCtx, env); err != nil {
				// Invalid payloads are dropped; the stream stays alive.
				metrics.TelemetryDropped.Inc()
				d.Log.Warn("telemetry dropped",
					zap.String("machine", env.Origin.String()), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe telemetry: %w", err)
		}
	}

	servers := []struct {
		name    string
		port    int
		handler http.Handler
	}{
		{"inference", d.Config.Services.InferencePort, d.Server.InferenceHandler()},
		{"mission", d.Config.Services.MissionPort, d.Server.MissionHandler()},
		{"command", d.Config.Services.CommandPort, d.Server.CommandHandler()},
		{"governance", d.Config.Services.GovernancePort, d.Server.GovernanceHandler()},
	}

	errCh := make(chan error, len(servers))
	var httpServers []*http.Server
	for _, svc := range servers {
		hs := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", d.Config.Services.Host, svc.port),
			Handler:      svc.handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		httpServers = append(httpServers, hs)
		d.Log.Info("service listening",
			zap.String("service", svc.name), zap.String("addr", hs.Addr))
		go func(name string, hs *http.Server) {
			if err := hs.ListenAndServe(); err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}(svc.name, hs)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		d.shutdown(httpServers)
		return err
	case <-sigCh:
		d.Log.Info("signal received, draining")
	case <-ctx.Done():
	}

	d.shutdown(httpServers)
	return nil
}

// shutdown drains the HTTP servers within the grace period, then closes
// the bus and the database.
func (d *Daemon) shutdown(servers []*http.Server) {
	grace := time.Duration(d.Config.Shutdown.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var wg sync.WaitGroup
	for _, hs := range servers {
		wg.Add(1)
		go func(hs *http.Server) {
			defer wg.Done()
			_ = hs.Shutdown(shutdownCtx)
		}(hs)
	}
	wg.Wait()

	if d.cancel != nil {
		d.cancel()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	_ = d.DB.Close()
	_ = d.Log.Sync()
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// buildLogger constructs the daemon's zap logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
