// agent is the device-side sync daemon. It keeps captured signals in a
// durable local queue and uploads them in per-stream batches on the
// configured schedule.
//
//	agent [flags]                           run the daemon
//	agent pair --endpoint URL --code CODE   exchange a pairing code for a device token
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/signal-sync/internal/api"
	"github.com/notifyhub/signal-sync/internal/budget"
	"github.com/notifyhub/signal-sync/internal/config"
	"github.com/notifyhub/signal-sync/internal/coordinator"
	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/identity"
	"github.com/notifyhub/signal-sync/internal/ingest"
	"github.com/notifyhub/signal-sync/internal/metrics"
	"github.com/notifyhub/signal-sync/internal/ratelimiter"
	"github.com/notifyhub/signal-sync/internal/scheduler"
	"github.com/notifyhub/signal-sync/internal/service"
	"github.com/notifyhub/signal-sync/internal/stream"
	"github.com/notifyhub/signal-sync/internal/worker"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "pair" {
		err = runPair(os.Args[2:])
	} else {
		err = runAgent(os.Args[1:])
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags lets command-line flags override the environment.
func applyFlags(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address of the local status API")
	fs.StringVar(&cfg.QueueDSN, "queue-dsn", cfg.QueueDSN, "SQLite path or postgres:// URL of the queue")
	fs.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "device identity file")
	fs.StringVar(&cfg.SyncSchedule, "schedule", cfg.SyncSchedule, `sync schedule: cron-like expression, "realtime" or "manual"`)
	fs.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "maximum items per sync cycle")
	fs.DurationVar(&cfg.BackgroundBudget, "budget", cfg.BackgroundBudget, "time allowed for one sync cycle")
	return fs.Parse(args)
}

func runAgent(args []string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cfg, args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- storage ----
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if n, err := store.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover in-flight items: %w", err)
	} else if n > 0 {
		logger.Info("returned interrupted items to pending", zap.Int("count", n))
	}

	// ---- identity ----
	ids := identity.NewFileSource(cfg.IdentityPath)
	deviceID, err := ids.EnsureDeviceID()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	logger = logger.With(zap.String("device_id", deviceID))

	// ---- core dependencies ----
	clk := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := stream.DefaultRegistry()
	uploader := ingest.NewHTTPUploader(cfg.UploadTimeout, ratelimiter.New(cfg.UploadRatePerSec), logger.Named("ingest"))

	// The coordinator and scheduler refer to each other: the scheduler
	// triggers cycles and a cycle may carry a new schedule from the server.
	var sched *scheduler.Scheduler

	onUploaded, onFailed, onCycle := m.CoordinatorHooks()
	coord := coordinator.New(store, registry, uploader, ids, coordinator.Config{
		BatchLimit:       cfg.BatchLimit,
		MaxRetries:       cfg.MaxRetries,
		MaxDecodeRetries: cfg.MaxDecodeRetries,
		PurgeAge:         cfg.PurgeAge,
	}, clk, logger.Named("coordinator"), coordinator.Hooks{
		OnUploaded: onUploaded,
		OnFailed:   onFailed,
		OnCycle:    onCycle,
		OnSchedule: func(expr string) {
			m.ScheduleChange.Inc()
			sched.UpdateSchedule(expr)
		},
	})

	platform := budget.NewDeadlinePlatform(cfg.BackgroundBudget, clk, func(at time.Time) {
		if !at.IsZero() {
			logger.Debug("next background slot requested", zap.Time("at", at))
		}
	}, logger.Named("budget"))
	guard := budget.NewGuard(platform, func() (time.Time, bool) { return sched.Upcoming() }, logger.Named("budget"))

	sched = scheduler.New(cfg.SyncSchedule, func(ctx context.Context) {
		err := guard.Run(ctx, "sync", func(ctx context.Context) error {
			_, err := coord.RunCycle(ctx)
			return err
		})
		if err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
			logger.Warn("sync cycle ended with error", zap.Error(err))
		}
	}, coord, clk, logger.Named("scheduler"))

	svc := service.NewSignalService(store, registry, syncView{coord, sched}, clk, logger.Named("service"))

	// ---- background goroutines ----
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var g errgroup.Group
	g.Go(func() error {
		sched.Run(workerCtx)
		return nil
	})
	g.Go(func() error {
		err := ids.Watch(workerCtx, logger.Named("identity"), func() {
			logger.Info("device identity changed")
			sched.Reconfigured()
		})
		if err != nil {
			logger.Error("identity watch stopped", zap.Error(err))
		}
		return nil
	})

	heartbeat := worker.NewHeartbeatWorker(store, cfg.HeartbeatInterval, func(s domain.QueueStats, st domain.SyncState) {
		m.ObserveQueue(s)
		m.ObserveSyncState(st)
	}, clk, logger.Named("heartbeat"))
	g.Go(func() error {
		heartbeat.Run(workerCtx)
		return nil
	})

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Signals: svc,
		Status:  svc,
		Sync:    sched,
		Metrics: reg,
	}, logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status API starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---- graceful shutdown ----
	var reason string
	select {
	case <-ctx.Done():
		reason = "terminated"
	case err := <-serveErr:
		logger.Error("status API failed", zap.Error(err))
		reason = "server_error"
	}
	logger.Info("shutdown started", zap.String("reason", reason))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Cancel the scheduler; a running cycle releases its items.
	cancelWorkers()
	_ = g.Wait()

	// 3. Leave a marker in the queue so the server sees the agent stopped.
	svc.RecordTerminalEvent(shutdownCtx, reason)

	logger.Info("agent stopped cleanly")
	return nil
}

// syncView joins the coordinator's state with the scheduler's timing for
// the status endpoint.
type syncView struct {
	coord *coordinator.Coordinator
	sched *scheduler.Scheduler
}

func (v syncView) Halted() bool                  { return v.coord.Halted() }
func (v syncView) Running() bool                 { return v.coord.Running() }
func (v syncView) Schedule() domain.ScheduleSpec { return v.sched.Schedule() }
func (v syncView) NextWake() (time.Time, bool)   { return v.sched.NextWake() }
