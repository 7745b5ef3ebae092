package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calder/steward/internal/config"
	"github.com/calder/steward/internal/logger"
	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/archive"
	"github.com/calder/steward/pkg/coreloop"
	"github.com/calder/steward/pkg/coretools"
	"github.com/calder/steward/pkg/events"
	"github.com/calder/steward/pkg/history"
	"github.com/calder/steward/pkg/lease"
	"github.com/calder/steward/pkg/model"
	"github.com/calder/steward/pkg/orchestrator"
	"github.com/calder/steward/pkg/scheduler"
	"github.com/calder/steward/pkg/store"
	"github.com/calder/steward/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Steward daemon",
	Long: `Start the Steward daemon in the foreground. The daemon runs the
background worker pool, check-in schedules, the lease sweep, and the
archive retention sweep until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("steward"); err != nil {
		zl.Warn().Err(err).Msg("OpenTelemetry initialization failed, continuing without tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	daemon, err := buildDaemon(cfg, zl)
	if err != nil {
		return err
	}
	defer daemon.Close()

	if err := daemon.Start(); err != nil {
		return err
	}

	// Log level follows config file edits without a restart.
	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		if level, perr := zerolog.ParseLevel(next.Logging.Level); perr == nil {
			zerolog.SetGlobalLevel(level)
		}
	})
	if err == nil {
		if werr := watcher.Start(); werr != nil {
			zl.Warn().Err(werr).Msg("Config watcher failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	zl.Info().Str("version", version).Msg("Steward daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}

// daemon holds the wired components so shutdown can unwind them in order.
type daemon struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	checkIns  *scheduler.CheckIns
	sweeper   *lease.Sweeper
	retention *archive.Retention
	gateway   *http.Server
	logger    zerolog.Logger
}

func buildDaemon(cfg *config.Config, zl zerolog.Logger) (*daemon, error) {
	st, err := store.New(store.Config{DBPath: cfg.DBPath, Logger: zl})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client, err := model.NewClient(cfg.Models.Provider, cfg.Models.APIKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	summarizerModel := cfg.Models.SummarizerModel
	if summarizerModel == "" {
		summarizerModel = cfg.Models.Model
	}
	summarizer := model.NewSummarizer(client, summarizerModel, zl)

	hub := events.NewHub(zl)
	wireStatusEvents(st, hub)
	repairer := history.New(st, zl)
	archiver := archive.New(st, summarizer, hub, zl)

	leaseMgr, err := lease.New(st, cfg.Lease.Staleness, zl)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := tools.NewRegistry(cfg.Orchestrator.ToolCallTimeout, zl)

	loop, err := coreloop.New(coreloop.Config{
		Store:            st,
		Client:           client,
		Registry:         registry,
		ModelCallTimeout: cfg.Orchestrator.ModelCallTimeout,
		Logger:           zl,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	// The scheduler dispatches into the orchestrator and the orchestrator
	// re-enqueues retries through the scheduler, so bind late.
	var orch *orchestrator.Orchestrator
	sched, err := scheduler.New(scheduler.Config{
		Run: func(ctx context.Context, ref agentable.Ref, runContext map[string]interface{}, jobRef string) {
			if err := orch.Run(ctx, ref, runContext, jobRef); err != nil {
				zl.Error().Err(err).Str("job_ref", jobRef).Msg("Run failed at lease acquisition")
			}
		},
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		Logger:    zl,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	orch, err = orchestrator.New(orchestrator.Config{
		Store:          st,
		Lease:          leaseMgr,
		Repairer:       repairer,
		ContextBuilder: orchestrator.NewContextBuilder(st, cfg.Orchestrator.StopScanWindow, zl),
		Loop:           loop,
		Archiver:       archiver,
		Scheduler:      sched,
		Publisher:      hub,
		SessionTimeout: cfg.Orchestrator.SessionTimeout,
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		Model:          cfg.Models.Model,
		MaxTokens:      cfg.Models.MaxTokens,
		Logger:         zl,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := coretools.RegisterAll(registry, st, sched, zl); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	d := &daemon{
		store:     st,
		scheduler: sched,
		checkIns:  scheduler.NewCheckIns(sched, zl),
		sweeper:   lease.NewSweeper(st, sched, repairer, cfg.Lease.HardCeiling, zl),
		retention: archive.NewRetention(st, cfg.Archive.RetentionAge, cfg.Archive.SweepInterval),
		logger:    zl,
	}

	if cfg.Gateway.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		mux.Handle("/events", events.NewBroadcaster(hub, zl))
		d.gateway = &http.Server{Addr: cfg.Gateway.Addr, Handler: mux}
	}

	return d, nil
}

// wireStatusEvents publishes every committed status transition to the hub
// so external observers see lifecycle changes as they happen.
func wireStatusEvents(st *store.Store, hub *events.Hub) {
	st.OnStatusChange(func(ref agentable.Ref, from, to agentable.Status) {
		hub.Publish(events.Event{
			Type:        events.TypeStatusChanged,
			AgentableID: ref.ID,
			Data: map[string]interface{}{
				"kind": string(ref.Kind),
				"from": string(from),
				"to":   string(to),
			},
		})
	})
}

func (d *daemon) Start() error {
	// Clear leases orphaned by a previous process before accepting work.
	swept, err := d.sweeper.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("startup lease sweep failed: %w", err)
	}
	if swept > 0 {
		d.logger.Info().Int("swept", swept).Msg("Orphaned leases cleared at startup")
	}

	d.scheduler.Start()
	d.checkIns.Start()
	if err := d.retention.Start(); err != nil {
		return err
	}

	if d.gateway != nil {
		go func() {
			if err := d.gateway.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Gateway server failed")
			}
		}()
		d.logger.Info().Str("addr", d.gateway.Addr).Msg("Gateway listening")
	}
	return nil
}

func (d *daemon) Close() {
	if d.gateway != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.gateway.Shutdown(shutdownCtx)
		cancel()
	}
	d.checkIns.Stop()
	d.scheduler.Stop()
	if d.retention.IsRunning() {
		_ = d.retention.Stop()
	}
	d.store.Close()
}
