// Command langorchd is the orchestrator daemon: it owns the job
// queue worker, leader-gated scheduler loops, and the inbound HTTP
// surface for webhooks, callbacks, and approval decisions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karuppusamym/LangOrch-sub000/internal/approval"
	"github.com/karuppusamym/LangOrch-sub000/internal/cancel"
	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	"github.com/karuppusamym/LangOrch-sub000/internal/engine"
	"github.com/karuppusamym/LangOrch-sub000/internal/leader"
	"github.com/karuppusamym/LangOrch-sub000/internal/llmclient"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/metrics"
	"github.com/karuppusamym/LangOrch-sub000/internal/retention"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/internal/tracing"
	"github.com/karuppusamym/LangOrch-sub000/internal/trigger"
	"github.com/karuppusamym/LangOrch-sub000/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const triggerSyncInterval = time.Minute

func main() {
	var (
		configPath string
		listenAddr string
		dbURL      string
	)

	root := &cobra.Command{
		Use:           "langorchd",
		Short:         "LangOrch orchestrator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if dbURL != "" {
				cfg.DatabaseURL = dbURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to config YAML")
	root.Flags().StringVar(&listenAddr, "listen", "", "Bind address for the HTTP listener")
	root.Flags().StringVar(&dbURL, "db", "", "Database URL (postgres:// or sqlite path)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("langorchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "langorchd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := ilog.New(ilog.FromEnv())
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	cancels := cancel.NewRegistry()

	llm, err := llmclient.New(cfg.LLM, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(st, engine.BuiltinActions(st, logger), dispatch.Options{
		LeaseTTL:        cfg.Lease.TTL,
		CallbackBaseURL: callbackBaseURL(cfg.ListenAddr),
	}, logger)

	eng := engine.New(st, dispatcher, llm, cancels, m, logger)
	elector := leader.New(st, leader.DefaultLeaseName, cfg.Leader.LeaseTTL, cfg.Leader.RenewInterval, nil, logger)
	wrk := worker.New(st, eng, cancels, cfg.Worker, elector.IsLeader, logger)

	approvals := approval.NewService(st, logger)
	triggers := trigger.NewService(st, cfg.Worker.MaxAttempts, logger)
	scheduler := trigger.NewScheduler(triggers, st, triggerSyncInterval, elector.IsLeader, logger)
	watcher := trigger.NewFileWatcher(triggers, st, cfg.FileWatch, elector.IsLeader, logger)
	sweeper := retention.NewSweeper(st, cfg.Retention, elector.IsLeader, logger)
	listener := trigger.NewListener(triggers, approvals, st, m.Handler(), logger)

	if n, err := triggers.SyncFromProcedures(ctx); err != nil {
		logger.Warn("initial trigger sync failed", "error", err)
	} else {
		logger.Info("trigger registrations synced", "count", n)
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
		logger.Debug("component started", ilog.ComponentKey, name)
	}

	start("leader", elector.Run)
	start("worker", wrk.Run)
	start("scheduler", scheduler.Run)
	start("filewatch", watcher.Run)
	start("retention", sweeper.Run)
	start("approval-expiry", func(c context.Context) {
		approvals.ExpiryLoop(c, 30*time.Second, elector.IsLeader)
	})
	start("trigger-sync", func(c context.Context) {
		triggers.SyncLoop(c, triggerSyncInterval, elector.IsLeader)
	})
	if cfg.Metrics.PushgatewayURL != "" {
		pusher := metrics.NewPusher(m, cfg.Metrics.PushgatewayURL, cfg.Metrics.PushInterval, logger)
		start("metrics-push", pusher.Run)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listener.Serve(runCtx, cfg.ListenAddr)
	}()

	logger.Info("daemon started", "listen_addr", cfg.ListenAddr, "version", version)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("listener failed", "error", err)
			cancelAll()
			wg.Wait()
			return err
		}
	}

	cancelAll()
	wg.Wait()
	logger.Info("daemon stopped")
	return nil
}

// callbackBaseURL turns the bind address into the URL agents post
// async results back to.
func callbackBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
