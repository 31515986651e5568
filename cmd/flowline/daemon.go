package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/config"
	"github.com/mfujita/flowline/internal/lock"
	"github.com/mfujita/flowline/internal/pipeline"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestration service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := os.MkdirAll(cfg.Registry.Root, 0755); err != nil {
				return err
			}
			fl := lock.NewFileLock(filepath.Join(cfg.Registry.Root, "flowline.lock"))
			if err := fl.TryLock(); err != nil {
				return err
			}
			defer fl.Unlock()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	stack, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}

	loader := pipeline.NewLoader(cfg.Definitions.Dir, logger)
	if err := loader.LoadDir(); err != nil {
		return err
	}

	// Definitions register under a stable name→ID mapping; a reload
	// deregisters the previous ID so the pipeline is replaced instead
	// of accumulating registrations.
	var regMu sync.Mutex
	registered := make(map[string]string)
	registerDef := func(def *pipeline.Definition) {
		id, err := stack.orch.Register(def)
		if err != nil {
			logger.Error("pipeline registration failed",
				zap.String("pipeline", def.Name), zap.Error(err))
			return
		}
		regMu.Lock()
		prev := registered[def.Name]
		registered[def.Name] = id
		regMu.Unlock()
		if prev != "" {
			if err := stack.orch.Deregister(prev); err != nil {
				logger.Warn("stale pipeline deregistration failed",
					zap.String("pipeline_id", prev), zap.Error(err))
			}
		}
		logger.Info("pipeline available",
			zap.String("pipeline", def.Name), zap.String("pipeline_id", id))
	}
	for _, def := range loader.All() {
		registerDef(def)
	}
	loader.OnReload(registerDef)

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { stack.cache.Start(ctx) })
	start(func() { stack.reviews.Start(ctx, cfg.Review.SweepInterval) })
	start(func() { stack.mon.Start(ctx) })
	if cfg.Definitions.Watch {
		start(func() {
			if err := loader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		})
	}

	var metricsSrv *http.Server
	if cfg.Monitor.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(stack.prom, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Monitor.MetricsAddr, Handler: mux}
		start(func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Monitor.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		})
	}

	logger.Info("flowline daemon started",
		zap.String("definitions", cfg.Definitions.Dir),
		zap.Int("pipelines", len(loader.All())))

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	return nil
}
