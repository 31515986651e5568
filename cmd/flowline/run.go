package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfujita/flowline/internal/backend"
	"github.com/mfujita/flowline/internal/cache"
	"github.com/mfujita/flowline/internal/config"
	"github.com/mfujita/flowline/internal/events"
	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/monitor"
	"github.com/mfujita/flowline/internal/orchestrator"
	"github.com/mfujita/flowline/internal/pipeline"
	"github.com/mfujita/flowline/internal/registry"
	"github.com/mfujita/flowline/internal/review"
)

func newRunCmd() *cobra.Command {
	var (
		inputJSON string
		inputFile string
		defsDir   string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline-name>",
		Short: "Execute one pipeline to completion with the local backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			input, err := readInput(inputJSON, inputFile)
			if err != nil {
				return err
			}
			if defsDir == "" {
				defsDir = cfg.Definitions.Dir
			}
			return runOnce(cmd, cfg, logger, defsDir, args[0], input)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "pipeline input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read pipeline input from a JSON file")
	cmd.Flags().StringVar(&defsDir, "definitions", "", "pipeline definitions directory")
	return cmd
}

func runOnce(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger, defsDir, name string, input map[string]any) error {
	loader := pipeline.NewLoader(defsDir, logger)
	if err := loader.LoadDir(); err != nil {
		return err
	}
	def := loader.Get(name)
	if def == nil {
		return fmt.Errorf("pipeline %q not found in %s", name, defsDir)
	}

	stack, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}

	pipelineID, err := stack.orch.Register(def)
	if err != nil {
		return err
	}
	execID, err := stack.orch.Execute(cmd.Context(), pipelineID, input)
	if err != nil {
		return err
	}

	exec, err := stack.orch.WaitDone(cmd.Context(), execID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if exec.Status != model.ExecutionCompleted {
		return fmt.Errorf("execution %s: %s", exec.Status, exec.Error)
	}
	return nil
}

// stack bundles the wired collaborators one process runs with.
type stack struct {
	bus     *events.Bus
	cache   *cache.Cache
	reg     *registry.Registry
	mon     *monitor.Monitor
	reviews *review.Manager
	orch    *orchestrator.Orchestrator
	prom    *prometheus.Registry
}

func buildStack(cfg *config.Config, logger *zap.Logger) (*stack, error) {
	bus := events.NewBus(64)

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	c := cache.New(store, logger, cache.Options{
		MaxLocalEntries: cfg.Cache.MaxLocalEntries,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		SweepInterval:   cfg.Cache.SweepInterval,
	})

	reg, err := registry.Open(cfg.Registry.Root, logger)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	mon := monitor.New(logger, bus, monitor.Options{
		Registerer:    promReg,
		SweepInterval: cfg.Monitor.SweepInterval,
	})
	mon.AddNotifier(monitor.NewLogNotifier(logger))
	if cfg.Monitor.WebhookURL != "" {
		mon.AddNotifier(monitor.NewWebhookNotifier(cfg.Monitor.WebhookURL))
	}

	reviews := review.NewManager(logger, bus)

	be, err := backend.NewLocal(logger, cfg.Orchestrator.Workers, backend.BuiltinHandlers())
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Logger:   logger,
		Cache:    c,
		Registry: reg,
		Monitor:  mon,
		Reviews:  reviews,
		Backend:  be,
		Bus:      bus,
	}, orchestrator.Options{
		PipelineTimeout: cfg.Orchestrator.PipelineTimeout,
		ReviewTimeout:   cfg.Orchestrator.ReviewTimeout,
		PollInterval:    cfg.Orchestrator.PollInterval,
	})

	return &stack{
		bus:     bus,
		cache:   c,
		reg:     reg,
		mon:     mon,
		reviews: reviews,
		orch:    orch,
		prom:    promReg,
	}, nil
}

func readInput(inputJSON, inputFile string) (map[string]any, error) {
	var raw []byte
	switch {
	case inputJSON != "" && inputFile != "":
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	case inputJSON != "":
		raw = []byte(inputJSON)
	case inputFile != "":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return map[string]any{}, nil
	}

	input := make(map[string]any)
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return input, nil
}

func buildStore(cfg *config.Config) (cache.SharedStore, error) {
	if !cfg.Cache.Redis.Enabled {
		return cache.NewMemStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Cache.Redis.Addr,
		Password:     cfg.Cache.Redis.Password,
		DB:           cfg.Cache.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return cache.NewRedisStore(client, "flowline:cache:"), nil
}
