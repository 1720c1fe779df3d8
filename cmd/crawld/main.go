package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/collab"
	"github.com/khryptorgraphics/crawld/internal/config"
	"github.com/khryptorgraphics/crawld/internal/dedup"
	"github.com/khryptorgraphics/crawld/internal/dedup/cachelayer"
	"github.com/khryptorgraphics/crawld/internal/dedup/indexlayer"
	"github.com/khryptorgraphics/crawld/internal/indexstore"
	"github.com/khryptorgraphics/crawld/internal/optimizer"
	"github.com/khryptorgraphics/crawld/internal/platform"
	"github.com/khryptorgraphics/crawld/internal/queue"
	"github.com/khryptorgraphics/crawld/internal/recovery"
	"github.com/khryptorgraphics/crawld/internal/scheduler"
	"github.com/khryptorgraphics/crawld/internal/workerpool"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "crawld",
		Short:   "crawld - distributed crawl orchestration plane",
		Version: version,
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file overlaying environment defaults")
	return cmd
}

func run(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("starting crawld", "version", version)

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
	}()

	cache, err := cachestore.New(ctx, cachestore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("crawld: connect cache store: %w", err)
	}
	defer cache.Close()

	index, err := indexstore.New(ctx, indexstore.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	}, logger)
	if err != nil {
		return fmt.Errorf("crawld: connect index store: %w", err)
	}
	defer index.Close(context.Background())

	q := queue.New(cache, queue.Config{
		Prefix:        cfg.Queue.Prefix,
		DeadLetterTTL: cfg.Queue.DeadLetterTTL,
		RetryBase:     cfg.Queue.RetryBase,
		RetryFactor:   cfg.Queue.RetryFactor,
		RetryMaxDelay: cfg.Queue.RetryMaxDelay,
		HeartbeatTTL:  cfg.Queue.HeartbeatTTL,
	}, logger)

	sched := scheduler.New(scheduler.Config{
		IdleTimeout:       cfg.Scheduler.IdleTimeout,
		RebalanceInterval: cfg.Scheduler.RebalanceInterval,
	}, logger)

	dedupEngine := dedup.NewEngine(
		cachelayer.New(cache, cachelayer.Config{
			BloomCapacity:      cfg.Dedup.BloomCapacity,
			BloomFalsePositive: cfg.Dedup.BloomFalsePositive,
		}),
		indexlayer.New(index),
		dedup.Config{
			TitleWindow:         cfg.Dedup.TitleWindow,
			TimeWindow:          cfg.Dedup.TimeWindow,
			SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		},
		logger,
	)

	recoveryEngine := recovery.New(recovery.Config{
		Breaker: recovery.BreakerConfig{
			FailureThreshold: cfg.Recovery.BreakerFailureThreshold,
			OpenTimeout:      cfg.Recovery.BreakerOpenTimeout,
		},
	}, logger, nil)

	fetcher := collab.NewHTTPFetcher(collab.HTTPFetcherConfig{})
	sink := collab.NewIndexStoreSink(index)

	pool := workerpool.New(workerpool.Config{
		PollTimeout:    cfg.WorkerPool.PollTimeout,
		TaskTimeout:    cfg.WorkerPool.TaskTimeout,
		HeartbeatTimer: cfg.WorkerPool.HeartbeatTimer,
	}, q, sched, dedupEngine, recoveryEngine, fetcher, sink, logger)

	scaler := workerpool.NewScalingManager(pool, cfg.WorkerPool.Capacity)
	scaler.StartInitial(ctx, cfg.WorkerPool.NumWorkers)
	logger.Info("worker pool started", "workers", cfg.WorkerPool.NumWorkers)

	opt := optimizer.New(optimizer.Config{
		Mode:       optimizer.Mode(cfg.Optimizer.Mode),
		MinWorkers: cfg.Optimizer.MinWorkers,
		MaxWorkers: cfg.Optimizer.MaxWorkers,
	}, cfg.WorkerPool.NumWorkers, logger)

	varianceFunc := func() (float64, float64) {
		workers := sched.Workers()
		if len(workers) == 0 {
			return 0, 0
		}
		var total float64
		loads := make([]float64, 0, len(workers))
		for _, w := range workers {
			l := float64(w.CurrentLoad)
			loads = append(loads, l)
			total += l
		}
		mean := total / float64(len(loads))
		var variance float64
		for _, l := range loads {
			variance += (l - mean) * (l - mean)
		}
		return variance / float64(len(loads)), mean
	}

	collectPool := func() (optimizer.PoolSnapshot, error) {
		workers := sched.Workers()
		var active, idle, totalCapacity, totalLoad int
		for _, w := range workers {
			totalCapacity += w.Capacity
			totalLoad += w.CurrentLoad
			if w.CurrentLoad > 0 {
				active++
			} else {
				idle++
			}
		}
		snap, err := q.Status(ctx)
		if err != nil {
			return optimizer.PoolSnapshot{}, err
		}
		var depth int64
		for _, d := range snap.Depths {
			depth += d
		}
		var utilization float64
		if totalCapacity > 0 {
			utilization = float64(totalLoad) / float64(totalCapacity)
		}
		return optimizer.PoolSnapshot{
			Timestamp:     time.Now(),
			WorkersActive: active,
			WorkersIdle:   idle,
			WorkersTotal:  len(workers),
			QueueDepth:    depth,
			Utilization:   utilization,
		}, nil
	}

	onActions := func(actions []optimizer.Action) {
		for _, action := range actions {
			logger.Info("optimizer action", "type", action.ActionType, "target", action.Target, "reason", action.Reason)
			switch action.ActionType {
			case "scale_up":
				for scaler.Count() < action.Target {
					scaler.ScaleUp(ctx)
				}
			case "scale_down":
				for scaler.Count() > action.Target && scaler.Count() > cfg.Optimizer.MinWorkers {
					scaler.ScaleDown()
				}
			}
		}
	}

	go opt.RunMonitoringLoop(ctx, cfg.Optimizer.MonitoringInterval, cfg.Optimizer.OptimizationInterval,
		optimizer.CollectSystemSnapshot, collectPool, varianceFunc, onActions)

	monitor := platform.New(cache, q, sched, platform.Thresholds{})

	var server *platform.Server
	if cfg.API.Listen != "" {
		server = platform.NewServer(cfg.API.Listen, monitor, platform.RouterConfig{
			CORSEnabled:    cfg.API.CORSEnabled,
			AllowedOrigins: cfg.API.AllowedOrigins,
			BearerSecret:   cfg.API.BearerSecret,
		}, logger)
		go func() {
			logger.Info("operational surface listening", "addr", cfg.API.Listen)
			if err := server.ListenAndServe(); err != nil {
				logger.Error("operational surface stopped", "error", err)
			}
		}()
	}

	logger.Info("crawld started")
	<-ctx.Done()

	logger.Info("shutting down")
	if server != nil {
		if err := server.Shutdown(); err != nil {
			logger.Error("operational surface shutdown error", "error", err)
		}
	}

	pool.Wait()
	logger.Info("crawld stopped")
	return nil
}
