// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AutumnsGrove/YearlyReview/internal/admin"
	"github.com/AutumnsGrove/YearlyReview/internal/aggregator"
	"github.com/AutumnsGrove/YearlyReview/internal/breaker"
	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/contentcache"
	"github.com/AutumnsGrove/YearlyReview/internal/coordinator"
	"github.com/AutumnsGrove/YearlyReview/internal/extractor"
	"github.com/AutumnsGrove/YearlyReview/internal/llmgateway"
	"github.com/AutumnsGrove/YearlyReview/internal/obs"
	"github.com/AutumnsGrove/YearlyReview/internal/objectstore"
	"github.com/AutumnsGrove/YearlyReview/internal/persistence"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
	"github.com/AutumnsGrove/YearlyReview/internal/redisclient"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminJobID string
	var adminN int
	var adminYes bool
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: extractor|aggregator|coordinator|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|dead-letters|requeue|purge-all|stats-keys|start|status|reset")
	fs.StringVar(&adminQueue, "queue", "", "Queue/tier alias for admin peek and dead-letters (extract|weekly|monthly|quarterly|synthesis)")
	fs.StringVar(&adminJobID, "job-id", "", "Job id for admin requeue")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	store, err := persistence.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	defer store.Close()
	if role != "admin" {
		if err := store.Migrate(context.Background()); err != nil {
			logger.Fatal("failed to migrate postgres", obs.Err(err))
		}
	}

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)
	}

	switch role {
	case "extractor":
		coord := buildCoordinator(cfg, store, rdb, logger)
		ex := buildExtractor(cfg, rdb, logger, store, coord)
		if err := ex.Run(ctx); err != nil {
			logger.Fatal("extractor error", obs.Err(err))
		}
	case "aggregator":
		coord := buildCoordinator(cfg, store, rdb, logger)
		runAggregators(ctx, cfg, rdb, logger, store, coord)
	case "coordinator":
		coord := buildCoordinator(cfg, store, rdb, logger)
		coord.Subscribe(ctx)
	case "all":
		coord := buildCoordinator(cfg, store, rdb, logger)
		ex := buildExtractor(cfg, rdb, logger, store, coord)
		go func() {
			if err := ex.Run(ctx); err != nil {
				logger.Error("extractor error", obs.Err(err))
				cancel()
			}
		}()
		runAggregators(ctx, cfg, rdb, logger, store, coord)
	case "admin":
		runAdmin(ctx, cfg, store, rdb, logger, adminCmd, adminQueue, adminJobID, adminN, adminYes)
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func buildCoordinator(cfg *config.Config, store *persistence.Store, rdb *redis.Client, logger *zap.Logger) *coordinator.Coordinator {
	objStore, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Fatal("failed to init object store", obs.Err(err))
	}
	return coordinator.New(cfg, store, rdb, objStore, logger)
}

func buildExtractor(cfg *config.Config, rdb *redis.Client, logger *zap.Logger, store *persistence.Store, notifier extractor.Notifier) *extractor.Worker {
	objStore, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Fatal("failed to init object store", obs.Err(err))
	}
	cache := contentcache.New(rdb, "", 7*24*time.Hour)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	gateway := llmgateway.New(cfg.LLM, cb, logger)
	return extractor.New(cfg, rdb, logger, cache, store, objStore, gateway, notifier)
}

func runAggregators(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, store *persistence.Store, notifier aggregator.Notifier) {
	cache := contentcache.New(rdb, "", 7*24*time.Hour)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	gateway := llmgateway.New(cfg.LLM, cb, logger)

	tiers := []queue.Tier{queue.TierWeekly, queue.TierMonthly, queue.TierQuarterly, queue.TierSynthesis}
	done := make(chan error, len(tiers))
	for _, tier := range tiers {
		w := aggregator.New(tier, cfg, rdb, logger, cache, store, gateway, notifier)
		go func(t queue.Tier) {
			done <- w.Run(ctx)
		}(tier)
	}
	for range tiers {
		if err := <-done; err != nil {
			logger.Error("aggregator error", obs.Err(err))
		}
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, store *persistence.Store, rdb *redis.Client, logger *zap.Logger, cmd, queue, jobID string, n int, yes bool) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queue == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.Peek(ctx, cfg, rdb, queue, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "dead-letters":
		if queue == "" {
			logger.Fatal("admin dead-letters requires --queue")
		}
		res, err := admin.DeadLetters(ctx, cfg, rdb, queue)
		if err != nil {
			logger.Fatal("admin dead-letters error", obs.Err(err))
		}
		printJSON(res)
	case "requeue":
		if queue == "" || jobID == "" {
			logger.Fatal("admin requeue requires --queue and --job-id")
		}
		if err := admin.RequeueDeadLetter(ctx, cfg, rdb, queue, jobID); err != nil {
			logger.Fatal("admin requeue error", obs.Err(err))
		}
		fmt.Println("job requeued")
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		n, err := admin.PurgeAll(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin purge-all error", obs.Err(err))
		}
		printJSON(struct {
			Purged int64 `json:"purged"`
		}{Purged: n})
	case "stats-keys":
		res, err := admin.StatsKeys(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats-keys error", obs.Err(err))
		}
		printJSON(res)
	case "start":
		objStore, err := objectstore.New(cfg.ObjectStore)
		if err != nil {
			logger.Fatal("failed to init object store", obs.Err(err))
		}
		coord := coordinator.New(cfg, store, rdb, objStore, logger)
		if err := coord.Start(ctx); err != nil {
			logger.Fatal("coordinator start error", obs.Err(err))
		}
		fmt.Println("pipeline started")
	case "status":
		objStore, err := objectstore.New(cfg.ObjectStore)
		if err != nil {
			logger.Fatal("failed to init object store", obs.Err(err))
		}
		coord := coordinator.New(cfg, store, rdb, objStore, logger)
		st, err := coord.Status(ctx)
		if err != nil {
			logger.Fatal("coordinator status error", obs.Err(err))
		}
		printJSON(st)
	case "reset":
		if !yes {
			logger.Fatal("refusing to reset without --yes")
		}
		objStore, err := objectstore.New(cfg.ObjectStore)
		if err != nil {
			logger.Fatal("failed to init object store", obs.Err(err))
		}
		coord := coordinator.New(cfg, store, rdb, objStore, logger)
		if err := coord.Reset(ctx); err != nil {
			logger.Fatal("coordinator reset error", obs.Err(err))
		}
		fmt.Println("pipeline reset")
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
