// Command expertflow runs the expert Q&A orchestration service.
//
// Usage:
//
//	expertflow serve                       # start the service
//	expertflow serve --config config.yaml  # with a config file
//	expertflow version                     # print build info
//	expertflow health                      # probe a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/expertflow-ai/expertflow/api"
	"github.com/expertflow-ai/expertflow/budget"
	"github.com/expertflow-ai/expertflow/config"
	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/executor"
	"github.com/expertflow-ai/expertflow/internal/cache"
	"github.com/expertflow-ai/expertflow/internal/database"
	"github.com/expertflow-ai/expertflow/internal/metrics"
	"github.com/expertflow-ai/expertflow/internal/server"
	"github.com/expertflow-ai/expertflow/internal/telemetry"
	"github.com/expertflow-ai/expertflow/llm"
	"github.com/expertflow-ai/expertflow/orchestrator"
	"github.com/expertflow-ai/expertflow/panel"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/resilience"
	"github.com/expertflow-ai/expertflow/retrieval"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/streaming"
	"github.com/expertflow-ai/expertflow/types"
)

// Injected at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		if err := serve(args); err != nil {
			fmt.Fprintf(os.Stderr, "expertflow: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("expertflow %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	case "health":
		if err := health(args); err != nil {
			fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, version or health)\n", cmd)
		os.Exit(2)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return err
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("starting expertflow",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
		if err != nil {
			return fmt.Errorf("configure database pool: %w", err)
		}
		defer pool.Close() //nolint:errcheck
	}

	st, err := buildStore(cfg, db, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	for _, entry := range cfg.Agents {
		agent := types.Agent{
			ID:            entry.ID,
			Level:         types.AgentLevel(entry.Level),
			SpecialtyTags: entry.SpecialtyTags,
			AllowedTools:  entry.AllowedTools,
			ModelConfig: types.ModelConfig{
				Model:       entry.Model,
				MaxTokens:   entry.MaxTokens,
				Temperature: entry.Temperature,
			},
		}
		if err := reg.Register(agent); err != nil {
			return fmt.Errorf("register agent %q: %w", entry.ID, err)
		}
	}

	eng, gatherer, err := buildEngine(cfg, db, collector, logger)
	if err != nil {
		return err
	}

	provider := buildProvider(cfg, logger)
	wrapper := resilience.NewWrapper(cfg.Retry, &cfg.Breaker, logger)
	tracker := budget.NewTracker(cfg.Budget, logger)
	broker := streaming.NewBroker(logger)
	exec := executor.New(provider, reg, tracker, wrapper, broker, cfg.Executor, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Engine:   eng,
		Gatherer: gatherer,
		Executor: exec,
		Registry: reg,
		Store:    st,
		Broker:   broker,
		Wrapper:  wrapper,
		Metrics:  collector,
	}, cfg.Orchestrator, logger)
	panels := panel.New(exec, reg, st, cfg.Panel, logger)

	handler := api.NewHandler(orch, panels, broker, st, reg, collector.Handler(), cfg, logger)
	srv := server.New(handler.Routes(), server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go orch.RunSweeper(ctx)

	return srv.Run(ctx)
}

// openDatabase connects to the configured relational backend, or
// returns nil when none is configured.
func openDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("connected to postgres", zap.String("host", cfg.Database.Host))
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Database.DSN()), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("connected to sqlite", zap.String("path", cfg.Database.Name))
		return db, nil
	default:
		return nil, nil
	}
}

// buildStore picks the most durable configured backend: gorm, then
// redis, then memory.
func buildStore(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (store.Store, error) {
	if db != nil {
		return store.NewGormStore(db, logger)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		return store.NewRedisStore(client, 7*24*time.Hour, logger), nil
	}
	logger.Warn("no durable store configured, workflow state is in-memory only")
	return store.NewMemoryStore(), nil
}

func buildEngine(cfg *config.Config, db *gorm.DB, collector *metrics.Collector, logger *zap.Logger) (*engine.Engine, *engine.Gatherer, error) {
	embedder := retrieval.NewHashingEmbedder(256)
	var index retrieval.VectorIndex
	if db != nil {
		if err := db.AutoMigrate(&retrieval.EmbeddingRow{}, &retrieval.UsageRecord{}); err != nil {
			return nil, nil, fmt.Errorf("migrate retrieval tables: %w", err)
		}
		index = retrieval.NewPgvectorIndex(db, logger)
	} else {
		index = retrieval.NewInMemoryVectorIndex()
	}

	retrievers := []retrieval.Retriever{
		retrieval.NewVectorRetriever(index, embedder, logger),
		retrieval.NewGraphRetriever(retrieval.NewInMemoryGraphStore(), cfg.Engine.MaxHops, logger),
	}
	if db != nil {
		retrievers = append(retrievers, retrieval.NewRelationalRetriever(db, logger))
	}

	opts := []engine.Option{engine.WithMetrics(collector)}
	if cfg.Redis.Addr != "" {
		cacheCfg := cfg.Cache
		if cacheCfg.Addr == "" {
			cacheCfg.Addr = cfg.Redis.Addr
			cacheCfg.Password = cfg.Redis.Password
			cacheCfg.DB = cfg.Redis.DB
		}
		mgr, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			logger.Warn("query cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, engine.WithCache(mgr))
		}
	}

	eng := engine.New(retrievers, cfg.Engine, logger, opts...)
	gatherer := engine.NewGatherer(eng, nil, cfg.Gatherer, logger)
	return eng, gatherer, nil
}

func buildProvider(cfg *config.Config, logger *zap.Logger) llm.Provider {
	if cfg.LLM.Provider == "mock" || cfg.LLM.APIKey == "" {
		if cfg.LLM.Provider != "mock" {
			logger.Warn("no llm api key configured, falling back to the mock provider")
		}
		return llm.NewMockProvider("mock")
	}
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		DefaultModel:       cfg.LLM.Model,
		Timeout:            cfg.LLM.Timeout,
		InsecureSkipVerify: cfg.LLM.InsecureSkipVerify,
	}, logger)
}

func health(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "base URL of the running service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
