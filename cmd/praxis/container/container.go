package container

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/praxis-ai/praxis/agent"
	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/cache"
	"github.com/praxis-ai/praxis/common/config"
	"github.com/praxis-ai/praxis/common/db"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/common/logger"
	"github.com/praxis-ai/praxis/common/metrics"
	"github.com/praxis-ai/praxis/condition"
	"github.com/praxis-ai/praxis/engine"
	"github.com/praxis-ai/praxis/llm"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/registry"
	"github.com/praxis-ai/praxis/resolver"
	"github.com/praxis-ai/praxis/store"
	"github.com/praxis-ai/praxis/tool"
)

// Container holds every long-lived service, created once at startup.
type Container struct {
	Config     *config.Config
	Logger     *logger.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Bus        *eventbus.Bus
	Blueprints blueprint.Store
	Executions store.Store
	Approvals  *store.ApprovalStore
	Components *registry.Registry
	Memory     *memory.Manager
	Engine     *engine.Engine

	database    *db.DB
	redisClient *redis.Client
}

// New builds the service container. Optional backends (Postgres, Redis,
// chromem, OpenAI) are selected by config; everything falls back to
// in-process implementations so the service runs with zero external
// dependencies.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}
	c.Metrics = metrics.New(c.Registry)
	c.Bus = eventbus.New(log)
	c.Approvals = store.NewApprovalStore()

	if cfg.Redis.Addr != "" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		eventbus.NewRedisMirror(c.Bus, c.redisClient, log)
	}

	if err := c.buildStores(ctx); err != nil {
		return nil, err
	}
	if err := c.buildRegistry(); err != nil {
		return nil, err
	}
	if err := c.buildMemory(); err != nil {
		return nil, err
	}
	c.buildEngine()

	return c, nil
}

func (c *Container) buildStores(ctx context.Context) error {
	if c.Config.Database.Host != "" {
		database, err := db.New(ctx, c.Config, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		c.database = database
		c.Blueprints = blueprint.NewPostgresStore(database)
	} else {
		c.Blueprints = blueprint.NewMemoryStore()
	}

	if c.redisClient != nil {
		c.Executions = store.NewRedisStore(c.redisClient, 0)
	} else {
		c.Executions = store.NewMemoryStore()
	}

	// Executions left running by a previous process are unrecoverable.
	recovered, err := c.Executions.RecoverOrphans(ctx)
	if err != nil {
		c.Logger.Warn("orphan recovery failed", "error", err)
	} else if recovered > 0 {
		c.Logger.Info("recovered orphaned executions", "count", recovered)
	}

	return nil
}

func (c *Container) buildRegistry() error {
	c.Components = registry.New()

	if err := tool.RegisterBuiltins(c.Components); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	if dir := os.Getenv("PLUGIN_DIR"); dir != "" {
		if err := c.Components.LoadPlugins(dir, false); err != nil {
			return fmt.Errorf("failed to load plugins: %w", err)
		}
	}

	return nil
}

func (c *Container) buildMemory() error {
	cfg := c.Config.Memory

	var embedder memory.Embedder
	if c.Config.LLM.Provider == "openai" && c.Config.LLM.APIKey != "" {
		embedder = memory.NewOpenAIEmbedder(c.Config.LLM.APIKey, c.Config.LLM.BaseURL, cfg.EmbeddingModel, cfg.VectorDimension)
	} else {
		embedder = memory.NewHashEmbedder(cfg.VectorDimension)
	}

	var index memory.Index
	if cfg.VectorBackend == "chromem" {
		chromem, err := memory.NewChromemIndex(cfg.VectorDimension, cfg.ChromemPath)
		if err != nil {
			return fmt.Errorf("failed to open chromem index: %w", err)
		}
		index = chromem
	} else {
		index = memory.NewInMemoryIndex(cfg.VectorDimension)
	}

	semantic, err := memory.NewSemanticMemory(embedder, index)
	if err != nil {
		return fmt.Errorf("failed to build semantic memory: %w", err)
	}

	c.Memory = &memory.Manager{
		Working:    memory.NewWorkingMemory(cfg.WorkingTTL),
		Episodic:   memory.NewEpisodicMemory(c.redisClient, cfg.EpisodicTTL),
		Semantic:   semantic,
		Procedural: memory.NewProceduralMemory(),
	}
	return nil
}

func (c *Container) buildEngine() {
	llmService := llm.NewService()
	if c.Config.LLM.Provider == "openai" && c.Config.LLM.APIKey != "" {
		llmService.Register(llm.NewOpenAIProvider(c.Config.LLM.APIKey, c.Config.LLM.BaseURL, c.Config.LLM.DefaultModel))
	} else {
		llmService.Register(llm.NewStubProvider())
	}

	// A default planner agent is always available to agent nodes.
	planner := agent.NewLLMAgent("planner", c.Config.LLM.Provider, c.Config.LLM.DefaultModel, llmService)
	if err := c.Components.RegisterInstance(registry.SpaceAgent, planner.Name(), planner, false); err != nil {
		c.Logger.Warn("failed to register planner agent", "error", err)
	}

	var resultCache cache.Cache
	if c.redisClient != nil {
		resultCache = cache.NewRedisCache(c.redisClient, c.Logger)
	} else {
		resultCache = cache.NewMemoryCache(c.Logger)
	}

	sandbox := tool.NewSandbox(tool.SandboxLimits{
		CPUSeconds: c.Config.Sandbox.CPUSeconds,
		MemoryMB:   c.Config.Sandbox.MemoryMB,
		WallClock:  c.Config.Sandbox.WallClock,
		AllowNet:   c.Config.Sandbox.AllowNet,
	})

	c.Engine = engine.New(engine.Deps{
		Config:     c.Config.Engine,
		CacheCfg:   c.Config.Cache,
		Blueprints: c.Blueprints,
		Registry:   c.Components,
		Resolver:   resolver.New(),
		Conditions: condition.NewEvaluator(),
		LLM:        llmService,
		Memory:     c.Memory,
		Sandbox:    sandbox,
		Cache:      resultCache,
		Store:      c.Executions,
		Approvals:  c.Approvals,
		Bus:        c.Bus,
		Metrics:    c.Metrics,
		Logger:     c.Logger,
	})
}

// Shutdown releases external connections.
func (c *Container) Shutdown(ctx context.Context) {
	if c.database != nil {
		c.database.Close()
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.Logger.Warn("failed to close redis client", "error", err)
		}
	}
}
