package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/adapter"
	"github.com/m-mizutani/jarvis/pkg/memory"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/policy"
	"github.com/m-mizutani/jarvis/pkg/repository"
	"github.com/m-mizutani/jarvis/pkg/service/mcp"
	"github.com/m-mizutani/jarvis/pkg/tool"
	"github.com/m-mizutani/jarvis/pkg/tool/knowledge"
	"github.com/m-mizutani/jarvis/pkg/tool/preference"
	"github.com/m-mizutani/jarvis/pkg/tool/scratch"
	"github.com/m-mizutani/jarvis/pkg/tool/sysenv"
	"github.com/m-mizutani/jarvis/pkg/usecase/agent"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string
	debug     bool

	// LLM
	apiKey         string
	baseURL        string
	model          string
	reasoningModel string
	siteURL        string
	siteName       string
	rateLimit      float64

	// Agent
	maxHistoryPairs        int64
	maxToolIterations      int64
	maxReasoningIterations int64
	retrievalTopK          int64
	userID                 string

	// Memory backend
	dbPath            string
	firestoreProject  string
	firestoreDatabase string
	traceBucket       string
	tracePrefix       string

	// Embedder
	embeddingAPIKey  string
	embeddingBaseURL string
	embeddingModel   string
	embeddingDims    int64
	geminiProject    string
	geminiLocation   string

	// Tools
	docsDir   string
	mcpConfig string
	policyDir string
	redisAddr string

	sessionID string
}

// loggingFlags returns flags for log output
func loggingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("JARVIS_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("JARVIS_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "Enable debug logging",
			Sources:     cli.EnvVars("JARVIS_DEBUG"),
			Destination: &cfg.debug,
		},
	}
}

// memoryFlags returns flags for the long term memory backend with destination config
func memoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-path",
			Usage:       "SQLite database file for long term memory",
			Value:       "jarvis.db",
			Sources:     cli.EnvVars("JARVIS_DB_PATH"),
			Destination: &cfg.dbPath,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID. Firestore is used instead of SQLite when set",
			Sources:     cli.EnvVars("JARVIS_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("JARVIS_FIRESTORE_DATABASE", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "trace-bucket",
			Usage:       "Cloud Storage bucket to archive reasoning traces",
			Sources:     cli.EnvVars("JARVIS_TRACE_BUCKET"),
			Destination: &cfg.traceBucket,
		},
		&cli.StringFlag{
			Name:        "trace-prefix",
			Usage:       "Object name prefix of archived reasoning traces",
			Value:       "traces",
			Sources:     cli.EnvVars("JARVIS_TRACE_PREFIX"),
			Destination: &cfg.tracePrefix,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Usage:       "User the session acts for",
			Value:       model.DefaultUserID,
			Sources:     cli.EnvVars("JARVIS_USER_ID"),
			Destination: &cfg.userID,
		},
		&cli.StringFlag{
			Name:        "embedding-api-key",
			Usage:       "API key of the OpenAI compatible embeddings endpoint",
			Sources:     cli.EnvVars("JARVIS_EMBEDDING_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.embeddingAPIKey,
		},
		&cli.StringFlag{
			Name:        "embedding-base-url",
			Usage:       "Base URL of the OpenAI compatible embeddings endpoint",
			Sources:     cli.EnvVars("JARVIS_EMBEDDING_BASE_URL"),
			Destination: &cfg.embeddingBaseURL,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Sources:     cli.EnvVars("JARVIS_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Embedding vector size, 0 keeps the model default",
			Sources:     cli.EnvVars("JARVIS_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.embeddingDims,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini embeddings. Takes precedence over the OpenAI compatible endpoint",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "openrouter-api-key",
			Usage:       "OpenRouter API key",
			Sources:     cli.EnvVars("OPENROUTER_API_KEY"),
			Destination: &cfg.apiKey,
		},
		&cli.StringFlag{
			Name:        "base-url",
			Usage:       "Base URL of the chat completions endpoint",
			Value:       adapter.DefaultBaseURL,
			Sources:     cli.EnvVars("JARVIS_LLM_BASE_URL"),
			Destination: &cfg.baseURL,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Chat model",
			Value:       agent.DefaultModel,
			Sources:     cli.EnvVars("JARVIS_MODEL"),
			Destination: &cfg.model,
		},
		&cli.StringFlag{
			Name:        "reasoning-model",
			Usage:       "Model of the memory reasoner, defaults to --model",
			Sources:     cli.EnvVars("JARVIS_REASONING_MODEL"),
			Destination: &cfg.reasoningModel,
		},
		&cli.StringFlag{
			Name:        "site-url",
			Usage:       "Site URL sent to OpenRouter",
			Sources:     cli.EnvVars("JARVIS_SITE_URL"),
			Destination: &cfg.siteURL,
		},
		&cli.StringFlag{
			Name:        "site-name",
			Usage:       "Site name sent to OpenRouter",
			Value:       "Jarvis",
			Sources:     cli.EnvVars("JARVIS_SITE_NAME"),
			Destination: &cfg.siteName,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "Maximum LLM requests per second, 0 for unlimited",
			Sources:     cli.EnvVars("JARVIS_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
	}
}

// agentFlags returns flags for the orchestrator and its tools with destination config
func agentFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "max-history-pairs",
			Usage:       "Number of user and assistant message pairs kept in the conversation",
			Value:       agent.DefaultMaxHistoryPairs,
			Sources:     cli.EnvVars("JARVIS_MAX_HISTORY_PAIRS"),
			Destination: &cfg.maxHistoryPairs,
		},
		&cli.IntFlag{
			Name:        "max-tool-iterations",
			Usage:       "Maximum number of generations in one turn",
			Value:       agent.DefaultMaxToolIterations,
			Sources:     cli.EnvVars("JARVIS_MAX_TOOL_ITERATIONS"),
			Destination: &cfg.maxToolIterations,
		},
		&cli.IntFlag{
			Name:        "max-reasoning-iterations",
			Usage:       "Maximum number of memory reasoner iterations",
			Value:       agent.DefaultMaxReasoningIterations,
			Sources:     cli.EnvVars("JARVIS_MAX_REASONING_ITERATIONS"),
			Destination: &cfg.maxReasoningIterations,
		},
		&cli.IntFlag{
			Name:        "retrieval-top-k",
			Usage:       "Number of documents returned by retrieve_relevant_docs",
			Value:       knowledge.DefaultTopK,
			Sources:     cli.EnvVars("JARVIS_RETRIEVAL_TOP_K"),
			Destination: &cfg.retrievalTopK,
		},
		&cli.StringFlag{
			Name:        "docs-dir",
			Usage:       "Directory of *.txt files indexed into an empty knowledge base",
			Value:       "docs",
			Sources:     cli.EnvVars("JARVIS_DOCS_DIR"),
			Destination: &cfg.docsDir,
		},
		&cli.StringFlag{
			Name:        "mcp-config",
			Usage:       "Path to MCP server configuration file",
			Sources:     cli.EnvVars("JARVIS_MCP_CONFIG"),
			Destination: &cfg.mcpConfig,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies evaluated before each tool call",
			Sources:     cli.EnvVars("JARVIS_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address for scratch memory, in process when empty",
			Sources:     cli.EnvVars("JARVIS_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
	}
}

// newLogger builds the logger selected by the logging flags
func (cfg *config) newLogger(w io.Writer) *slog.Logger {
	level := cfg.logLevel
	if cfg.debug {
		level = "debug"
	}
	return logging.NewByFormat(cfg.logFormat, level, w)
}

// newLLM creates the chat completion client
func (cfg *config) newLLM() (*adapter.LLMClient, error) {
	if cfg.apiKey == "" {
		return nil, goerr.New("openrouter-api-key is required")
	}
	return adapter.NewLLM(cfg.apiKey,
		adapter.WithBaseURL(cfg.baseURL),
		adapter.WithSite(cfg.siteURL, cfg.siteName),
		adapter.WithRateLimit(cfg.rateLimit),
	), nil
}

// newEmbedder creates the Gemini embedder when a project is configured and the
// OpenAI compatible one otherwise
func (cfg *config) newEmbedder(ctx context.Context) (adapter.Embedder, error) {
	if cfg.geminiProject != "" {
		var opts []adapter.GeminiOption
		if cfg.embeddingModel != "" {
			opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
		}
		if cfg.embeddingDims > 0 {
			opts = append(opts, adapter.WithDimensions(int(cfg.embeddingDims)))
		}
		return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	}

	if cfg.embeddingAPIKey == "" {
		return nil, goerr.New("embedding-api-key or gemini-project is required")
	}
	var opts []adapter.OpenAIEmbedderOption
	if cfg.embeddingBaseURL != "" {
		opts = append(opts, adapter.WithEmbedderBaseURL(cfg.embeddingBaseURL))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbedderModel(cfg.embeddingModel))
	}
	if cfg.embeddingDims > 0 {
		opts = append(opts, adapter.WithEmbedderDimensions(int(cfg.embeddingDims)))
	}
	return adapter.NewOpenAIEmbedder(cfg.embeddingAPIKey, opts...), nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.firestoreProject != "" {
		if cfg.firestoreDatabase == "" {
			return nil, goerr.New("firestore-database is required")
		}
		repo, err := repository.New(cfg.firestoreProject, cfg.firestoreDatabase)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil
	}

	if cfg.dbPath == "" {
		return nil, goerr.New("db-path is required")
	}
	repo, err := repository.NewSQLite(ctx, cfg.dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newMemory assembles the long term memory
func (cfg *config) newMemory(ctx context.Context) (*memory.Manager, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}

	opts := []memory.Option{
		memory.WithDefaultUser(cfg.userID),
		memory.WithConversationID(cfg.session()),
	}
	if cfg.traceBucket != "" {
		st, err := adapter.NewStorage(ctx, cfg.traceBucket, cfg.tracePrefix)
		if err != nil {
			_ = repo.Close()
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		opts = append(opts, memory.WithTraceArchive(st))
	}

	return memory.New(embedder, repo, opts...), nil
}

// session returns the ID of this process's conversation. It tags logged
// interactions and namespaces the Redis scratch memory.
func (cfg *config) session() string {
	if cfg.sessionID == "" {
		cfg.sessionID = string(model.NewRecordID())
	}
	return cfg.sessionID
}

// newScratchStore selects the scratch memory backend
func (cfg *config) newScratchStore(ctx context.Context) (scratch.Store, func(), error) {
	if cfg.redisAddr == "" {
		return scratch.NewMemoryStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", cfg.redisAddr))
	}
	session := cfg.session()
	logging.From(ctx).Debug("scratch memory on redis", "addr", cfg.redisAddr, "session", session)

	return scratch.NewRedisStore(rdb, session), func() { _ = rdb.Close() }, nil
}

// newRegistry registers every tool provider behind the tool policy. The
// returned cleanup releases MCP sessions and the scratch backend.
func (cfg *config) newRegistry(ctx context.Context, mem *memory.Manager) (*tool.Registry, func(), error) {
	guard, err := policy.Load(ctx, cfg.policyDir, policy.WithUserID(cfg.userID))
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := cfg.newScratchStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := closeStore

	providers := []tool.Provider{
		sysenv.New(),
		scratch.New(store),
		knowledge.New(mem, knowledge.WithTopK(int(cfg.retrievalTopK))),
		preference.New(mem, preference.WithUserID(cfg.userID)),
	}

	mcpProvider, err := mcp.LoadAndConnect(ctx, cfg.mcpConfig)
	if err != nil {
		cleanup()
		return nil, nil, goerr.Wrap(err, "failed to load MCP tools")
	}
	if mcpProvider != nil {
		providers = append(providers, mcpProvider)
		cleanup = func() {
			if err := mcpProvider.Close(); err != nil {
				logging.From(ctx).Warn("failed to close MCP sessions", "error", err)
			}
			closeStore()
		}
	}

	registry := tool.New(tool.WithGuard(guard))
	registry.Register(ctx, providers...)

	return registry, cleanup, nil
}

// newOrchestrator wires the whole agent: memory, tools and the LLM. The
// knowledge base is indexed from docs-dir when it is empty.
func (cfg *config) newOrchestrator(ctx context.Context) (*agent.Orchestrator, func(), error) {
	llm, err := cfg.newLLM()
	if err != nil {
		return nil, nil, err
	}

	mem, err := cfg.newMemory(ctx)
	if err != nil {
		return nil, nil, err
	}

	if n, err := mem.IndexDirectory(ctx, cfg.docsDir); err != nil {
		logging.From(ctx).Warn("failed to index documents", "dir", cfg.docsDir, "error", err)
	} else if n > 0 {
		logging.From(ctx).Info("indexed documents", "dir", cfg.docsDir, "count", n)
	}

	registry, closeTools, err := cfg.newRegistry(ctx, mem)
	if err != nil {
		_ = mem.Close()
		return nil, nil, err
	}

	orchestrator, err := agent.New(llm, mem, registry,
		agent.WithModel(cfg.model),
		agent.WithReasoningModel(cfg.reasoningModel),
		agent.WithMaxHistoryPairs(int(cfg.maxHistoryPairs)),
		agent.WithMaxToolIterations(int(cfg.maxToolIterations)),
		agent.WithMaxReasoningIterations(int(cfg.maxReasoningIterations)),
	)
	if err != nil {
		closeTools()
		_ = mem.Close()
		return nil, nil, goerr.Wrap(err, "failed to create agent")
	}

	return orchestrator, func() {
		closeTools()
		if err := mem.Close(); err != nil {
			logging.From(ctx).Warn("failed to close memory", "error", err)
		}
	}, nil
}
