// Package app assembles the engine: one place that builds the event log,
// OLAP engine, cache, registry, scheduler, rewriter, and wire server from
// configuration, so the CLI commands stay thin. Configuration comes from
// ENG_-prefixed environment variables with sensible local defaults.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ryrobes/larsql-sub001/internal/cache"
	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/config"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
	"github.com/ryrobes/larsql-sub001/internal/model"
	"github.com/ryrobes/larsql-sub001/internal/model/provider/anthropic"
	"github.com/ryrobes/larsql-sub001/internal/model/provider/bedrock"
	"github.com/ryrobes/larsql-sub001/internal/model/provider/openai"
	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/pgwire"
	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/registry"
	"github.com/ryrobes/larsql-sub001/internal/scheduler"
	"github.com/ryrobes/larsql-sub001/internal/search"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
	"github.com/ryrobes/larsql-sub001/internal/udfbridge"
)

// Config is the engine's environment-derived configuration (ENG_* prefix).
type Config struct {
	RootDir      string
	OLAPPath     string
	LogDir       string
	MongoURI     string
	MongoDB      string
	Provider     string
	DefaultModel string
	APIKey       string
	RedisAddr    string
	QdrantHost   string
	QdrantPort   int
	CascadeDir   string
	SemanticDir  string
	MaxDepth     int
	MaxParallel  int
	// PromptModels lists model-id prefixes that lack native function
	// calling; the agent loop parses fenced json tool calls for them.
	PromptModels []string
}

// LoadConfig reads ENG_* environment variables over defaults.
func LoadConfig() *Config {
	v := viper.New()
	v.SetEnvPrefix("ENG")
	v.AutomaticEnv()
	v.SetDefault("root_dir", ".")
	v.SetDefault("olap_path", "")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_db", "cascade")
	v.SetDefault("provider", "anthropic")
	v.SetDefault("default_model", "claude-sonnet-4-5")
	v.SetDefault("api_key", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("qdrant_host", "")
	v.SetDefault("qdrant_port", 6334)
	v.SetDefault("cascade_dir", "cascades")
	v.SetDefault("semantic_dir", filepath.Join("cascades", "semantic"))
	v.SetDefault("max_depth", 25)
	v.SetDefault("max_parallel", runtime.NumCPU())
	v.SetDefault("prompt_models", "")
	return &Config{
		RootDir:      v.GetString("root_dir"),
		OLAPPath:     v.GetString("olap_path"),
		LogDir:       v.GetString("log_dir"),
		MongoURI:     v.GetString("mongo_uri"),
		MongoDB:      v.GetString("mongo_db"),
		Provider:     v.GetString("provider"),
		DefaultModel: v.GetString("default_model"),
		APIKey:       v.GetString("api_key"),
		RedisAddr:    v.GetString("redis_addr"),
		QdrantHost:   v.GetString("qdrant_host"),
		QdrantPort:   v.GetInt("qdrant_port"),
		CascadeDir:   v.GetString("cascade_dir"),
		SemanticDir:  v.GetString("semantic_dir"),
		MaxDepth:     v.GetInt("max_depth"),
		MaxParallel:  v.GetInt("max_parallel"),
		PromptModels: splitList(v.GetString("prompt_models")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sqlFn pairs a discovered sql_function spec with the cascade file that
// declared it, so per-session bridges can register the UDF.
type sqlFn struct {
	spec *cascade.SQLFunctionSpec
	path string
}

// App owns the process-wide singletons.
type App struct {
	Config    *Config
	Logger    telemetry.Logger
	Log       *eventlog.Log
	Engine    *olap.Engine
	Cache     *cache.Cache
	Registry  *registry.Registry
	MCP       *registry.MCPSupervisor
	Scheduler *scheduler.Scheduler
	Rewriter  *sqlrewrite.Rewriter
	Search    search.Backend
	Indexer   search.Indexer

	llmSem          *semaphore.Weighted
	sqlFns          []sqlFn
	shutdownTracing func(context.Context) error
}

// New assembles the engine.
func New(cfg *Config) (*App, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewZapLogger(zl)

	log, err := eventlog.NewLog(eventlog.Options{
		ColumnarDir: filepath.Join(cfg.RootDir, cfg.LogDir, "echoes"),
		JSONLDir:    filepath.Join(cfg.RootDir, cfg.LogDir, "echoes_jsonl"),
		ErrorFile:   filepath.Join(cfg.RootDir, cfg.LogDir, "eventlog_errors.log"),
		MongoURI:    cfg.MongoURI,
		MongoDB:     cfg.MongoDB,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := olap.New(olap.Options{Path: cfg.OLAPPath})
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	resultCache, err := cache.New(10_000, rdb)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:          cfg,
		shutdownTracing: telemetry.InitTracing("cascade-engine"),
		Logger:          logger,
		Log:             log,
		Engine:          engine,
		Cache:           resultCache,
		Registry:        registry.New(),
		MCP:             registry.NewMCPSupervisor(),
		Rewriter:        sqlrewrite.New(),
		llmSem:          semaphore.NewWeighted(int64(runtime.NumCPU() * 2)),
	}

	if cfg.QdrantHost != "" {
		qd, err := search.NewQdrant(cfg.QdrantHost, cfg.QdrantPort)
		if err != nil {
			logger.Warn(context.Background(), "app: qdrant unavailable, search operators disabled", "error", err)
		} else {
			a.Search = qd
			a.Indexer = qd
		}
	}

	registerBuiltinTools(a.Registry, a.dispatchCascade)

	a.Scheduler = scheduler.New(scheduler.Options{
		Registry:       a.Registry,
		Cache:          a.Cache,
		Log:            a.Log,
		Models:         a.resolveModel,
		SQLExec:        a.sqlCellExecutor(),
		Semaphores:     scheduler.DefaultSemaphores(runtime.NumCPU()),
		MaxDepth:       cfg.MaxDepth,
		MaxParallel:    cfg.MaxParallel,
		Logger:         logger,
		Loader:         a.loadDefinition,
		PromptModeFor: func(modelID string) bool {
			for _, prefix := range cfg.PromptModels {
				if strings.HasPrefix(modelID, prefix) {
					return true
				}
			}
			return false
		},
	})

	if err := a.discoverCascades(); err != nil {
		logger.Warn(context.Background(), "app: cascade discovery failed", "error", err)
	}
	return a, nil
}

// Close flushes and releases every singleton; call from a shutdown hook.
func (a *App) Close() {
	if a.Log != nil {
		a.Log.Close()
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.shutdownTracing(ctx)
	}
}

func (a *App) loadDefinition(path string) (*cascade.Definition, error) {
	def, warnings, err := config.Load(path)
	for _, w := range warnings {
		a.Logger.Warn(context.Background(), "config: "+w.Message, "path", w.Path)
	}
	return def, err
}

// dispatchCascade runs one cascade as a fresh sub-session; the caller id
// carried by ctx is inherited by the spawned Echo.
func (a *App) dispatchCascade(ctx context.Context, path string, inputs map[string]any) (any, error) {
	def, err := a.loadDefinition(path)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	echo, err := a.Scheduler.RunCascade(ctx, def, inputs, sessionID, nil)
	if err != nil {
		return nil, err
	}
	if echo.Failed() {
		return nil, cerrs.New(cerrs.KindToolExecution, "app.dispatchCascade",
			fmt.Errorf("cascade %s failed with %d unresolved errors", def.ID, len(echo.UnresolvedErrors)))
	}
	if len(def.Cells) > 0 {
		return echo.Outputs[def.Cells[len(def.Cells)-1].Name], nil
	}
	return echo.Outputs, nil
}

// RunCascadeFile executes one cascade for the CLI `run` command.
func (a *App) RunCascadeFile(ctx context.Context, path string, inputs map[string]any, sessionID string) (*cascade.Echo, error) {
	def, err := a.loadDefinition(path)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return a.Scheduler.RunCascade(ctx, def, inputs, sessionID, nil)
}

// discoverCascades scans the cascade directory, registering each
// sql_function cascade as a skill, as a rewriter operator, and for later
// per-session UDF registration.
func (a *App) discoverCascades() error {
	root := filepath.Join(a.Config.RootDir, a.Config.CascadeDir)
	if _, err := os.Stat(root); err != nil {
		return nil // no cascade directory is a valid (bare) install
	}
	if err := a.Registry.DiscoverCascades(root, a.loadDefinition, a.dispatchCascade); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		def, _, lerr := config.Load(path)
		if lerr != nil || def.SQLFunction == nil {
			return nil
		}
		if rerr := a.Rewriter.RegisterCascadeFunction(def.SQLFunction); rerr != nil {
			a.Logger.Warn(context.Background(), "app: operator registration failed", "path", path, "error", rerr)
			return nil
		}
		a.sqlFns = append(a.sqlFns, sqlFn{spec: def.SQLFunction, path: path})
		return nil
	})
}

// WatchCascadeDir hot-reloads cascade discovery while a server runs, so
// dropping a new sql_function YAML into the cascade directory makes the
// operator available without a restart.
func (a *App) WatchCascadeDir(ctx context.Context) {
	root := filepath.Join(a.Config.RootDir, a.Config.CascadeDir)
	if _, err := os.Stat(root); err != nil {
		return
	}
	if err := a.Registry.WatchCascades(ctx, root, a.loadDefinition, a.dispatchCascade, a.Logger); err != nil {
		a.Logger.Warn(ctx, "app: cascade watcher stopped", "error", err)
	}
}

// resolveModel maps a cell's model id (or class fallback) to a provider
// client. The id's prefix picks the provider; an empty id uses the
// configured default.
func (a *App) resolveModel(modelID string, class model.ModelClass) (model.Client, error) {
	id := modelID
	if id == "" {
		id = a.Config.DefaultModel
	}
	switch {
	case strings.HasPrefix(id, "gpt") || strings.HasPrefix(id, "o1") ||
		(a.Config.Provider == "openai" && !strings.HasPrefix(id, "claude")):
		return openai.NewFromAPIKey(a.apiKey("OPENAI_API_KEY"), id)
	case strings.HasPrefix(id, "us.") || strings.HasPrefix(id, "anthropic.") || a.Config.Provider == "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, cerrs.New(cerrs.KindConfig, "app.resolveModel", err)
		}
		return bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: id,
		})
	default:
		return anthropic.NewFromAPIKey(a.apiKey("ANTHROPIC_API_KEY"), id)
	}
}

func (a *App) apiKey(envFallback string) string {
	if a.Config.APIKey != "" {
		return a.Config.APIKey
	}
	return os.Getenv(envFallback)
}

// sqlCellExecutor runs a sql-kind cell's body through the rewriter and
// materializes it into a temp table other cells can reference.
func (a *App) sqlCellExecutor() scheduler.CellExecutor {
	return func(ctx context.Context, cell *cascade.Cell, echo *cascade.Echo) (any, string, error) {
		res, err := a.Rewriter.Rewrite(cell.Body)
		if err != nil {
			return nil, "", err
		}
		table, err := a.Engine.MaterializeTempTable(ctx, cell.Name, res.SQL)
		if err != nil {
			return nil, "", err
		}
		exec := &query.Executor{DB: a.Engine, Rewriter: a.Rewriter, Logger: a.Logger}
		out, err := exec.Execute(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, table))
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"columns": out.Columns, "rows": out.Rows}, table, nil
	}
}

// NewBridge builds a UDF bridge over the given engine, registering the
// builtin semantic operators plus every discovered sql_function.
func (a *App) NewBridge(engine *olap.Engine) (*udfbridge.Bridge, error) {
	bridge := udfbridge.New(udfbridge.Options{
		Engine:     engine,
		Cache:      a.Cache,
		Dispatch:   udfbridge.DispatcherFunc(a.dispatchCascade),
		Search:     a.Search,
		Indexer:    a.Indexer,
		Sem:        a.llmSem,
		CascadeDir: filepath.Join(a.Config.RootDir, a.Config.SemanticDir),
		Logger:     a.Logger,
	})
	if err := bridge.RegisterAll(); err != nil {
		return nil, err
	}
	for _, fn := range a.sqlFns {
		if err := bridge.RegisterCascadeUDF(fn.spec, fn.path); err != nil {
			return nil, err
		}
	}
	return bridge, nil
}

// NewPGSession builds one wire session's backend: a dedicated OLAP
// connection with its own UDF registrations and pg_catalog views.
func (a *App) NewPGSession(ctx context.Context) (*pgwire.SessionBackend, error) {
	engine, err := olap.New(olap.Options{Path: a.Config.OLAPPath})
	if err != nil {
		return nil, err
	}
	bridge, err := a.NewBridge(engine)
	if err != nil {
		engine.Close()
		return nil, err
	}
	pgwire.InstallCatalog(ctx, engine, a.Logger)
	return &pgwire.SessionBackend{
		Executor: &query.Executor{
			DB:       engine,
			Rewriter: a.Rewriter,
			Bridge:   bridge,
			Log:      a.Log,
			Logger:   a.Logger,
		},
		Bridge: bridge,
		Close:  engine.Close,
	}, nil
}

// LocalExecutor builds a statement executor over the shared engine for the
// CLI `sql query` path.
func (a *App) LocalExecutor() (*query.Executor, error) {
	bridge, err := a.NewBridge(a.Engine)
	if err != nil {
		return nil, err
	}
	return &query.Executor{
		DB:       a.Engine,
		Rewriter: a.Rewriter,
		Bridge:   bridge,
		Log:      a.Log,
		Logger:   a.Logger,
	}, nil
}

// QueryLogs runs a predicate over the columnar event sink by pointing the
// OLAP engine's parquet reader at the log directory.
func (a *App) QueryLogs(ctx context.Context, predicate string) (*query.ResultSet, error) {
	glob := a.Log.ColumnarGlob()
	sql := fmt.Sprintf("SELECT * FROM read_parquet('%s')", glob)
	if strings.TrimSpace(predicate) != "" {
		sql += " WHERE " + predicate
	}
	exec := &query.Executor{DB: a.Engine, Rewriter: a.Rewriter, Logger: a.Logger}
	return exec.Execute(ctx, sql)
}

// registerBuiltinTools installs the small deterministic tool set every
// install carries: echo, uppercase, and the map_cascade spawner.
func registerBuiltinTools(reg *registry.Registry, dispatch func(context.Context, string, map[string]any) (any, error)) {
	reg.Register(&registry.Skill{
		Name:   "echo",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}, false)
	reg.Register(&registry.Skill{
		Name:   "uppercase",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return map[string]any{"text": strings.ToUpper(text)}, nil
		},
	}, false)
	reg.Register(&registry.Skill{
		Name:   "map_cascade",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("map_cascade: missing path")
			}
			items, _ := args["items"].([]any)
			results := make([]any, len(items))
			for i, item := range items {
				inputs, _ := item.(map[string]any)
				out, err := dispatch(ctx, path, inputs)
				if err != nil {
					return nil, err
				}
				results[i] = out
			}
			return results, nil
		},
	}, false)
}
