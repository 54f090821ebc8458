// Package udfbridge registers the OLAP-visible UDFs whose bodies re-enter
// the cascade scheduler: the scalar semantic operators, the generic
// rvbbit_run/rvbbit_udf dispatchers, the group-reduction functions the
// rewriter produces, and the search/embedding functions. One Bridge is
// built per OLAP connection, so the caller identity it carries is always
// the connection's current statement; the cache, the dispatcher, and the
// global concurrency bound are shared across bridges.
package udfbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/semaphore"

	"github.com/ryrobes/larsql-sub001/internal/cache"
	"github.com/ryrobes/larsql-sub001/internal/callerctx"
	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/registry"
	"github.com/ryrobes/larsql-sub001/internal/search"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// Dispatcher runs one cascade to completion and returns its final output.
// The scheduler provides the production implementation; tests substitute
// fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, cascadePath string, inputs map[string]any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, cascadePath string, inputs map[string]any) (any, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, cascadePath string, inputs map[string]any) (any, error) {
	return f(ctx, cascadePath, inputs)
}

// Options configures a Bridge.
type Options struct {
	Engine   *olap.Engine
	Cache    *cache.Cache
	Dispatch Dispatcher
	Embedder registry.Embedder
	Search   search.Backend
	Indexer  search.Indexer
	// Sem bounds concurrent cascade dispatches process-wide; a single SQL
	// statement over 10k rows produces 10k dispatches but at most this
	// many run at once. Shared across every Bridge.
	Sem *semaphore.Weighted
	// CascadeDir holds the predefined mini-cascades backing the semantic
	// operators (semantic_matches.yaml, summarize.yaml, ...).
	CascadeDir string
	CacheTTL   time.Duration
	Logger     telemetry.Logger
}

// Bridge owns one OLAP connection's UDF registrations and the caller
// identity its dispatches propagate.
type Bridge struct {
	opts Options

	mu   sync.RWMutex
	base context.Context

	embedMu  sync.Mutex
	pending  map[string][]search.Document // collection -> buffered docs
	batchCap int
}

// New constructs a Bridge. Call RegisterAll before running statements.
func New(opts Options) *Bridge {
	if opts.Sem == nil {
		opts.Sem = semaphore.NewWeighted(8)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Bridge{
		opts:     opts,
		base:     context.Background(),
		pending:  map[string][]search.Document{},
		batchCap: 64,
	}
}

// SetCaller stamps the caller identity that every sub-cascade spawned by a
// subsequent UDF call inherits. The PG session calls this before each
// statement; statements within one session run serially, so the stamp is
// stable for the statement's whole row set.
func (b *Bridge) SetCaller(id string, md callerctx.Metadata) {
	b.mu.Lock()
	b.base = callerctx.Set(context.Background(), id, md)
	b.mu.Unlock()
}

func (b *Bridge) baseCtx() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base
}

// udfSpec describes one scalar UDF to register: its predefined cascade,
// input names in argument order, and how the cascade's output converts to
// the SQL value.
type udfSpec struct {
	name    string
	arity   int
	returns duckdb.Type
	inputs  []string
	convert func(any) (any, error)
}

var builtinUDFs = []udfSpec{
	{"semantic_matches", 2, duckdb.TYPE_BOOLEAN, []string{"text", "criterion"}, toBool},
	{"semantic_about", 2, duckdb.TYPE_DOUBLE, []string{"text", "topic"}, toScore},
	{"semantic_extract", 2, duckdb.TYPE_VARCHAR, []string{"text", "what"}, toText},
	{"semantic_fuzzy", 2, duckdb.TYPE_BOOLEAN, []string{"left", "right"}, toBool},
	{"semantic_implies", 2, duckdb.TYPE_BOOLEAN, []string{"premise", "conclusion"}, toBool},
	{"rvbbit_udf", 2, duckdb.TYPE_VARCHAR, []string{"instruction", "input"}, toText},
	{"summarize", 1, duckdb.TYPE_VARCHAR, []string{"text"}, toText},
	{"consensus", 1, duckdb.TYPE_VARCHAR, []string{"text"}, toText},
	{"sentiment", 1, duckdb.TYPE_VARCHAR, []string{"text"}, toText},
	{"dedupe", 1, duckdb.TYPE_VARCHAR, []string{"text"}, toText},
	{"themes", 2, duckdb.TYPE_VARCHAR, []string{"text", "n"}, toText},
	{"outliers", 3, duckdb.TYPE_VARCHAR, []string{"text", "n", "criterion"}, toText},
	{"cluster", 3, duckdb.TYPE_VARCHAR, []string{"text", "n", "hint"}, toText},
}

// RegisterAll registers every builtin UDF plus the search and embedding
// functions on the bridge's OLAP connection.
func (b *Bridge) RegisterAll() error {
	for _, spec := range builtinUDFs {
		spec := spec
		u := olap.ScalarUDF{
			Name:    spec.name,
			Arity:   spec.arity,
			Returns: spec.returns,
			Fn: func(args []string) (any, error) {
				return b.callCascadeUDF(spec, args)
			},
		}
		if err := b.opts.Engine.RegisterScalarUDF(u); err != nil {
			return err
		}
	}
	if err := b.opts.Engine.RegisterScalarUDF(olap.ScalarUDF{
		Name: "rvbbit_run", Arity: 2, Returns: duckdb.TYPE_VARCHAR, Fn: b.runCascadeUDF,
	}); err != nil {
		return err
	}
	if err := b.opts.Engine.RegisterScalarUDF(olap.ScalarUDF{
		Name: "rvbbit_embed", Arity: 5, Returns: duckdb.TYPE_VARCHAR, Fn: b.embedUDF,
	}); err != nil {
		return err
	}
	return b.registerSearchUDFs()
}

// RegisterCascadeUDF registers one cascade-declared sql_function as a
// scalar UDF dispatching the cascade per row. Discovery calls this for
// every YAML file carrying a sql_function block.
func (b *Bridge) RegisterCascadeUDF(spec *cascade.SQLFunctionSpec, cascadePath string) error {
	if spec == nil || spec.Name == "" {
		return cerrs.New(cerrs.KindConfig, "udfbridge.RegisterCascadeUDF",
			fmt.Errorf("sql_function block has no name"))
	}
	inputs := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		inputs[i] = a.Name
	}
	returns := duckdb.TYPE_VARCHAR
	convert := toText
	switch strings.ToLower(spec.Returns) {
	case "boolean", "bool":
		returns = duckdb.TYPE_BOOLEAN
		convert = toBool
	case "double", "float", "real":
		returns = duckdb.TYPE_DOUBLE
		convert = toScore
	}
	cached := spec.Cache
	return b.opts.Engine.RegisterScalarUDF(olap.ScalarUDF{
		Name:    spec.Name,
		Arity:   len(inputs),
		Returns: returns,
		Fn: func(args []string) (any, error) {
			in := zipInputs(inputs, args)
			raw, err := b.dispatch(spec.Name, cascadePath, in, cached)
			if err != nil {
				return nil, err
			}
			return convert(raw)
		},
	})
}

// callCascadeUDF dispatches the predefined mini-cascade behind one builtin
// operator.
func (b *Bridge) callCascadeUDF(spec udfSpec, args []string) (any, error) {
	in := zipInputs(spec.inputs, args)
	raw, err := b.dispatch(spec.name, b.cascadePath(spec.name), in, true)
	if err != nil {
		return nil, err
	}
	return spec.convert(raw)
}

// runCascadeUDF is rvbbit_run(path, inputs_json): dispatch an arbitrary
// cascade and return its final output as JSON.
func (b *Bridge) runCascadeUDF(args []string) (any, error) {
	path := args[0]
	inputs := map[string]any{}
	if raw := strings.TrimSpace(args[1]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.rvbbit_run",
				fmt.Errorf("inputs are not valid JSON: %w", err))
		}
	}
	keyArgs := map[string]any{"path": path, "inputs": args[1]}
	raw, err := b.dispatchKeyed(b.baseCtx(), "rvbbit_run", path, keyArgs, inputs, true)
	if err != nil {
		return nil, err
	}
	return toJSONText(raw)
}

// dispatch routes one UDF invocation through the cache (content-addressed,
// in-flight coalescing) and the global concurrency bound into the
// scheduler. Identical rows in one statement cost one cascade run.
func (b *Bridge) dispatch(tool, path string, inputs map[string]any, cached bool) (any, error) {
	return b.dispatchKeyed(b.baseCtx(), tool, path, inputs, inputs, cached)
}

// dispatchKeyed separates the cache fingerprint from the cascade inputs for
// callers whose key must cover more than the inputs (rvbbit_run keys on the
// cascade path too).
func (b *Bridge) dispatchKeyed(ctx context.Context, tool, path string, keyArgs, inputs map[string]any, cached bool) (any, error) {
	build := func(ctx context.Context) (any, error) {
		if err := b.opts.Sem.Acquire(ctx, 1); err != nil {
			return nil, cerrs.New(cerrs.KindCancelled, "udfbridge.dispatch", err)
		}
		defer b.opts.Sem.Release(1)
		return b.opts.Dispatch.Dispatch(ctx, path, inputs)
	}
	if !cached || b.opts.Cache == nil {
		return build(ctx)
	}
	key, err := cache.Key(tool, keyArgs, cache.Policy{Strategy: cache.KeyArgsHash})
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "udfbridge.dispatch", err)
	}
	return b.opts.Cache.GetOrBuild(ctx, key, b.opts.CacheTTL, build)
}

func (b *Bridge) cascadePath(op string) string {
	if b.opts.CascadeDir == "" {
		return op + ".yaml"
	}
	return b.opts.CascadeDir + "/" + op + ".yaml"
}

func zipInputs(names, args []string) map[string]any {
	in := make(map[string]any, len(names))
	for i, n := range names {
		if i < len(args) {
			in[n] = args[i]
		}
	}
	return in
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1", nil
	case map[string]any:
		if p, ok := t["pass"].(bool); ok {
			return p, nil
		}
		if r, ok := t["result"]; ok {
			return toBool(r)
		}
	}
	return false, fmt.Errorf("udfbridge: cannot read %T as boolean", v)
}

func toScore(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("udfbridge: cannot read %q as score", t)
		}
		return f, nil
	case map[string]any:
		if s, ok := t["score"]; ok {
			return toScore(s)
		}
	}
	return nil, fmt.Errorf("udfbridge: cannot read %T as score", v)
}

func toText(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return toJSONText(v)
}

func toJSONText(v any) (any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("udfbridge: encode result: %w", err)
	}
	return string(buf), nil
}
