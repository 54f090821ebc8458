// Package scheduler implements the cascade execution engine. A single
// supervisor goroutine owns one cascade run's Echo and drives cell
// sequencing, candidate fan-out/selection, iterative refinement
// ("reforge"), sub-cascade dispatch, and validator/on_error policy, while
// worker goroutines execute parallel units and report back over channels.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	ctxmgr "github.com/ryrobes/larsql-sub001/internal/context"
	"github.com/ryrobes/larsql-sub001/internal/cache"
	"github.com/ryrobes/larsql-sub001/internal/callerctx"
	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
	"github.com/ryrobes/larsql-sub001/internal/model"
	"github.com/ryrobes/larsql-sub001/internal/registry"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// CellExecutor runs one non-agent, non-subcascade cell kind (sql/python/js)
// against the embedded runtime/OLAP adapter. An executor that materializes
// its result into a temp table (named "_<cell_name>" by
// olap.Engine.MaterializeTempTable) returns that name as tempTableName; the
// scheduler records a non-empty name in Echo state under "_<cell_name>_table".
type CellExecutor func(ctx context.Context, cell *cascade.Cell, echo *cascade.Echo) (result any, tempTableName string, err error)

// ModelResolver maps a cell's model id / class to a concrete model.Client.
type ModelResolver func(modelID string, class model.ModelClass) (model.Client, error)

// Semaphores bound concurrent use of shared resources.
type Semaphores struct {
	LLM     *semaphore.Weighted
	Browser *semaphore.Weighted
	Shell   *semaphore.Weighted
	// LLMLimiter additionally rate-limits LLM calls across the whole
	// process (spec DOMAIN STACK: golang.org/x/time "rate-limited
	// semaphore for the global LLM-call bound").
	LLMLimiter *rate.Limiter
}

// DefaultSemaphores builds the stock bounds: LLM = CPU*2, small
// browser/shell pools.
func DefaultSemaphores(cpus int) Semaphores {
	if cpus <= 0 {
		cpus = 4
	}
	return Semaphores{
		LLM:     semaphore.NewWeighted(int64(cpus * 2)),
		Browser: semaphore.NewWeighted(4),
		Shell:   semaphore.NewWeighted(8),
	}
}

// Options configures a Scheduler.
type Options struct {
	Registry       *registry.Registry
	Cache          *cache.Cache
	Log            *eventlog.Log
	ContextManager *ctxmgr.Manager
	Models         ModelResolver
	SQLExec        CellExecutor
	PyExec         CellExecutor
	JSExec         CellExecutor
	Semaphores     Semaphores
	MaxDepth       int
	MaxParallel    int // default map/candidate fan-out concurrency
	Logger         telemetry.Logger
	Loader         func(path string) (*cascade.Definition, error) // for run/map sub-cascade path resolution
	// PromptModeFor reports whether a model lacks native function calling,
	// in which case the agent loop parses fenced json blocks for tool
	// calls instead. Nil means every model calls tools natively.
	PromptModeFor func(modelID string) bool
}

// Scheduler is the process-wide cascade execution engine.
type Scheduler struct {
	opts Options
}

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 25
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.ContextManager == nil {
		opts.ContextManager = &ctxmgr.Manager{}
	}
	return &Scheduler{opts: opts}
}

// RunCascade executes a cascade top-to-bottom for one session. sessionID should be a fresh id for a top-level run, or the
// sub-session id minted by the caller for a spawned cascade.
func (s *Scheduler) RunCascade(ctx context.Context, def *cascade.Definition, inputs map[string]any, sessionID string, parent *cascade.Echo) (*cascade.Echo, error) {
	if err := def.Validate(); err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "scheduler.RunCascade", err)
	}

	depth := 0
	parentSession := ""
	if parent != nil {
		depth = parent.Depth + 1
		parentSession = parent.SessionID
		if depth > s.opts.MaxDepth {
			return nil, cerrs.New(cerrs.KindConfig, "scheduler.RunCascade",
				fmt.Errorf("max recursion depth %d exceeded spawning %q", s.opts.MaxDepth, def.ID))
		}
	}
	callerID := callerctx.OrTopLevel(ctx, sessionID)
	echo := cascade.NewEcho(sessionID, def.ID, callerID, depth, parentSession, inputs)

	s.emit(eventlog.New(eventlog.NodeCascadeStart).Session(sessionID).Cascade(def.ID).Caller(callerID).Depth(depth).Build())

	history := make([]ctxmgr.TurnRecord, 0, 32)
	cells := def.Cells
	idx := 0
	for idx < len(cells) {
		cell := &cells[idx]
		rec, err := s.runCellHistoryAware(ctx, def, cell, idx, echo, &history)
		next := idx + 1
		if err != nil {
			s.emit(eventlog.New(eventlog.NodeError).Session(sessionID).Cascade(def.ID).Cell(cell.Name).Caller(callerID).Depth(depth).
				Content(map[string]string{"error": err.Error()}).Build())
			if !policyContinues(cell.Rules.OnError) {
				echo.RecordUnresolvedError(err)
				break
			}
			// continue policy: the error stays in the history but the
			// run's outcome is unaffected.
			echo.RecordError(err)
		}
		if rec != nil && cell.Handoffs != nil {
			if target, ok := resolveHandoff(cell.Handoffs, rec); ok {
				if ti := cellIndex(cells, target); ti >= 0 {
					next = ti
				}
			}
		}
		idx = next
	}

	status := "completed"
	if echo.Failed() {
		status = "failed"
	}
	s.emit(eventlog.New(eventlog.NodeCascadeComplete).Session(sessionID).Cascade(def.ID).Caller(callerID).Depth(depth).
		Content(map[string]string{"status": status}).Build())
	return echo, nil
}

func policyContinues(p cascade.OnError) bool { return p == cascade.OnErrorContinue }

func cellIndex(cells []cascade.Cell, name string) int {
	for i, c := range cells {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// resolveHandoff picks the handoff target matching the cell's outcome; the
// ""-keyed entry is the unconditional fallback.
func resolveHandoff(handoffs map[string]string, rec *cellResult) (string, bool) {
	if rec != nil && rec.handoffCondition != "" {
		if target, ok := handoffs[rec.handoffCondition]; ok {
			return target, true
		}
	}
	if target, ok := handoffs[""]; ok {
		return target, true
	}
	return "", false
}

// cellResult carries the outcome the sequencing loop needs beyond
// success/failure: which handoff condition (if any) this cell selected.
type cellResult struct {
	handoffCondition string
}

func (s *Scheduler) runCellHistoryAware(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history *[]ctxmgr.TurnRecord) (*cellResult, error) {
	if cell.Rules.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cell.Rules.Timeout)
		defer cancel()
	}

	s.emit(eventlog.New(eventlog.NodeCellStart).Session(echo.SessionID).Cascade(def.ID).Cell(cell.Name).Caller(echo.CallerID).Depth(echo.Depth).Build())

	result, err := s.executeWithPolicy(ctx, def, cell, idx, echo, history)

	kind := "cell_complete"
	if err != nil {
		kind = "error"
	}
	dur := 0 * time.Second
	s.emit(eventlog.New(eventlog.NodeKind(kind)).Session(echo.SessionID).Cascade(def.ID).Cell(cell.Name).Caller(echo.CallerID).Depth(echo.Depth).Duration(dur).Build())

	if err != nil {
		return nil, err
	}
	echo.SetOutput(cell.Name, result)
	*history = append(*history, ctxmgr.TurnRecord{
		Message:  &model.Message{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: fmt.Sprintf("%v", result)}}},
		CellName: cell.Name,
		Kind:     "cell_complete",
		CellSeq:  idx,
	})

	rec := &cellResult{}
	// A cell routes by storing "route_to" (typically via output
	// extraction); the value is consumed here so it cannot leak into a
	// later cell's handoff resolution.
	state, _ := echo.Snapshot()
	if rt, ok := state["route_to"].(string); ok && rt != "" {
		rec.handoffCondition = rt
		echo.SetState("route_to", "")
	}
	return rec, nil
}

// executeWithPolicy runs the cell body, fanning out candidates first if
// configured, then applies the validator and on_error policy.
func (s *Scheduler) executeWithPolicy(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history *[]ctxmgr.TurnRecord) (any, error) {
	attempts := 0
	maxAttempts := 1
	if cell.Rules.OnError == cascade.OnErrorRetry && cell.Rules.RetryMax > 0 {
		maxAttempts = cell.Rules.RetryMax + 1
	}

	var lastErr error
	for attempts < maxAttempts {
		attempts++
		result, err := s.runOneAttempt(ctx, def, cell, idx, echo, history)
		if err == nil {
			if cell.Validator != "" {
				if verr := s.runValidator(ctx, cell, echo, result); verr != nil {
					lastErr = verr
					if cell.Rules.OnError == cascade.OnErrorAutoFix {
						fixed, ferr := s.autoFix(ctx, def, cell, idx, echo, verr)
						if ferr == nil {
							return fixed, nil
						}
						lastErr = ferr
					}
					continue
				}
			}
			return result, nil
		}
		lastErr = err
		if cell.Rules.OnError != cascade.OnErrorRetry {
			break
		}
	}
	return nil, lastErr
}

func (s *Scheduler) runOneAttempt(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, history *[]ctxmgr.TurnRecord) (any, error) {
	if cell.Candidates != nil {
		return s.runCandidates(ctx, def, cell, idx, echo, history)
	}
	return s.runSingleCell(ctx, def, cell, idx, echo, history)
}

// runValidator invokes a predicate cell/tool returning {pass, reason} and
// converts pass=false into a ValidationFailed error.
func (s *Scheduler) runValidator(ctx context.Context, cell *cascade.Cell, echo *cascade.Echo, result any) error {
	skill, err := s.opts.Registry.Get(cell.Validator)
	if err != nil {
		return cerrs.New(cerrs.KindUnknownSkill, "scheduler.runValidator", err)
	}
	out, err := skill.Invoke(ctx, map[string]any{"result": result})
	if err != nil {
		return cerrs.New(cerrs.KindToolExecution, "scheduler.runValidator", err)
	}
	verdict, _ := out.(map[string]any)
	if pass, _ := verdict["pass"].(bool); !pass {
		reason, _ := verdict["reason"].(string)
		return cerrs.New(cerrs.KindValidationFailed, "scheduler.runValidator", fmt.Errorf("%s", reason))
	}
	return nil
}

// autoFix records the error in Echo state under "<cell_name>._repair_context"
// and re-runs the same cell once with an empty history. No separate repair
// cell is spawned, and the re-run's result is not validated again.
func (s *Scheduler) autoFix(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, idx int, echo *cascade.Echo, cause error) (any, error) {
	echo.SetState(cell.Name+"._repair_context", cause.Error())
	history := make([]ctxmgr.TurnRecord, 0)
	return s.runSingleCell(ctx, def, cell, idx, echo, &history)
}

func (s *Scheduler) emit(e eventlog.Event) {
	if s.opts.Log != nil {
		s.opts.Log.Log(e)
	}
}

// renderFactor resolves candidates.factor, which may be a literal integer
// or a `{{ }}` template referencing state/outputs.
func renderFactor(factorSrc string, echo *cascade.Echo) (int, error) {
	t, err := template.New("factor").Parse(factorSrc)
	if err != nil {
		return 0, err
	}
	state, outputs := echo.Snapshot()
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any{"state": state, "outputs": outputs, "inputs": echo.Inputs}); err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(buf.String(), "%d", &n); err != nil {
		return 0, fmt.Errorf("factor %q did not resolve to an integer: %w", factorSrc, err)
	}
	return n, nil
}
