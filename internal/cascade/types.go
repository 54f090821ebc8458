// Package cascade defines the engine's core data model: cascade
// definitions loaded from YAML, the cells within them, and Echo, the
// in-memory execution record for one cascade run. These types are shared
// by the config loader, scheduler, context manager, and event log; none
// of them owns all the others, so they live in their own package.
package cascade

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// CellKind is the closed enum of cell kinds.
type CellKind string

const (
	CellAgent CellKind = "agent"
	CellTool  CellKind = "tool"
	CellSQL   CellKind = "sql"
	CellPy    CellKind = "python"
	CellJS    CellKind = "js"
	CellMap   CellKind = "map"
	CellRun   CellKind = "run"
)

// CandidateMode selects how a fanned-out cell's children are resolved into
// one cell output.
type CandidateMode string

const (
	ModeSelect    CandidateMode = "select"
	ModeAggregate CandidateMode = "aggregate"
)

// Retention is the context-manager replay policy for a cell.
type Retention string

const (
	RetentionFull   Retention = "full"
	RetentionOutput Retention = "output_only"
	RetentionNone   Retention = "none"
	RetentionAuto   Retention = "auto"
)

// SelectionStrategy is the `auto` retention sub-strategy.
type SelectionStrategy string

const (
	SelectionHeuristic SelectionStrategy = "heuristic"
	SelectionSemantic  SelectionStrategy = "semantic"
	SelectionHybrid    SelectionStrategy = "hybrid"
)

// OnError is the closed enum of cell failure policies.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorRetry    OnError = "retry"
	OnErrorAutoFix  OnError = "auto_fix"
	OnErrorContinue OnError = "continue"
)

// ExtractionFormat is the parse mode for an OutputExtraction rule.
type ExtractionFormat string

const (
	ExtractText ExtractionFormat = "text"
	ExtractJSON ExtractionFormat = "json"
	ExtractCode ExtractionFormat = "code"
)

// CandidateSpec configures fan-out for a cell.
type CandidateSpec struct {
	// Factor is a literal count or a `{{ }}` template resolved against
	// cell state at runtime (e.g. a list length); must resolve to > 0.
	Factor string
	Mode   CandidateMode
	// Mutations names prompt-perturbation kinds applied round-robin to
	// candidate indices 1..N-1 (index 0 is the identity mutation).
	Mutations []string
	// Models round-robins candidates across these model identifiers.
	Models []string
	// Selector names a registry skill invoked with the candidates' results
	// to choose the winner (its "winner_index") in select mode.
	Selector string
	// Reforge is the number of further refinement rounds seeded by the winner.
	Reforge int
}

// ContextSpec configures retention/TTL for a cell's message assembly.
type ContextSpec struct {
	Retention Retention
	// TTL maps an event node_kind to the max number of intervening cells/turns
	// before it is dropped from context.
	TTL map[string]int
	Selection SelectionStrategy
	MaxTokens int
}

// OutputExtractionRule extracts a value from a cell's final assistant text.
type OutputExtractionRule struct {
	Pattern  string // regexp with exactly one capture group
	Format   ExtractionFormat
	StoreAs  string
	Required bool
}

// Rules configures per-cell execution limits and failure policy.
type Rules struct {
	MaxTurns  int
	Timeout   time.Duration
	OnError   OnError
	RetryMax  int
	ParallelTools bool
}

// Cell is one step in a cascade.
type Cell struct {
	Name         string
	Kind         CellKind
	Model        string
	Instructions string
	// Traits is either an explicit tool-name list, or ["manifest"] to
	// request runtime auto tool-selection.
	Traits       []string
	Manifest     bool
	Rules        Rules
	Candidates   *CandidateSpec
	Context      *ContextSpec
	OutputSchema map[string]any
	Extraction   []OutputExtractionRule
	Handoffs     map[string]string // condition -> next cell name; "" key is unconditional
	Validator    string            // name of a predicate cell/tool
	// Body is the cell source for sql/python/js kinds.
	Body string
	// CascadePath + Inputs are used by `run`/`map` cells to spawn sub-cascades.
	CascadePath string
	MapOver     string // template resolving to an iterable (array or SQL expr)
	MaxParallel int
}

// Definition is an immutable, loaded-from-YAML cascade.
type Definition struct {
	ID           string
	Description  string
	InputsSchema map[string]InputField
	Cells        []Cell
	TokenBudget  *TokenBudgetSpec
	ToolCaching  bool
	Training     bool
	// SQLFunction, if set, registers this cascade as a SQL operator.
	SQLFunction *SQLFunctionSpec
	// SourcePath is the file this definition was loaded from, used for
	// relative cascade-path resolution.
	SourcePath string
}

// InputField describes one declared cascade input.
type InputField struct {
	Type        string
	Description string
	Required    bool
	Default     any
}

// TokenBudgetSpec configures the token budgeter for this cascade, inherited by
// cells unless they override it.
type TokenBudgetSpec struct {
	MaxTotal        int
	ReserveOutput   int
	Strategy        string // sliding_window | prune_oldest | summarize | fail
}

// SQLFunctionSpec is derived from a cascade's `sql_function:` YAML block.
type SQLFunctionSpec struct {
	Name      string
	Args      []SQLArg
	Returns   string
	Shape     string // scalar | aggregate
	Operators []string
	Cache     bool
	Training  bool
}

// SQLArg is one ordered, typed SQL function argument.
type SQLArg struct {
	Name string
	Type string
}

var reservedNames = map[string]bool{"state": true, "outputs": true, "inputs": true}

// literalInt reports whether a factor string is a plain integer rather
// than a template resolved at runtime.
func literalInt(s string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil {
		return 0, false
	}
	if strings.ContainsAny(s, "{}") {
		return 0, false
	}
	return n, true
}

// Validate enforces the cascade-level invariants that are checkable at
// load time rather than execution time.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("cascade: missing cascade_id")
	}
	if len(d.Cells) == 0 {
		return fmt.Errorf("cascade %s: cells must be non-empty", d.ID)
	}
	seen := make(map[string]bool, len(d.Cells))
	for _, c := range d.Cells {
		if seen[c.Name] {
			return fmt.Errorf("cascade %s: duplicate cell name %q", d.ID, c.Name)
		}
		seen[c.Name] = true
		if c.Candidates != nil {
			if c.Candidates.Reforge > 0 && c.Candidates.Mode != ModeSelect {
				// Reforge on an aggregate block has no defined winner to
				// seed the next round; reject rather than guess.
				return fmt.Errorf("cascade %s: cell %q: reforge>0 requires candidates.mode=select", d.ID, c.Name)
			}
			if n, ok := literalInt(c.Candidates.Factor); ok {
				if n <= 0 {
					return fmt.Errorf("cascade %s: cell %q: candidates.factor must be positive, got %d", d.ID, c.Name, n)
				}
				if n > 1 && c.Candidates.Mode != ModeSelect && c.Candidates.Mode != ModeAggregate {
					return fmt.Errorf("cascade %s: cell %q: candidates.factor>1 requires mode select or aggregate", d.ID, c.Name)
				}
			}
		}
	}
	for name := range d.InputsSchema {
		if reservedNames[name] {
			return fmt.Errorf("cascade %s: input name %q collides with a reserved name", d.ID, name)
		}
	}
	if d.TokenBudget != nil && d.TokenBudget.MaxTotal > 0 && d.TokenBudget.MaxTotal <= d.TokenBudget.ReserveOutput {
		return fmt.Errorf("cascade %s: token_budget.max_total must exceed reserve_for_output", d.ID)
	}
	return nil
}

// Echo is the in-memory execution record for one cascade run.
// It is owned exclusively by one supervisor goroutine; no field is ever mutated concurrently. Workers only
// ever see an immutable snapshot passed by value/copy.
type Echo struct {
	SessionID          string
	CascadeID          string
	CallerID           string
	InvocationMetadata map[string]string
	Inputs             map[string]any
	State              map[string]any
	Outputs            map[string]any
	// Errors is every error any cell raised, including ones an
	// on_error=continue policy caught; UnresolvedErrors holds only the
	// ones no policy caught. The run's outcome depends solely on the
	// latter.
	Errors           []error
	UnresolvedErrors []error
	Depth            int
	ParentSessionID  string

	mu sync.RWMutex // guards Snapshot() reads from non-supervisor goroutines (e.g. query handlers)
}

// NewEcho constructs a fresh Echo for a top-level or spawned cascade run.
func NewEcho(sessionID, cascadeID, callerID string, depth int, parent string, inputs map[string]any) *Echo {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Echo{
		SessionID:          sessionID,
		CascadeID:          cascadeID,
		CallerID:           callerID,
		InvocationMetadata: map[string]string{},
		Inputs:             inputs,
		State:              map[string]any{},
		Outputs:            map[string]any{},
		Depth:              depth,
		ParentSessionID:    parent,
	}
}

// Snapshot returns a read-only copy of state+outputs safe to hand to a
// query handler or template renderer running off the supervisor goroutine.
func (e *Echo) Snapshot() (state, outputs map[string]any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state = make(map[string]any, len(e.State))
	for k, v := range e.State {
		state[k] = v
	}
	outputs = make(map[string]any, len(e.Outputs))
	for k, v := range e.Outputs {
		outputs[k] = v
	}
	return state, outputs
}

// SetState is only ever called by the supervisor goroutine.
func (e *Echo) SetState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.State[key] = value
}

// SetOutput is only ever called by the supervisor goroutine.
func (e *Echo) SetOutput(cell string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Outputs[cell] = value
}

// RecordError appends an error that a continue policy caught: it stays in
// the run's history but does not affect the outcome.
func (e *Echo) RecordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Errors = append(e.Errors, err)
}

// RecordUnresolvedError appends an error no on_error policy caught; any
// unresolved error makes the run fail.
func (e *Echo) RecordUnresolvedError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Errors = append(e.Errors, err)
	e.UnresolvedErrors = append(e.UnresolvedErrors, err)
}

// Failed reports whether the run accumulated any unresolved error. Errors
// caught by on_error=continue do not count: a cascade that handled its own
// errors completes.
func (e *Echo) Failed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.UnresolvedErrors) > 0
}
