// Package eventlog implements the unified observability log: a dual-sink
// append-only store (Arrow/Parquet-shaped columnar files plus per-session
// JSONL) fed through a single-writer queue.
package eventlog

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NodeKind is the closed enum of event kinds.
type NodeKind string

const (
	NodeCascadeStart      NodeKind = "cascade_start"
	NodeCascadeComplete   NodeKind = "cascade_complete"
	NodeCellStart         NodeKind = "cell_start"
	NodeCellComplete      NodeKind = "cell_complete"
	NodeAgentMsg          NodeKind = "agent_msg"
	NodeToolCall          NodeKind = "tool_call"
	NodeToolResult        NodeKind = "tool_result"
	NodeCandidateComplete NodeKind = "candidate_complete"
	NodeSelection         NodeKind = "selection"
	NodeError             NodeKind = "error"
)

// Event is one immutable, append-only log row.
type Event struct {
	Timestamp       time.Time
	SessionID       string
	TraceID         string // ULID, globally unique
	ParentTraceID   string
	CallerID        string
	NodeKind        NodeKind
	Role            string
	CellName        string
	CascadeID       string
	Depth           int
	CandidateIndex  *int
	IsWinner        bool
	ReforgeStep     int
	DurationMS      *int64
	TokensIn        *int
	TokensOut       *int
	Cost            *float64
	Content         any
	ToolCalls       any
	Metadata        map[string]any
	HasImages       bool
	ImagePaths      []string
}

// NewTraceID mints a globally unique, lexically sortable trace id.
func NewTraceID() string {
	return ulid.Make().String()
}

// Builder accumulates fields for one Event; used so call sites read as
// `eventlog.New(eventlog.NodeCellStart).Cell(c).Caller(id).Build()`
// rather than a 20-field struct literal at every call site.
type Builder struct {
	e Event
}

// New starts a builder for an event of the given kind, stamping Timestamp
// and a fresh TraceID.
func New(kind NodeKind) *Builder {
	return &Builder{e: Event{NodeKind: kind, Timestamp: time.Now(), TraceID: NewTraceID()}}
}

func (b *Builder) Session(id string) *Builder     { b.e.SessionID = id; return b }
func (b *Builder) Cascade(id string) *Builder      { b.e.CascadeID = id; return b }
func (b *Builder) Caller(id string) *Builder       { b.e.CallerID = id; return b }
func (b *Builder) Parent(traceID string) *Builder  { b.e.ParentTraceID = traceID; return b }
func (b *Builder) Cell(name string) *Builder       { b.e.CellName = name; return b }
func (b *Builder) Depth(d int) *Builder            { b.e.Depth = d; return b }
func (b *Builder) Role(r string) *Builder          { b.e.Role = r; return b }
func (b *Builder) Candidate(i int) *Builder        { b.e.CandidateIndex = &i; return b }
func (b *Builder) Winner(w bool) *Builder          { b.e.IsWinner = w; return b }
func (b *Builder) Reforge(step int) *Builder       { b.e.ReforgeStep = step; return b }
func (b *Builder) Duration(d time.Duration) *Builder {
	ms := d.Milliseconds()
	b.e.DurationMS = &ms
	return b
}
func (b *Builder) Tokens(in, out int) *Builder {
	b.e.TokensIn = &in
	b.e.TokensOut = &out
	return b
}
func (b *Builder) CostUSD(c float64) *Builder { b.e.Cost = &c; return b }
func (b *Builder) Content(c any) *Builder     { b.e.Content = c; return b }
func (b *Builder) ToolCalls(tc any) *Builder  { b.e.ToolCalls = tc; return b }
func (b *Builder) Meta(m map[string]any) *Builder { b.e.Metadata = m; return b }
func (b *Builder) Images(paths []string) *Builder {
	b.e.HasImages = len(paths) > 0
	b.e.ImagePaths = paths
	return b
}

// Build returns the assembled Event.
func (b *Builder) Build() Event { return b.e }
