// Package query executes one SQL statement end to end: rewrite semantic
// operators to UDF calls, honor statement directives and parallel hints,
// run against the OLAP engine, and return a fully materialized result set.
// Both the CLI's local query path and every PG wire session route through
// an Executor, so the two front ends cannot drift apart in behavior.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
	"github.com/ryrobes/larsql-sub001/internal/udfbridge"
)

// Backend is the narrow query surface the executor needs; *olap.Engine
// satisfies it.
type Backend interface {
	Query(ctx context.Context, query string, args ...any) (olap.Rows, error)
}

// ResultSet is one statement's materialized outcome.
type ResultSet struct {
	Columns  []string
	Rows     [][]any
	Tag      string
	Warnings []string
}

// Executor runs rewritten statements for one session.
type Executor struct {
	DB       Backend
	Rewriter *sqlrewrite.Rewriter
	// Bridge, when set, has its embedding buffers flushed after each
	// statement so partial batches are durable.
	Bridge *udfbridge.Bridge
	Log    *eventlog.Log
	Logger telemetry.Logger

	bgMu   sync.Mutex
	bgJobs map[string]string // handle -> running | done | failed: <err>
}

// Execute runs one statement and materializes its result.
func (e *Executor) Execute(ctx context.Context, sql string) (*ResultSet, error) {
	res, err := e.Rewriter.Rewrite(sql)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		e.warn(ctx, w)
	}

	if res.Directive != nil {
		switch res.Directive.Kind {
		case sqlrewrite.DirectiveBackground:
			return e.launchBackground(res), nil
		case sqlrewrite.DirectiveAnalyze:
			return e.analyze(ctx, res)
		}
	}

	var out *ResultSet
	if len(res.ParallelBranches) > 0 {
		out, err = e.runBranches(ctx, res.ParallelBranches)
	} else {
		out, err = e.runOne(ctx, res.SQL)
	}
	if err != nil {
		return nil, err
	}
	out.Warnings = append(out.Warnings, res.Warnings...)

	if e.Bridge != nil {
		if ferr := e.Bridge.FlushEmbeddings(); ferr != nil {
			return nil, ferr
		}
	}
	return out, nil
}

// launchBackground enqueues the statement for out-of-band execution and
// returns its handle immediately.
func (e *Executor) launchBackground(res *sqlrewrite.Result) *ResultSet {
	handle := "bg-" + uuid.NewString()[:8]
	e.bgMu.Lock()
	if e.bgJobs == nil {
		e.bgJobs = map[string]string{}
	}
	e.bgJobs[handle] = "running"
	e.bgMu.Unlock()

	stmt := res.Directive.Statement
	branches := res.ParallelBranches
	go func() {
		ctx := context.Background()
		var err error
		if len(branches) > 0 {
			_, err = e.runBranches(ctx, branches)
		} else {
			_, err = e.runOne(ctx, stmt)
		}
		status := "done"
		if err != nil {
			status = "failed: " + err.Error()
		}
		e.bgMu.Lock()
		e.bgJobs[handle] = status
		e.bgMu.Unlock()
		if err != nil {
			e.warn(ctx, fmt.Sprintf("background statement %s failed: %v", handle, err))
		}
	}()

	return &ResultSet{
		Columns: []string{"handle", "status"},
		Rows:    [][]any{{handle, "running"}},
		Tag:     "BACKGROUND",
	}
}

// BackgroundStatus reports a background handle's state.
func (e *Executor) BackgroundStatus(handle string) (string, bool) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	s, ok := e.bgJobs[handle]
	return s, ok
}

// analyze runs the engine's plan explainer over the rewritten statement and
// annotates whether a parallel hint would be honored.
func (e *Executor) analyze(ctx context.Context, res *sqlrewrite.Result) (*ResultSet, error) {
	out, err := e.runOne(ctx, "EXPLAIN "+res.Directive.Statement)
	if err != nil {
		return nil, err
	}
	split := "no parallel hint"
	if n, ok := res.Hints["parallel"]; ok {
		if len(res.ParallelBranches) > 0 {
			split = fmt.Sprintf("would split into %d UNION ALL branches", len(res.ParallelBranches))
		} else {
			split = fmt.Sprintf("parallel hint %s not honored", n)
		}
	}
	out.Warnings = append(out.Warnings, split)
	out.Tag = "ANALYZE"
	return out, nil
}

// runBranches executes UNION-ALL branch statements concurrently and
// concatenates their rows.
func (e *Executor) runBranches(ctx context.Context, branches []string) (*ResultSet, error) {
	results := make([]*ResultSet, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			r, err := e.runOne(gctx, b)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := &ResultSet{Columns: results[0].Columns}
	for _, r := range results {
		out.Rows = append(out.Rows, r.Rows...)
	}
	out.Tag = fmt.Sprintf("SELECT %d", len(out.Rows))
	return out, nil
}

// runOne executes one statement and buffers every row.
func (e *Executor) runOne(ctx context.Context, sql string) (*ResultSet, error) {
	rows, err := e.DB.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "query.runOne", err)
	}
	out := &ResultSet{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, cerrs.New(cerrs.KindToolExecution, "query.runOne", err)
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "query.runOne", err)
	}
	out.Tag = commandTag(sql, len(out.Rows))
	return out, nil
}

// commandTag derives the wire-protocol completion tag from the statement's
// leading keyword.
func commandTag(sql string, rowCount int) string {
	fields := strings.Fields(strings.TrimSpace(sql))
	if len(fields) == 0 {
		return "SELECT 0"
	}
	kw := strings.ToUpper(fields[0])
	switch kw {
	case "SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE":
		return fmt.Sprintf("SELECT %d", rowCount)
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rowCount)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", kw, rowCount)
	case "BEGIN", "COMMIT", "ROLLBACK", "SET", "CREATE", "DROP", "ATTACH":
		return kw
	default:
		return kw
	}
}

func (e *Executor) warn(ctx context.Context, msg string) {
	if e.Logger != nil {
		e.Logger.Warn(ctx, "query: "+msg)
	}
	if e.Log != nil {
		e.Log.Log(eventlog.New(eventlog.NodeError).
			Role("system").
			Content(map[string]string{"warning": msg}).
			Meta(map[string]any{"component": "query"}).
			Build())
	}
}
