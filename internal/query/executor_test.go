package query

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
)

type stubRows struct {
	cols []string
	rows [][]any
	pos  int
}

func (r *stubRows) Next() bool { r.pos++; return r.pos <= len(r.rows) }
func (r *stubRows) Scan(dest ...any) error {
	for i, d := range dest {
		*(d.(*any)) = r.rows[r.pos-1][i]
	}
	return nil
}
func (r *stubRows) Columns() ([]string, error) { return r.cols, nil }
func (r *stubRows) Err() error                 { return nil }
func (r *stubRows) Close() error               { return nil }

type stubDB struct {
	mu      sync.Mutex
	queries []string
	answer  func(sql string) *stubRows
}

func (db *stubDB) Query(ctx context.Context, sql string, args ...any) (olap.Rows, error) {
	db.mu.Lock()
	db.queries = append(db.queries, sql)
	db.mu.Unlock()
	if db.answer != nil {
		return db.answer(sql), nil
	}
	return &stubRows{}, nil
}

func TestExecuteRewritesBeforeQuerying(t *testing.T) {
	db := &stubDB{answer: func(sql string) *stubRows {
		return &stubRows{cols: []string{"n"}, rows: [][]any{{int64(1)}}}
	}}
	e := &Executor{DB: db, Rewriter: sqlrewrite.New()}

	rs, err := e.Execute(context.Background(), `SELECT * FROM t WHERE bio MEANS 'engineer'`)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", rs.Tag)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "semantic_matches(bio, 'engineer')")
}

func TestExecuteParallelBranchesConcatenate(t *testing.T) {
	db := &stubDB{answer: func(sql string) *stubRows {
		return &stubRows{cols: []string{"v"}, rows: [][]any{{"row"}}}
	}}
	e := &Executor{DB: db, Rewriter: sqlrewrite.New()}

	rs, err := e.Execute(context.Background(),
		"-- @ parallel: 3\nSELECT * FROM t WHERE body MEANS 'x'")
	require.NoError(t, err)
	assert.Len(t, db.queries, 3, "one query per UNION ALL branch")
	assert.Len(t, rs.Rows, 3)
}

func TestExecuteAnalyzeDirective(t *testing.T) {
	db := &stubDB{answer: func(sql string) *stubRows {
		return &stubRows{cols: []string{"explain_value"}, rows: [][]any{{"SEQ_SCAN t"}}}
	}}
	e := &Executor{DB: db, Rewriter: sqlrewrite.New()}

	rs, err := e.Execute(context.Background(), "ANALYZE SELECT * FROM t")
	require.NoError(t, err)
	assert.Equal(t, "ANALYZE", rs.Tag)
	require.Len(t, db.queries, 1)
	assert.True(t, strings.HasPrefix(db.queries[0], "EXPLAIN "))
}

func TestExecuteBackgroundReturnsHandleImmediately(t *testing.T) {
	done := make(chan struct{})
	db := &stubDB{answer: func(sql string) *stubRows {
		select {
		case <-done:
		default:
			close(done)
		}
		return &stubRows{}
	}}
	e := &Executor{DB: db, Rewriter: sqlrewrite.New()}

	rs, err := e.Execute(context.Background(), "BACKGROUND SELECT * FROM slow_table")
	require.NoError(t, err)
	assert.Equal(t, "BACKGROUND", rs.Tag)
	require.Len(t, rs.Rows, 1)
	handle, _ := rs.Rows[0][0].(string)
	assert.True(t, strings.HasPrefix(handle, "bg-"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background statement never executed")
	}
	// Poll until the job records a terminal status.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := e.BackgroundStatus(handle)
		require.True(t, ok)
		if status != "running" {
			assert.Equal(t, "done", status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandTags(t *testing.T) {
	assert.Equal(t, "SELECT 3", commandTag("select * from t", 3))
	assert.Equal(t, "INSERT 0 2", commandTag("INSERT INTO t VALUES (1)", 2))
	assert.Equal(t, "BEGIN", commandTag("BEGIN", 0))
	assert.Equal(t, "SET", commandTag("SET x = 1", 0))
}
