package udfbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/ryrobes/larsql-sub001/internal/cache"
	"github.com/ryrobes/larsql-sub001/internal/callerctx"
)

// countingDispatcher records every cascade dispatch and answers with a
// canned function of the inputs.
type countingDispatcher struct {
	calls   atomic.Int64
	answer  func(path string, inputs map[string]any) any
	callers sync.Map // caller id -> true
	delay   time.Duration
}

func (d *countingDispatcher) Dispatch(ctx context.Context, path string, inputs map[string]any) (any, error) {
	d.calls.Add(1)
	if id := callerctx.ID(ctx); id != "" {
		d.callers.Store(id, true)
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.answer != nil {
		return d.answer(path, inputs), nil
	}
	return "ok", nil
}

func newTestBridge(t *testing.T, d Dispatcher) *Bridge {
	t.Helper()
	c, err := cache.New(128, nil)
	require.NoError(t, err)
	return New(Options{
		Cache:    c,
		Dispatch: d,
		Sem:      semaphore.NewWeighted(4),
	})
}

func extractSpec(t *testing.T) udfSpec {
	t.Helper()
	for _, s := range builtinUDFs {
		if s.name == "semantic_extract" {
			return s
		}
	}
	t.Fatal("semantic_extract not registered")
	return udfSpec{}
}

func TestRowDispatchUsesCache(t *testing.T) {
	d := &countingDispatcher{answer: func(_ string, in map[string]any) any {
		text, _ := in["text"].(string)
		if text == "John Roe" {
			return "John"
		}
		return "Jane"
	}}
	b := newTestBridge(t, d)
	spec := extractSpec(t)

	rows := []string{"Jane Doe", "Jane Doe", "John Roe"}
	var got []string
	for _, name := range rows {
		v, err := b.callCascadeUDF(spec, []string{name, "first_name"})
		require.NoError(t, err)
		got = append(got, v.(string))
	}

	assert.Equal(t, []string{"Jane", "Jane", "John"}, got)
	assert.EqualValues(t, 2, d.calls.Load(), "identical rows must share one dispatch")

	stats := b.opts.Cache.StatsSnapshot()
	assert.EqualValues(t, 2, stats.Misses)
	assert.EqualValues(t, 1, stats.Hits)
}

func TestConcurrentIdenticalCallsCoalesce(t *testing.T) {
	d := &countingDispatcher{delay: 20 * time.Millisecond, answer: func(string, map[string]any) any { return "true" }}
	b := newTestBridge(t, d)
	spec := extractSpec(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.callCascadeUDF(spec, []string{"same text", "same question"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, d.calls.Load(), "cold-cache duplicates must coalesce into one build")
}

func TestCallerPropagation(t *testing.T) {
	d := &countingDispatcher{}
	b := newTestBridge(t, d)
	b.SetCaller("sql-abc123", callerctx.Metadata{"origin": "pgwire"})

	_, err := b.callCascadeUDF(extractSpec(t), []string{"text", "what"})
	require.NoError(t, err)

	_, seen := d.callers.Load("sql-abc123")
	assert.True(t, seen, "dispatch must carry the statement's caller id")
}

func TestDispatchBatchGroupsAndPreservesOrder(t *testing.T) {
	d := &countingDispatcher{answer: func(_ string, in map[string]any) any {
		return "out:" + in["v"].(string)
	}}
	b := newTestBridge(t, d)

	rows := []map[string]any{
		{"v": "a"}, {"v": "b"}, {"v": "a"}, {"v": "c"}, {"v": "b"},
	}
	results := b.DispatchBatch(context.Background(), "flows/f.yaml", rows)

	require.Len(t, results, len(rows))
	want := []string{"out:a", "out:b", "out:a", "out:c", "out:b"}
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Index)
		assert.Equal(t, want[i], r.Value)
	}
	assert.EqualValues(t, 3, d.calls.Load(), "three unique rows, three dispatches")
}

func TestResultConversions(t *testing.T) {
	v, err := toBool("Yes")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = toBool(map[string]any{"pass": false})
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = toScore("0.82")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, v.(float64), 1e-9)

	_, err = toScore("not a number")
	require.Error(t, err)

	v, err = toText(map[string]any{"k": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, v.(string))
}

func TestRunCascadeUDFParsesInputs(t *testing.T) {
	d := &countingDispatcher{answer: func(path string, in map[string]any) any {
		return map[string]any{"path": path, "limit": in["limit"]}
	}}
	b := newTestBridge(t, d)

	out, err := b.runCascadeUDF([]string{"flows/enrich.yaml", `{"limit": 3}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"flows/enrich.yaml","limit":3}`, out.(string))

	_, err = b.runCascadeUDF([]string{"flows/enrich.yaml", `{broken`})
	require.Error(t, err)
}
