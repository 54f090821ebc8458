package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	log, err := NewLog(Options{
		ColumnarDir:   dir + "/echoes",
		JSONLDir:      dir + "/echoes_jsonl",
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestLogFlushQueryRoundTrip(t *testing.T) {
	log := newTestLog(t)

	e := New(NodeCellStart).Session("sess-rt").Cascade("demo").Cell("a").Caller("caller-1").Build()
	log.Log(e)
	require.NoError(t, log.Flush())

	got, err := log.QuerySession("sess-rt")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.TraceID, got[0].TraceID)
	assert.Equal(t, "caller-1", got[0].CallerID)
}

func TestLogNeverFailsProducers(t *testing.T) {
	log := newTestLog(t)
	// A burst beyond the queue capacity must not panic or block
	// producers; non-critical overflow is dropped.
	for i := 0; i < 10_000; i++ {
		log.Log(New(NodeAgentMsg).Session("sess-burst").Build())
	}
	require.NoError(t, log.Flush())
}

func TestSubSessionsShareCaller(t *testing.T) {
	log := newTestLog(t)
	log.Log(New(NodeCascadeStart).Session("parent").Caller("sql-1").Build())
	log.Log(New(NodeCascadeStart).Session("parent.child").Caller("sql-1").Build())
	require.NoError(t, log.Flush())

	parent, err := log.QuerySession("parent")
	require.NoError(t, err)
	child, err := log.QuerySession("parent.child")
	require.NoError(t, err)
	require.Len(t, parent, 1)
	require.Len(t, child, 1)
	assert.Equal(t, parent[0].CallerID, child[0].CallerID, "cost rollup key is shared")
}
