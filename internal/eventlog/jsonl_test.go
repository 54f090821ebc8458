package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJSONLSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	e := New(NodeCellComplete).Session("sess-1").Cascade("demo").Cell("a").Build()
	require.NoError(t, sink.Append(e))
	require.NoError(t, sink.Flush())

	got, err := sink.QuerySession("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, e.TraceID, got[0].TraceID)
	require.Equal(t, NodeCellComplete, got[0].NodeKind)
}

func TestJSONLSinkUnknownSession(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	got, err := sink.QuerySession("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBuilderTraceIDUnique(t *testing.T) {
	a := New(NodeCellStart).Build()
	time.Sleep(time.Millisecond)
	b := New(NodeCellStart).Build()
	require.NotEqual(t, a.TraceID, b.TraceID)
}
