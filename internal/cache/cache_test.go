package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New(16, nil)
	require.NoError(t, err)

	c.Set("k", "v")
	got, ok := c.Get("k", time.Hour)
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestTTLExpiryEvicts(t *testing.T) {
	c, err := New(16, nil)
	require.NoError(t, err)

	c.Set("k", "v")
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k", time.Millisecond)
	assert.False(t, ok, "expired entry is a miss")

	stats := c.StatsSnapshot()
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.Equal(t, 0, stats.Size)
}

func TestLRUEviction(t *testing.T) {
	c, err := New(2, nil)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a", 0) // touch a so b is the oldest
	c.Set("c", 3)

	_, okA := c.Get("a", 0)
	_, okB := c.Get("b", 0)
	_, okC := c.Get("c", 0)
	assert.True(t, okA)
	assert.False(t, okB, "least recently used entry dropped")
	assert.True(t, okC)
}

func TestKeyStrategies(t *testing.T) {
	args := map[string]any{"query": "q1", "other": "x"}

	k1, err := Key("tool", args, Policy{Strategy: KeyQuery, NamedArg: "query"})
	require.NoError(t, err)
	k2, err := Key("tool", map[string]any{"query": "q1", "other": "different"}, Policy{Strategy: KeyQuery, NamedArg: "query"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "query strategy keys on the named arg only")

	h1, err := Key("tool", map[string]any{"a": 1, "b": 2}, Policy{Strategy: KeyArgsHash})
	require.NoError(t, err)
	h2, err := Key("tool", map[string]any{"b": 2, "a": 1}, Policy{Strategy: KeyArgsHash})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "args_hash is stable under map ordering")

	h3, err := Key("othertool", map[string]any{"a": 1, "b": 2}, Policy{Strategy: KeyArgsHash})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "tool name participates in the fingerprint")

	_, err = Key("tool", args, Policy{Strategy: KeyCustom})
	require.Error(t, err, "custom strategy requires a key function")
}

func TestGetOrBuildCoalesces(t *testing.T) {
	c, err := New(16, nil)
	require.NoError(t, err)

	var builds atomic.Int64
	build := func(ctx context.Context) (any, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "built", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrBuild(context.Background(), "cold", time.Hour, build)
			assert.NoError(t, err)
			assert.Equal(t, "built", v)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, builds.Load(), "exactly one underlying build for a cold key")
}

func TestInvalidateByEvent(t *testing.T) {
	c, err := New(16, nil)
	require.NoError(t, err)
	c.RegisterPolicy("indexer", Policy{Strategy: KeyArgsHash, InvalidateOn: []string{"reindex"}})

	c.Set("k", "v")
	c.Invalidate("unrelated_event")
	_, ok := c.Get("k", 0)
	assert.True(t, ok)

	c.Invalidate("reindex")
	_, ok = c.Get("k", 0)
	assert.False(t, ok)
}
