package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/eventlog"
	"github.com/ryrobes/larsql-sub001/internal/model"
	"github.com/ryrobes/larsql-sub001/internal/registry"
)

// fakeClient answers each completion with the next canned text.
type fakeClient struct {
	mu    sync.Mutex
	n     int
	texts []string
}

func (c *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	text := c.texts[c.n%len(c.texts)]
	c.n++
	c.mu.Unlock()
	return &model.Response{
		Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}},
	}, nil
}

func (c *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.NewLog(eventlog.Options{
		ColumnarDir:   dir + "/echoes",
		JSONLDir:      dir + "/echoes_jsonl",
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func sessionEvents(t *testing.T, log *eventlog.Log, sessionID string) []eventlog.Event {
	t.Helper()
	require.NoError(t, log.Flush())
	events, err := log.QuerySession(sessionID)
	require.NoError(t, err)
	return events
}

func TestLinearCascade(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "emit",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"msg": "hi"}, nil
		},
	}, false))
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "shout",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			outputs, _ := args["outputs"].(map[string]any)
			prev, _ := outputs["a"].(map[string]any)
			msg, _ := prev["msg"].(string)
			return map[string]any{"text": strings.ToUpper(msg)}, nil
		},
	}, false))

	log := newTestLog(t)
	s := New(Options{Registry: reg, Log: log, Semaphores: DefaultSemaphores(2)})

	def := &cascade.Definition{
		ID: "add_two",
		Cells: []cascade.Cell{
			{Name: "a", Kind: cascade.CellTool, Traits: []string{"emit"}},
			{Name: "b", Kind: cascade.CellTool, Traits: []string{"shout"}},
		},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-linear", nil)
	require.NoError(t, err)
	require.False(t, echo.Failed())

	out, ok := echo.Outputs["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "HI", out["text"])

	completes := 0
	for _, ev := range sessionEvents(t, log, "sess-linear") {
		if ev.NodeKind == eventlog.NodeCascadeComplete {
			completes++
			content, _ := ev.Content.(map[string]any)
			assert.Equal(t, "completed", content["status"])
		}
	}
	assert.Equal(t, 1, completes, "exactly one cascade_complete event")
}

func TestCandidatesSelectShortest(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "shortest",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			candidates, _ := args["candidates"].([]any)
			best, bestLen := 0, -1
			for i, c := range candidates {
				s, _ := c.(string)
				if bestLen == -1 || len(s) < bestLen {
					best, bestLen = i, len(s)
				}
			}
			return map[string]any{"winner_index": float64(best)}, nil
		},
	}, false))

	client := &fakeClient{texts: []string{
		"why did the chicken cross the road? to get to the other side",
		"short joke",
		"a somewhat longer joke about a horse walking into a bar",
	}}
	log := newTestLog(t)
	s := New(Options{
		Registry:   reg,
		Log:        log,
		Semaphores: DefaultSemaphores(2),
		Models: func(modelID string, class model.ModelClass) (model.Client, error) {
			return client, nil
		},
	})

	def := &cascade.Definition{
		ID: "jokes",
		Cells: []cascade.Cell{{
			Name:         "joke",
			Kind:         cascade.CellAgent,
			Instructions: "Tell a one-line joke.",
			Candidates: &cascade.CandidateSpec{
				Factor:   "3",
				Mode:     cascade.ModeSelect,
				Selector: "shortest",
			},
		}},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-jokes", nil)
	require.NoError(t, err)
	require.False(t, echo.Failed())

	winner, _ := echo.Outputs["joke"].(string)
	for _, text := range client.texts {
		assert.LessOrEqual(t, len(winner), len(text), "winner is no longer than any candidate")
	}

	indices := map[int]bool{}
	selections := 0
	for _, ev := range sessionEvents(t, log, "sess-jokes") {
		switch ev.NodeKind {
		case eventlog.NodeCandidateComplete:
			require.NotNil(t, ev.CandidateIndex)
			indices[*ev.CandidateIndex] = true
		case eventlog.NodeSelection:
			selections++
			assert.True(t, ev.IsWinner)
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, indices, "one candidate_complete per index")
	assert.Equal(t, 1, selections, "exactly one winner")
}

func TestFactorOneSkipsFanOut(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "once",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return "done", nil
		},
	}, false))

	log := newTestLog(t)
	s := New(Options{Registry: reg, Log: log, Semaphores: DefaultSemaphores(2)})

	def := &cascade.Definition{
		ID: "single",
		Cells: []cascade.Cell{{
			Name:       "only",
			Kind:       cascade.CellTool,
			Traits:     []string{"once"},
			Candidates: &cascade.CandidateSpec{Factor: "1", Mode: cascade.ModeSelect},
		}},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-one", nil)
	require.NoError(t, err)
	require.False(t, echo.Failed())
	assert.Equal(t, 1, calls)

	for _, ev := range sessionEvents(t, log, "sess-one") {
		assert.NotEqual(t, eventlog.NodeCandidateComplete, ev.NodeKind, "factor=1 emits no fan-out events")
		assert.NotEqual(t, eventlog.NodeSelection, ev.NodeKind)
	}
}

func TestOnErrorContinue(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "boom",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, assert.AnError
		},
	}, false))
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "after",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			return "ran", nil
		},
	}, false))

	log := newTestLog(t)
	s := New(Options{Registry: reg, Log: log, Semaphores: DefaultSemaphores(2)})

	def := &cascade.Definition{
		ID: "tolerant",
		Cells: []cascade.Cell{
			{Name: "fails", Kind: cascade.CellTool, Traits: []string{"boom"},
				Rules: cascade.Rules{OnError: cascade.OnErrorContinue}},
			{Name: "next", Kind: cascade.CellTool, Traits: []string{"after"}},
		},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-cont", nil)
	require.NoError(t, err)
	assert.False(t, echo.Failed(), "an error caught by continue does not fail the run")
	require.Len(t, echo.Errors, 1, "the caught error stays in the history")
	assert.Empty(t, echo.UnresolvedErrors)
	assert.Equal(t, "ran", echo.Outputs["next"], "continue policy lets later cells run")

	for _, ev := range sessionEvents(t, log, "sess-cont") {
		if ev.NodeKind == eventlog.NodeCascadeComplete {
			content, _ := ev.Content.(map[string]any)
			assert.Equal(t, "completed", content["status"], "handled errors leave the cascade completed")
		}
	}
}

func TestUnresolvedErrorFailsCascade(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "boom",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, assert.AnError
		},
	}, false))

	log := newTestLog(t)
	s := New(Options{Registry: reg, Log: log, Semaphores: DefaultSemaphores(2)})

	def := &cascade.Definition{
		ID: "strict",
		Cells: []cascade.Cell{
			{Name: "fails", Kind: cascade.CellTool, Traits: []string{"boom"}},
		},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-strict", nil)
	require.NoError(t, err)
	assert.True(t, echo.Failed())
	require.Len(t, echo.UnresolvedErrors, 1)

	for _, ev := range sessionEvents(t, log, "sess-strict") {
		if ev.NodeKind == eventlog.NodeCascadeComplete {
			content, _ := ev.Content.(map[string]any)
			assert.Equal(t, "failed", content["status"])
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	reg := registry.New()
	attempts := 0
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "flaky",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, assert.AnError
			}
			return "eventually", nil
		},
	}, false))

	s := New(Options{Registry: reg, Semaphores: DefaultSemaphores(2)})
	def := &cascade.Definition{
		ID: "retrying",
		Cells: []cascade.Cell{{
			Name: "flaky", Kind: cascade.CellTool, Traits: []string{"flaky"},
			Rules: cascade.Rules{OnError: cascade.OnErrorRetry, RetryMax: 3},
		}},
	}
	echo, err := s.RunCascade(context.Background(), def, nil, "sess-retry", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "eventually", echo.Outputs["flaky"])
}

func TestMapCellPreservesOrder(t *testing.T) {
	reg := registry.New()
	s := New(Options{
		Registry:    reg,
		Semaphores:  DefaultSemaphores(4),
		MaxParallel: 4,
		Loader: func(path string) (*cascade.Definition, error) {
			return &cascade.Definition{
				ID:    "child",
				Cells: []cascade.Cell{{Name: "noop", Kind: cascade.CellTool, Traits: []string{"identity"}}},
			}, nil
		},
	})
	require.NoError(t, reg.Register(&registry.Skill{
		Name:   "identity",
		Origin: registry.OriginBuiltin,
		Callable: func(ctx context.Context, args map[string]any) (any, error) {
			inputs, _ := args["inputs"].(map[string]any)
			return inputs["item"], nil
		},
	}, false))

	def := &cascade.Definition{
		ID: "mapper",
		Cells: []cascade.Cell{{
			Name:        "fan",
			Kind:        cascade.CellMap,
			CascadePath: "child.yaml",
			MapOver:     "inputs.items",
			MaxParallel: 4,
		}},
	}
	items := []any{"a", "b", "c", "d", "e"}
	echo, err := s.RunCascade(context.Background(), def, map[string]any{"items": items}, "sess-map", nil)
	require.NoError(t, err)
	require.False(t, echo.Failed())

	results, ok := echo.Outputs["fan"].([]any)
	require.True(t, ok)
	require.Len(t, results, len(items), "output length equals input length")
	for i, r := range results {
		child, ok := r.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, items[i], child["noop"], "output[i] corresponds to input[i]")
	}
}
