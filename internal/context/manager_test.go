package context

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

func newEcho() *cascade.Echo {
	return cascade.NewEcho("sess", "casc", "caller", 0, "", nil)
}

func TestExtractOutputsStoresTypedValues(t *testing.T) {
	cell := &cascade.Cell{
		Name: "analyze",
		Extraction: []cascade.OutputExtractionRule{
			{Pattern: `Answer:\s*(\w+)`, Format: cascade.ExtractText, StoreAs: "answer", Required: true},
			{Pattern: "```json\\n(.*?)\\n```", Format: cascade.ExtractJSON, StoreAs: "payload"},
			{Pattern: `Count:\s*(\d+)`, Format: cascade.ExtractText, StoreAs: "count"},
		},
	}
	echo := newEcho()
	content := "Answer: yes\nCount: 7\n```json\n{\"k\": 1}\n```\n"
	require.NoError(t, ExtractOutputs(cell, content, echo))

	state, _ := echo.Snapshot()
	assert.Equal(t, "yes", state["answer"])
	assert.Equal(t, 7, state["count"], "numeric text captures become ints")
	assert.Equal(t, map[string]any{"k": float64(1)}, state["payload"])
}

func TestExtractOutputsRequiredMiss(t *testing.T) {
	cell := &cascade.Cell{
		Name: "strict",
		Extraction: []cascade.OutputExtractionRule{
			{Pattern: `Verdict:\s*(\w+)`, StoreAs: "verdict", Required: true},
		},
	}
	err := ExtractOutputs(cell, "no verdict here", newEcho())
	require.Error(t, err)
	var ce *cerrs.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, cerrs.KindExtraction, ce.Kind)
}

func TestExtractOutputsConflictingRequiredValues(t *testing.T) {
	// Two required patterns both match but capture different values for
	// the same store_as key: fail fast rather than silently pick one.
	cell := &cascade.Cell{
		Name: "conflicted",
		Extraction: []cascade.OutputExtractionRule{
			{Pattern: `first=(\w+)`, StoreAs: "v", Required: true},
			{Pattern: `second=(\w+)`, StoreAs: "v", Required: true},
		},
	}
	err := ExtractOutputs(cell, "first=a second=b", newEcho())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting")

	// Agreeing captures are not a conflict.
	err = ExtractOutputs(cell, "first=same second=same", newEcho())
	require.NoError(t, err)
}

func TestExtractOutputsOptionalMissContinues(t *testing.T) {
	cell := &cascade.Cell{
		Name: "lenient",
		Extraction: []cascade.OutputExtractionRule{
			{Pattern: `absent=(\w+)`, StoreAs: "absent"},
			{Pattern: `present=(\w+)`, StoreAs: "present"},
		},
	}
	echo := newEcho()
	require.NoError(t, ExtractOutputs(cell, "present=here", echo))
	state, _ := echo.Snapshot()
	assert.Equal(t, "here", state["present"])
	_, hasAbsent := state["absent"]
	assert.False(t, hasAbsent)
}

func TestApplyTTLDropsAgedKinds(t *testing.T) {
	cell := &cascade.Cell{
		Name:    "now",
		Context: &cascade.ContextSpec{TTL: map[string]int{"tool_result": 2}},
	}
	history := []TurnRecord{
		{Kind: "tool_result", CellSeq: 0},
		{Kind: "cell_complete", CellSeq: 0},
		{Kind: "tool_result", CellSeq: 4},
	}
	kept := applyTTL(cell, history, 5)
	require.Len(t, kept, 2)
	assert.Equal(t, "cell_complete", kept[0].Kind, "only kinds with a ttl age out")
	assert.Equal(t, 4, kept[1].CellSeq, "recent tool_result survives")
}
