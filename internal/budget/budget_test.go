package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

func msg(role model.ConversationRole, text string) *model.Message {
	return &model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}}
}

// conversation builds a system message plus n alternating user/assistant
// turns of ~tokensPerMsg tokens each (heuristic: 4 chars per token).
func conversation(n, tokensPerMsg int) []*model.Message {
	msgs := []*model.Message{msg(model.RoleSystem, "You are a careful analyst.")}
	body := strings.Repeat("word", tokensPerMsg)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs = append(msgs, msg(role, fmt.Sprintf("%s %d", body, i)))
	}
	return msgs
}

func TestSlidingWindowKeepsSystemAndRecentPair(t *testing.T) {
	// ~50k tokens of conversation against a 30k budget with 2k reserved.
	msgs := conversation(100, 500)
	b := &Budgeter{
		Tokenizer:     heuristicTokenizer{},
		MaxTotal:      30_000,
		ReserveOutput: 2_000,
		Strategy:      StrategySlidingWindow,
	}
	require.Greater(t, b.Count(msgs), 30_000)

	out, err := b.Enforce(context.Background(), msgs)
	require.NoError(t, err)

	assert.Equal(t, model.RoleSystem, out[0].Role, "system message survives")
	assert.LessOrEqual(t, b.Count(out), 28_000, "count + reserve fits the budget")

	// The most recent user/assistant pair is present.
	last := msgs[len(msgs)-1]
	prev := msgs[len(msgs)-2]
	assert.Same(t, last, out[len(out)-1])
	assert.Same(t, prev, out[len(out)-2])
}

func TestEnforceNoopUnderBudget(t *testing.T) {
	msgs := conversation(4, 10)
	b := &Budgeter{Tokenizer: heuristicTokenizer{}, MaxTotal: 10_000, ReserveOutput: 500, Strategy: StrategySlidingWindow}
	out, err := b.Enforce(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestFailStrategy(t *testing.T) {
	msgs := conversation(50, 500)
	b := &Budgeter{Tokenizer: heuristicTokenizer{}, MaxTotal: 1_000, ReserveOutput: 100, Strategy: StrategyFail}
	_, err := b.Enforce(context.Background(), msgs)
	require.Error(t, err)
	var ce *cerrs.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, cerrs.KindTokenBudget, ce.Kind)
}

func TestPruneOldestKeepsCriticalMessages(t *testing.T) {
	msgs := []*model.Message{
		msg(model.RoleSystem, "system"),
		msg(model.RoleUser, strings.Repeat("old filler ", 200)),
		msg(model.RoleTool, "tool result: error: connection refused"),
		msg(model.RoleUser, strings.Repeat("more filler ", 200)),
		msg(model.RoleUser, "recent question"),
		msg(model.RoleAssistant, "recent answer"),
		msg(model.RoleUser, "latest"),
	}
	b := &Budgeter{Tokenizer: heuristicTokenizer{}, MaxTotal: 300, ReserveOutput: 50, Strategy: StrategyPruneOldest}
	out, err := b.Enforce(context.Background(), msgs)
	require.NoError(t, err)

	texts := make([]string, 0, len(out))
	for _, m := range out {
		texts = append(texts, m.Parts[0].(model.TextPart).Text)
	}
	assert.Contains(t, texts, "system")
	assert.Contains(t, texts, "tool result: error: connection refused", "error-mentioning messages are critical")
	assert.Contains(t, texts, "latest")
	assert.NotContains(t, texts, msgs[1].Parts[0].(model.TextPart).Text, "old filler dropped first")
}

func TestSummarizeReplacesOlderPortion(t *testing.T) {
	msgs := conversation(30, 200)
	b := &Budgeter{
		Tokenizer:     heuristicTokenizer{},
		MaxTotal:      2_000,
		ReserveOutput: 200,
		Strategy:      StrategySummarize,
		Summarizer: func(ctx context.Context, older []*model.Message) (*model.Message, error) {
			return msg(model.RoleSystem, fmt.Sprintf("summary of %d messages", len(older))), nil
		},
	}
	out, err := b.Enforce(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 11, "one summary message plus the last 10")
	assert.Contains(t, out[0].Parts[0].(model.TextPart).Text, "summary of")
}

func TestSlidingWindowInvariant(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("enforced window fits and preserves the system head", prop.ForAll(
		func(n int, tokensPerMsg int, maxTotal int) bool {
			msgs := conversation(n, tokensPerMsg)
			b := &Budgeter{
				Tokenizer:     heuristicTokenizer{},
				MaxTotal:      maxTotal,
				ReserveOutput: maxTotal / 10,
				Strategy:      StrategySlidingWindow,
			}
			out, err := b.Enforce(context.Background(), msgs)
			if err != nil {
				return false
			}
			if b.Count(out) > b.MaxTotal-b.ReserveOutput && len(out) > 1 {
				return false
			}
			return len(out) == 0 || out[0].Role == model.RoleSystem
		},
		gen.IntRange(1, 40),
		gen.IntRange(1, 300),
		gen.IntRange(100, 20_000),
	))

	properties.TestingRun(t)
}
