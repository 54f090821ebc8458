package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

func TestParsePromptModeToolCalls(t *testing.T) {
	text := "Let me check.\n" +
		"```json\n{\"tool\": \"search\", \"args\": {\"q\": \"go\"}}\n```\n" +
		"Here is an illustrative payload, not a call:\n" +
		"```json\n{\"example\": true}\n```\n"
	calls, err := parsePromptModeToolCalls(text)
	require.NoError(t, err)
	require.Len(t, calls, 1, "blocks without a tool key are ignored")
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(calls[0].Payload))
}

func TestParsePromptModeMalformedToolBlock(t *testing.T) {
	text := "```json\n{\"tool\": \"search\", broken\n```\n"
	_, err := parsePromptModeToolCalls(text)
	require.Error(t, err, "malformed block containing \"tool\" is reported")

	// Malformed JSON without a tool key is silently ignored.
	calls, err := parsePromptModeToolCalls("```json\n{nonsense\n```")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	responses []*model.Response
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	r := c.responses[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{
		Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: text}},
	}}}
}

func toolResponse(name, payload string) *model.Response {
	r := textResponse("calling " + name)
	r.ToolCalls = []model.ToolCall{{ID: "t1", Name: name, Payload: json.RawMessage(payload)}}
	return r
}

func TestRunExecutesToolsThenReturnsFinalText(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		toolResponse("lookup", `{"key":"x"}`),
		textResponse("the answer is 4"),
	}}
	executed := 0
	res, err := Run(context.Background(), Options{
		Client:   client,
		MaxTurns: 5,
		Executor: func(ctx context.Context, name string, args json.RawMessage) (any, error) {
			executed++
			assert.Equal(t, "lookup", name)
			return map[string]any{"value": 4}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, "the answer is 4", res.FinalContent)
	assert.Equal(t, 2, res.TurnsUsed)
	assert.False(t, res.TurnExhausted)
}

func TestRunFeedsToolErrorsBack(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		toolResponse("flaky", `{}`),
		textResponse("recovered"),
	}}
	res, err := Run(context.Background(), Options{
		Client:   client,
		MaxTurns: 5,
		Executor: func(ctx context.Context, name string, args json.RawMessage) (any, error) {
			return nil, cerrs.New(cerrs.KindToolExecution, "test", assert.AnError)
		},
	})
	require.NoError(t, err, "tool failures feed back instead of aborting")
	assert.Equal(t, "recovered", res.FinalContent)

	// The feedback message is a tool-role error result.
	var sawError bool
	for _, m := range res.Messages {
		if m.Role != model.RoleTool {
			continue
		}
		for _, p := range m.Parts {
			if tr, ok := p.(model.ToolResultPart); ok && tr.IsError {
				sawError = true
			}
		}
	}
	assert.True(t, sawError)
}

func TestRunTurnBudgetExhausted(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		toolResponse("loop", `{}`),
		toolResponse("loop", `{}`),
	}}
	res, err := Run(context.Background(), Options{
		Client:   client,
		MaxTurns: 2,
		Executor: func(ctx context.Context, name string, args json.RawMessage) (any, error) {
			return "again", nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.TurnExhausted, "still requesting tools on the last turn")
	assert.Equal(t, 2, res.TurnsUsed)
}

func TestRunNeverAppendsEmptyAssistantMessages(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: ""}}}}},
	}}
	res, err := Run(context.Background(), Options{Client: client, MaxTurns: 3})
	require.NoError(t, err)
	for _, m := range res.Messages {
		assert.False(t, messageIsEmpty(m))
	}
}
