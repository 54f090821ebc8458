// Package openai adapts github.com/openai/openai-go to the engine's
// provider-agnostic model.Client interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

// ChatClient captures the subset of the SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
}

// Client implements model.Client over the OpenAI Chat Completions API.
type Client struct {
	chat ChatClient
	opts Options
}

// New constructs a Client from an injected chat sub-client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

func (c *Client) resolveModel(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.opts.HighModel != "" {
			return c.opts.HighModel
		}
	case model.ModelClassSmall:
		if c.opts.SmallModel != "" {
			return c.opts.SmallModel
		}
	}
	return c.opts.DefaultModel
}

// Complete issues one non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params := c.buildParams(req)
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return toResponse(resp), nil
}

// Stream is unimplemented; cell execution never requires it.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildParams(req *model.Request) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		text := textOf(m.Parts)
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(text))
		case model.RoleUser:
			msgs = append(msgs, openai.UserMessage(text))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(text))
		case model.RoleTool:
			for _, p := range m.Parts {
				if tr, ok := p.(model.ToolResultPart); ok {
					raw, _ := json.Marshal(tr.Content)
					msgs = append(msgs, openai.ToolMessage(string(raw), tr.ToolUseID))
				}
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.resolveModel(req)),
		Messages: msgs,
	}
	for _, t := range req.Tools {
		raw, _ := json.Marshal(t.InputSchema)
		var params2 map[string]any
		_ = json.Unmarshal(raw, &params2)
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params2,
			},
		})
	}
	return params
}

func textOf(parts []model.Part) string {
	var out string
	for _, p := range parts {
		if tp, ok := p.(model.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func toResponse(resp *openai.ChatCompletion) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)
	var parts []model.Part
	if choice.Message.Content != "" {
		parts = append(parts, model.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		payload := json.RawMessage(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Payload: payload})
		parts = append(parts, model.ToolUsePart{ID: tc.ID, Name: tc.Function.Name, Input: payload})
	}
	out.Content = []model.Message{{Role: model.RoleAssistant, Parts: parts}}
	return out
}

// classifyError distinguishes retryable provider errors from permanent
// ones.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return cerrs.New(cerrs.KindProviderTransient, "openai", err)
		}
		return cerrs.New(cerrs.KindProviderPermanent, "openai", err)
	}
	return cerrs.New(cerrs.KindProviderTransient, "openai", err)
}
