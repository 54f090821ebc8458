// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// engine's provider-agnostic model.Client interface.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

// MessagesClient captures the subset of the SDK used by the adapter, so
// tests can substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int64
}

// Client implements model.Client over the Anthropic Messages API.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New constructs a Client from an injected Messages sub-client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, Options{DefaultModel: defaultModel})
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

// Complete issues one non-streaming Messages.New call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, cerrs.New(cerrs.KindProviderPermanent, "anthropic.Complete", err)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return c.toResponse(msg), nil
}

// Stream is not implemented by this adapter; the engine's default agent
// loop uses Complete exclusively.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	var system string
	var msgs []sdk.MessageParam
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if tp, ok := p.(model.TextPart); ok {
					system += tp.Text
				}
			}
			continue
		}
		blocks, err := toContentBlocks(m.Parts)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.resolveModel(req)),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: toSchemaParam(t.InputSchema),
			},
		})
	}
	return params, nil
}

func toSchemaParam(schema any) sdk.ToolInputSchemaParam {
	raw, _ := json.Marshal(schema)
	var props map[string]any
	_ = json.Unmarshal(raw, &props)
	return sdk.ToolInputSchemaParam{Properties: props}
}

func toContentBlocks(parts []model.Part) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(v.Text))
		case model.ToolUsePart:
			var input any
			_ = json.Unmarshal(v.Input, &input)
			blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, v.Name))
		case model.ToolResultPart:
			content := fmt.Sprintf("%v", v.Content)
			if raw, err := json.Marshal(v.Content); err == nil {
				content = string(raw)
			}
			blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError))
		case model.ImagePart:
			blocks = append(blocks, sdk.NewImageBlockBase64("image/"+v.Format, base64.StdEncoding.EncodeToString(v.Bytes)))
		default:
			// thinking/document parts are carried opaquely; Anthropic
			// doesn't accept them as request input so they're skipped.
		}
	}
	return blocks, nil
}

func (c *Client) toResponse(msg *sdk.Message) *model.Response {
	resp := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
	var parts []model.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, model.TextPart{Text: block.Text})
		case "thinking":
			parts = append(parts, model.ThinkingPart{Text: block.Thinking, Signature: block.Signature})
		case "tool_use":
			input, _ := json.Marshal(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: block.ID, Name: block.Name, Payload: input})
			parts = append(parts, model.ToolUsePart{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp.Content = []model.Message{{Role: model.RoleAssistant, Parts: parts}}
	return resp
}

// classifyError distinguishes retryable provider errors (HTTP 429/5xx or
// network) from permanent ones.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return cerrs.New(cerrs.KindProviderTransient, "anthropic", err)
		}
		return cerrs.New(cerrs.KindProviderPermanent, "anthropic", err)
	}
	return cerrs.New(cerrs.KindProviderTransient, "anthropic", err)
}

