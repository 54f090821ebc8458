// Package bedrock adapts the AWS Bedrock Converse API to the engine's
// provider-agnostic model.Client interface: system/conversation split,
// tool-schema translation, and usage accounting over aws-sdk-go-v2's
// bedrockruntime package.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

// RuntimeClient mirrors the subset of *bedrockruntime.Client used here.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client over Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	opts    Options
}

// New constructs a Client from an injected Bedrock runtime client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: opts.Runtime, opts: opts}, nil
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

// Complete issues one Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input := c.buildInput(req)
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	return toResponse(out), nil
}

// Stream is unimplemented; cell execution never requires it.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildInput(req *model.Request) *bedrockruntime.ConverseInput {
	var system []brtypes.SystemContentBlock
	var msgs []brtypes.Message

	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: textOf(m.Parts)})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{Role: role, Content: toContentBlocks(m.Parts)})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.resolveModel(req)),
		System:   system,
		Messages: msgs,
	}
	if len(req.Tools) > 0 {
		var specs []brtypes.Tool
		for _, t := range req.Tools {
			raw, _ := json.Marshal(t.InputSchema)
			var schemaDoc map[string]any
			_ = json.Unmarshal(raw, &schemaDoc)
			specs = append(specs, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
				},
			})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: specs}
	}

	cfg := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		cfg.MaxTokens = &v
	} else if c.opts.MaxTokens > 0 {
		v := int32(c.opts.MaxTokens)
		cfg.MaxTokens = &v
	}
	if req.Temperature != 0 {
		v := req.Temperature
		cfg.Temperature = &v
	}
	input.InferenceConfig = cfg
	return input
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

func toContentBlocks(parts []model.Part) []brtypes.ContentBlock {
	var blocks []brtypes.ContentBlock
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
		case model.ToolUsePart:
			var input map[string]any
			_ = json.Unmarshal(v.Input, &input)
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(v.ID),
				Name:      aws.String(v.Name),
				Input:     document.NewLazyDocument(input),
			}})
		case model.ToolResultPart:
			status := brtypes.ToolResultStatusSuccess
			if v.IsError {
				status = brtypes.ToolResultStatusError
			}
			raw, _ := json.Marshal(v.Content)
			var doc any
			_ = json.Unmarshal(raw, &doc)
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Status:    status,
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(doc)}},
			}})
		}
	}
	return blocks
}

func toResponse(out *bedrockruntime.ConverseOutput) *model.Response {
	resp := &model.Response{}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.StopReason = string(out.StopReason)
	msgMember, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var parts []model.Part
	for _, block := range msgMember.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			parts = append(parts, model.TextPart{Text: b.Value})
		case *brtypes.ContentBlockMemberToolUse:
			input, _ := b.Value.Input.MarshalSmithyDocument()
			id := aws.ToString(b.Value.ToolUseId)
			name := aws.ToString(b.Value.Name)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: id, Name: name, Payload: input})
			parts = append(parts, model.ToolUsePart{ID: id, Name: name, Input: input})
		}
	}
	resp.Content = []model.Message{{Role: model.RoleAssistant, Parts: parts}}
	return resp
}

// classifyError distinguishes retryable provider errors from permanent
// ones.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException", "InternalServerException":
			return cerrs.New(cerrs.KindProviderTransient, "bedrock", err)
		}
		return cerrs.New(cerrs.KindProviderPermanent, "bedrock", err)
	}
	return cerrs.New(cerrs.KindProviderTransient, "bedrock", err)
}
