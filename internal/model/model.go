// Package model defines the provider-agnostic message and invocation types
// shared by the agent loop and its concrete provider adapters
// (internal/model/provider/anthropic, openai, bedrock). Messages are modeled
// as typed parts rather than flattened strings so tool calls, tool results,
// and provider "thinking" content keep their structure end to end.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

type (
	// Part is implemented by every message content block.
	Part interface {
		isPart()
	}

	// TextPart is plain assistant/user visible text.
	TextPart struct {
		Text string
	}

	// ImagePart carries inline image bytes for multimodal models.
	ImagePart struct {
		Format string // "png", "jpeg", "gif", "webp"
		Bytes  []byte
	}

	// DocumentPart carries a document attached to a message.
	DocumentPart struct {
		Name   string
		Format string
		Bytes  []byte
		Text   string
	}

	// ThinkingPart is provider-issued reasoning content, treated as opaque.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
	}

	// ToolUsePart is a tool invocation requested by the assistant.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries a tool result fed back to the model.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// CacheCheckpointPart marks a prompt-cache boundary; providers that
	// don't support caching ignore it.
	CacheCheckpointPart struct{}

	// Message is one entry in a conversation transcript.
	Message struct {
		Role  ConversationRole
		Parts []Part
		Meta  map[string]any
	}

	// ToolDefinition describes a tool exposed to the model for this call.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model in a Response.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// ToolChoiceMode controls how the model is allowed to use tools.
	ToolChoiceMode string
)

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice configures optional tool-use behavior for a Request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// TokenUsage tracks token counts for a single model call.
type TokenUsage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// ModelClass identifies a model family/tier a cascade can target instead of
// a concrete model id.
type ModelClass string

const (
	ModelClassDefault       ModelClass = "default"
	ModelClassSmall         ModelClass = "small"
	ModelClassHighReasoning ModelClass = "high-reasoning"
)

// Request captures the inputs to a single model invocation.
type Request struct {
	RunID       string
	Model       string
	ModelClass  ModelClass
	Messages    []*Message
	Temperature float32
	Tools       []*ToolDefinition
	ToolChoice  *ToolChoice
	MaxTokens   int
	Stream      bool
}

// Response is the result of a non-streaming invocation.
type Response struct {
	Content    []Message
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// Chunk is one streaming event from the model.
type Chunk struct {
	Type       string
	Message    *Message
	ToolCall   *ToolCall
	UsageDelta *TokenUsage
	StopReason string
}

const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeThinking = "thinking"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// Client is the provider-agnostic model client every adapter implements.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// Streamer delivers incremental output from a streaming invocation.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// ErrStreamingUnsupported indicates the provider adapter cannot stream.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

func (TextPart) isPart()            {}
func (ImagePart) isPart()           {}
func (DocumentPart) isPart()        {}
func (ThinkingPart) isPart()        {}
func (ToolUsePart) isPart()         {}
func (ToolResultPart) isPart()      {}
func (CacheCheckpointPart) isPart() {}
