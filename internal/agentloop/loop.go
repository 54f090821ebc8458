// Package agentloop implements the agent loop: one LLM turn-loop that
// invokes a provider-agnostic model.Client, executes tool calls (native
// or prompt-embedded) via the tool registry, feeds results back as
// messages, and iterates until the assistant stops requesting tools or
// the turn budget is exhausted.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/ryrobes/larsql-sub001/internal/budget"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// ToolExecutor invokes a named tool with arguments, returning its result or
// an error.
type ToolExecutor func(ctx context.Context, name string, args json.RawMessage) (any, error)

// Options configures one agent loop invocation.
type Options struct {
	Client       model.Client
	Model        string
	ModelClass   model.ModelClass
	System       *model.Message
	Messages     []*model.Message
	Tools        []*model.ToolDefinition
	MaxTurns     int
	PromptMode   bool // no native function calling; parse fenced json blocks
	Budgeter     *budget.Budgeter
	Executor     ToolExecutor
	ParallelTools bool
	Logger       telemetry.Logger
}

// Result is what the agent loop returns to its caller.
type Result struct {
	FinalContent string
	Messages     []*model.Message
	Usage        model.TokenUsage
	TurnsUsed    int
	TurnExhausted bool
}

// Run executes the turn loop
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	messages := append([]*model.Message(nil), opts.Messages...)
	if opts.System != nil {
		messages = append([]*model.Message{opts.System}, messages...)
	}

	var usage model.TokenUsage
	var finalContent string
	turn := 0
	for ; turn < maxTurns; turn++ {
		// Step 1: enforce token budget before each call.
		if opts.Budgeter != nil {
			enforced, err := opts.Budgeter.Enforce(ctx, messages)
			if err != nil {
				return nil, err
			}
			messages = enforced
		}

		// Step 2: invoke the provider, retrying transient errors.
		resp, err := callWithRetry(ctx, opts.Client, &model.Request{
			Model:      opts.Model,
			ModelClass: opts.ModelClass,
			Messages:   messages,
			Tools:      opts.Tools,
		})
		if err != nil {
			return nil, classifyProviderError(err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		assistantMsgs, toolCalls, text := splitResponse(resp)
		finalContent = text

		// Invariant: an assistant message with empty content is
		// never appended; empty content + empty tool calls ends the turn.
		for _, m := range assistantMsgs {
			if !messageIsEmpty(m) {
				messages = append(messages, m)
			}
		}

		if len(toolCalls) == 0 && !opts.PromptMode {
			break
		}
		if opts.PromptMode && len(toolCalls) == 0 {
			parsed, perr := parsePromptModeToolCalls(text)
			if perr != nil {
				// malformed block containing the literal "tool": feed back
				// as a structured error and retry the turn.
				messages = append(messages, errorFeedbackMessage(perr))
				continue
			}
			toolCalls = parsed
			if len(toolCalls) == 0 {
				break
			}
		}

		// Step 5: last permitted turn still requesting tools.
		if turn == maxTurns-1 {
			opts.Logger.Warn(ctx, "agentloop: turn budget exhausted with pending tool calls", "turns", maxTurns)
			return &Result{FinalContent: finalContent, Messages: messages, Usage: usage, TurnsUsed: turn + 1, TurnExhausted: true}, nil
		}

		// Step 3: execute tool calls and feed results back.
		toolMsgs, execErr := executeTools(ctx, opts, toolCalls)
		if execErr != nil {
			return nil, execErr
		}
		messages = append(messages, toolMsgs...)
	}

	return &Result{FinalContent: finalContent, Messages: messages, Usage: usage, TurnsUsed: turn + 1}, nil
}

func messageIsEmpty(m *model.Message) bool {
	if len(m.Parts) == 0 {
		return true
	}
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok && tp.Text != "" {
			return false
		}
		if _, ok := p.(model.ToolUsePart); ok {
			return false
		}
	}
	return true
}

func splitResponse(resp *model.Response) (msgs []*model.Message, calls []model.ToolCall, text string) {
	for i := range resp.Content {
		msgs = append(msgs, &resp.Content[i])
		for _, p := range resp.Content[i].Parts {
			if tp, ok := p.(model.TextPart); ok {
				text += tp.Text
			}
		}
	}
	return msgs, resp.ToolCalls, text
}

// callWithRetry retries HTTP 429/5xx/network errors up to 3 tries with
// exponential backoff.
func callWithRetry(ctx context.Context, client model.Client, req *model.Request) (*model.Response, error) {
	var resp *model.Response
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2) // first call + 2 retries = 3 tries
	op := func() error {
		r, err := client.Complete(ctx, req)
		if err != nil {
			if isTransient(err) {
				return err // retried
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func isTransient(err error) bool {
	var cerr *cerrs.Error
	if errors.As(err, &cerr) {
		return cerr.Kind == cerrs.KindProviderTransient
	}
	return false
}

func classifyProviderError(err error) error {
	var cerr *cerrs.Error
	if errors.As(err, &cerr) {
		return err
	}
	return cerrs.New(cerrs.KindProviderPermanent, "agentloop.Run", err)
}

// executeTools runs tool calls via opts.Executor, serially by default or
// concurrently when ParallelTools is set.
// Execution failures are captured and fed back as tool-role error messages
// rather than aborting the loop.
func executeTools(ctx context.Context, opts Options, calls []model.ToolCall) ([]*model.Message, error) {
	if opts.Executor == nil {
		return nil, cerrs.New(cerrs.KindConfig, "agentloop.executeTools", fmt.Errorf("no tool executor configured"))
	}
	results := make([]*model.Message, len(calls))
	if !opts.ParallelTools {
		for i, call := range calls {
			results[i] = runOneTool(ctx, opts.Executor, call)
		}
		return results, nil
	}
	type out struct {
		idx int
		msg *model.Message
	}
	ch := make(chan out, len(calls))
	for i, call := range calls {
		go func(i int, call model.ToolCall) {
			ch <- out{idx: i, msg: runOneTool(ctx, opts.Executor, call)}
		}(i, call)
	}
	for range calls {
		o := <-ch
		results[o.idx] = o.msg
	}
	return results, nil
}

func runOneTool(ctx context.Context, exec ToolExecutor, call model.ToolCall) *model.Message {
	result, err := exec(ctx, call.Name, call.Payload)
	if err != nil {
		return &model.Message{
			Role: model.RoleTool,
			Parts: []model.Part{model.ToolResultPart{
				ToolUseID: call.ID,
				Content:   map[string]string{"error": err.Error()},
				IsError:   true,
			}},
		}
	}
	return &model.Message{
		Role:  model.RoleTool,
		Parts: []model.Part{model.ToolResultPart{ToolUseID: call.ID, Content: result}},
	}
}

func errorFeedbackMessage(err error) *model.Message {
	return &model.Message{
		Role: model.RoleTool,
		Parts: []model.Part{model.ToolResultPart{
			Content: map[string]string{"error": err.Error()},
			IsError: true,
		}},
	}
}
