// Package budget implements the token-budget governor: counting,
// checking, and enforcing a per-cascade or per-cell token budget against
// a message sequence before each LLM call. Tokenizers are declared per
// model family with a heuristic fallback, so budgets are approximate for
// families without a provider tokenizer wired in.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

// Strategy is the closed enum of enforcement strategies.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyPruneOldest   Strategy = "prune_oldest"
	StrategySummarize     Strategy = "summarize"
	StrategyFail          Strategy = "fail"
)

// perMessageOverhead is the fixed per-message token cost.
const perMessageOverhead = 4

// Tokenizer counts tokens for a string. Tokenizers are declared per model
// family rather than one global guess.
type Tokenizer interface {
	Count(s string) int
}

// heuristicTokenizer approximates token count as roughly 4 characters per
// token, the documented fallback for model families without a provider
// tokenizer wired in.
type heuristicTokenizer struct{}

func (heuristicTokenizer) Count(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// Registry maps a model family prefix (e.g. "claude-", "gpt-") to its
// Tokenizer, falling back to heuristicTokenizer for unknown families.
type Registry struct {
	byPrefix map[string]Tokenizer
	fallback Tokenizer
}

// NewRegistry constructs a tokenizer registry with the documented
// heuristic fallback. Callers register provider-specific tokenizers (e.g.
// a tiktoken-backed one for "gpt-") via Register.
func NewRegistry() *Registry {
	return &Registry{byPrefix: make(map[string]Tokenizer), fallback: heuristicTokenizer{}}
}

// Register associates a model-name prefix with a Tokenizer.
func (r *Registry) Register(prefix string, t Tokenizer) { r.byPrefix[prefix] = t }

// For resolves the tokenizer for a model id, falling back to the
// heuristic when no family-specific tokenizer is registered.
func (r *Registry) For(modelID string) Tokenizer {
	for prefix, t := range r.byPrefix {
		if strings.HasPrefix(modelID, prefix) {
			return t
		}
	}
	return r.fallback
}

// Budgeter enforces the token budget for one model family's message
// sequences.
type Budgeter struct {
	Tokenizer     Tokenizer
	MaxTotal      int
	ReserveOutput int
	Strategy      Strategy
	// Summarizer is invoked by the "summarize" strategy to compress the
	// older portion of a conversation via a secondary cheap LLM call.
	Summarizer func(ctx context.Context, older []*model.Message) (*model.Message, error)
}

// Check reports current usage against the configured limit.
type CheckResult struct {
	Current    int
	Limit      int
	Percentage float64
	Over       bool
	Warning    bool
}

// Count totals per-message overhead plus encoded content and tool_calls.
func (b *Budgeter) Count(messages []*model.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		for _, p := range m.Parts {
			total += b.countPart(p)
		}
	}
	return total
}

func (b *Budgeter) countPart(p model.Part) int {
	switch v := p.(type) {
	case model.TextPart:
		return b.Tokenizer.Count(v.Text)
	case model.ThinkingPart:
		return b.Tokenizer.Count(v.Text)
	case model.ToolUsePart:
		return b.Tokenizer.Count(v.Name) + b.Tokenizer.Count(string(v.Input))
	case model.ToolResultPart:
		buf, _ := json.Marshal(v.Content)
		return b.Tokenizer.Count(string(buf))
	case model.DocumentPart:
		return b.Tokenizer.Count(v.Text)
	default:
		return 0
	}
}

// Check reports current usage against the configured limit.
func (b *Budgeter) Check(messages []*model.Message) CheckResult {
	current := b.Count(messages)
	limit := b.MaxTotal - b.ReserveOutput
	var pct float64
	if limit > 0 {
		pct = float64(current) / float64(limit)
	}
	return CheckResult{
		Current:    current,
		Limit:      limit,
		Percentage: pct,
		Over:       current > limit,
		Warning:    pct >= 0.85,
	}
}

// Enforce prunes messages per the configured strategy so the result fits
// current_tokens + reserve_for_output <= max_total.
func (b *Budgeter) Enforce(ctx context.Context, messages []*model.Message) ([]*model.Message, error) {
	check := b.Check(messages)
	if !check.Over {
		return messages, nil
	}
	switch b.Strategy {
	case StrategySlidingWindow:
		return b.slidingWindow(messages), nil
	case StrategyPruneOldest:
		return b.pruneOldest(messages), nil
	case StrategySummarize:
		return b.summarize(ctx, messages)
	case StrategyFail:
		fallthrough
	default:
		return nil, cerrs.New(cerrs.KindTokenBudget, "budget.Enforce",
			fmt.Errorf("current=%d limit=%d over budget", check.Current, check.Limit))
	}
}

// slidingWindow keeps the leading system message, then greedily accepts
// messages from the tail until the next would exceed the limit.
func (b *Budgeter) slidingWindow(messages []*model.Message) []*model.Message {
	limit := b.MaxTotal - b.ReserveOutput
	var sysMsg *model.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		sysMsg = messages[0]
		rest = messages[1:]
	}

	kept := make([]*model.Message, 0, len(rest))
	total := 0
	if sysMsg != nil {
		total += perMessageOverhead + b.messageTokens(sysMsg)
	}
	for i := len(rest) - 1; i >= 0; i-- {
		cost := perMessageOverhead + b.messageTokens(rest[i])
		if total+cost > limit {
			break
		}
		kept = append(kept, rest[i])
		total += cost
	}
	// reverse kept back into chronological order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	if sysMsg != nil {
		return append([]*model.Message{sysMsg}, kept...)
	}
	return kept
}

func (b *Budgeter) messageTokens(m *model.Message) int {
	total := 0
	for _, p := range m.Parts {
		total += b.countPart(p)
	}
	return total
}

// pruneOldest drops oldest non-critical messages until the budget fits.
// "Critical" = system message, last three user/assistant turns, or any
// message mentioning "error"/"route_to".
func (b *Budgeter) pruneOldest(messages []*model.Message) []*model.Message {
	critical := make([]bool, len(messages))
	lastThree := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == model.RoleSystem {
			critical[i] = true
			continue
		}
		if (m.Role == model.RoleUser || m.Role == model.RoleAssistant) && lastThree < 3 {
			critical[i] = true
			lastThree++
			continue
		}
		if b.mentionsCriticalKeyword(m) {
			critical[i] = true
		}
	}

	kept := append([]*model.Message(nil), messages...)
	limit := b.MaxTotal - b.ReserveOutput
	for b.Count(kept) > limit {
		idx := -1
		for i, m := range kept {
			if !critical[i] && m != nil {
				idx = i
				break
			}
		}
		if idx == -1 {
			break // nothing left to drop
		}
		kept = append(kept[:idx], kept[idx+1:]...)
		critical = append(critical[:idx], critical[idx+1:]...)
	}
	return kept
}

func (b *Budgeter) mentionsCriticalKeyword(m *model.Message) bool {
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok {
			lower := strings.ToLower(tp.Text)
			if strings.Contains(lower, "error") || strings.Contains(lower, "route_to") {
				return true
			}
		}
	}
	return false
}

// summarize splits at the last 10 messages, summarizes the older portion
// via a secondary cheap LLM, and replaces it with a single synthesized
// system message.
func (b *Budgeter) summarize(ctx context.Context, messages []*model.Message) ([]*model.Message, error) {
	const splitTail = 10
	if b.Summarizer == nil {
		return nil, cerrs.New(cerrs.KindConfig, "budget.summarize", fmt.Errorf("strategy=summarize requires a Summarizer"))
	}
	if len(messages) <= splitTail {
		return messages, nil
	}
	split := len(messages) - splitTail
	older, recent := messages[:split], messages[split:]
	summary, err := b.Summarizer(ctx, older)
	if err != nil {
		return nil, fmt.Errorf("budget: summarize older portion: %w", err)
	}
	out := make([]*model.Message, 0, 1+len(recent))
	out = append(out, summary)
	out = append(out, recent...)
	return out, nil
}
