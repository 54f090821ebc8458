// Package context implements the context manager: building the per-cell
// message list the agent loop starts from, applying retention and TTL
// rules to prior cell output, and extracting declared output patterns
// back into Echo state after a cell completes.
package context

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"text/template"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
	"github.com/ryrobes/larsql-sub001/internal/model"
)

// TurnRecord is one historical message tagged with the cell/turn it
// belongs to, needed to apply TTL-by-age and retention filters.
type TurnRecord struct {
	Message  *model.Message
	CellName string
	Kind     string // maps to eventlog.NodeKind values for TTL matching
	CellSeq  int    // index of the cell that produced this message
}

// SemanticRanker scores a candidate message's relevance to the current
// cell's instructions, used by retention=auto's "semantic" sub-strategy.
type SemanticRanker func(ctx context.Context, instructions string, candidates []TurnRecord) ([]float64, error)

// Manager assembles message lists
type Manager struct {
	Ranker SemanticRanker
}

// Assemble builds the starting message list for cell at position cellSeq.
func (m *Manager) Assemble(ctx context.Context, def *cascade.Definition, cell *cascade.Cell, cellSeq int, echo *cascade.Echo, history []TurnRecord) ([]*model.Message, error) {
	var out []*model.Message

	// Step 1: global system preface.
	preface, err := renderTemplate(systemPreface(def), def, echo)
	if err != nil {
		return nil, err
	}
	out = append(out, &model.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: preface}}})

	// Step 2: cell instructions, rendered against inputs/state/outputs.
	instr, err := renderTemplate(cell.Instructions, def, echo)
	if err != nil {
		return nil, fmt.Errorf("context: render cell %q instructions: %w", cell.Name, err)
	}
	out = append(out, &model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: instr}}})

	// Step 3: prior messages filtered by retention.
	filtered, err := m.applyRetention(ctx, cell, instr, history)
	if err != nil {
		return nil, err
	}

	// Step 4: TTL by intervening cell count.
	filtered = applyTTL(cell, filtered, cellSeq)

	for _, tr := range filtered {
		out = append(out, tr.Message)
	}
	return out, nil
}

func systemPreface(def *cascade.Definition) string {
	return fmt.Sprintf("You are executing cascade %q: %s", def.ID, def.Description)
}

func (m *Manager) applyRetention(ctx context.Context, cell *cascade.Cell, instructions string, history []TurnRecord) ([]TurnRecord, error) {
	if cell.Context == nil {
		return history, nil // default behaves as full retention
	}
	switch cell.Context.Retention {
	case cascade.RetentionNone:
		return nil, nil
	case cascade.RetentionOutput:
		return onlyFinalAssistant(history), nil
	case cascade.RetentionAuto:
		return m.autoSelect(ctx, cell, instructions, history)
	default: // full
		return history, nil
	}
}

func onlyFinalAssistant(history []TurnRecord) []TurnRecord {
	finalByCell := make(map[string]TurnRecord)
	var order []string
	for _, tr := range history {
		if tr.Message.Role != model.RoleAssistant {
			continue
		}
		if _, seen := finalByCell[tr.CellName]; !seen {
			order = append(order, tr.CellName)
		}
		finalByCell[tr.CellName] = tr // last write wins: final assistant msg per cell
	}
	out := make([]TurnRecord, 0, len(order))
	for _, name := range order {
		out = append(out, finalByCell[name])
	}
	return out
}

// autoSelect implements retention=auto's sub-strategies: heuristic
// (recency + same-phase) and semantic (ranker score). Hybrid ranks by the
// ranker score exactly as semantic does; heuristic and ranker scores are
// not combined. Semantic and hybrid fall back to the heuristic when no
// Ranker is set.
func (m *Manager) autoSelect(ctx context.Context, cell *cascade.Cell, instructions string, history []TurnRecord) ([]TurnRecord, error) {
	maxTokens := cell.Context.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	switch cell.Context.Selection {
	case cascade.SelectionSemantic, cascade.SelectionHybrid:
		if m.Ranker == nil {
			return heuristicTrim(history, maxTokens), nil
		}
		scores, err := m.Ranker(ctx, instructions, history)
		if err != nil {
			return nil, fmt.Errorf("context: semantic ranker: %w", err)
		}
		return trimByScore(history, scores, maxTokens), nil
	default: // heuristic
		return heuristicTrim(history, maxTokens), nil
	}
}

// heuristicTrim keeps the most recent messages up to an approximate token
// budget (recency heuristic; "same-phase" preference is captured by the
// caller only including history from the current cascade run).
func heuristicTrim(history []TurnRecord, maxTokens int) []TurnRecord {
	budget := maxTokens
	var kept []TurnRecord
	for i := len(history) - 1; i >= 0 && budget > 0; i-- {
		cost := approxTokens(history[i].Message)
		if cost > budget {
			break
		}
		kept = append(kept, history[i])
		budget -= cost
	}
	reverse(kept)
	return kept
}

func trimByScore(history []TurnRecord, scores []float64, maxTokens int) []TurnRecord {
	type scored struct {
		tr    TurnRecord
		score float64
	}
	n := len(history)
	if len(scores) < n {
		n = len(scores)
	}
	list := make([]scored, n)
	for i := 0; i < n; i++ {
		list[i] = scored{tr: history[i], score: scores[i]}
	}
	// simple selection: highest score first until budget exhausted, then
	// restore original chronological order for the kept subset.
	budget := maxTokens
	keepIdx := make(map[int]bool)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sortByScoreDesc(order, list)
	for _, idx := range order {
		cost := approxTokens(list[idx].tr.Message)
		if cost > budget {
			continue
		}
		keepIdx[idx] = true
		budget -= cost
	}
	var out []TurnRecord
	for i := 0; i < n; i++ {
		if keepIdx[i] {
			out = append(out, list[i].tr)
		}
	}
	return out
}

func sortByScoreDesc(order []int, list []struct {
	tr    TurnRecord
	score float64
}) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && list[order[j-1]].score < list[order[j]].score; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
}

func reverse(trs []TurnRecord) {
	for i, j := 0, len(trs)-1; i < j; i, j = i+1, j-1 {
		trs[i], trs[j] = trs[j], trs[i]
	}
}

func approxTokens(m *model.Message) int {
	n := 0
	for _, p := range m.Parts {
		if tp, ok := p.(model.TextPart); ok {
			n += (len(tp.Text) + 3) / 4
		}
	}
	return n
}

// applyTTL drops messages whose node kind's age (in intervening cells)
// exceeds cell.Context.TTL[kind].
func applyTTL(cell *cascade.Cell, history []TurnRecord, currentCellSeq int) []TurnRecord {
	if cell.Context == nil || len(cell.Context.TTL) == 0 {
		return history
	}
	out := make([]TurnRecord, 0, len(history))
	for _, tr := range history {
		ttl, declared := cell.Context.TTL[tr.Kind]
		if !declared {
			out = append(out, tr)
			continue
		}
		age := currentCellSeq - tr.CellSeq
		if age <= ttl {
			out = append(out, tr)
		}
	}
	return out
}

// renderTemplate renders a cell instructions/preface template with access
// to inputs.*, state.*, outputs.<cell>.*, using text/template the way cascade YAML documents this
// engine's surface.
func renderTemplate(tmplSrc string, def *cascade.Definition, echo *cascade.Echo) (string, error) {
	if tmplSrc == "" {
		return "", nil
	}
	t, err := template.New("cell").Parse(tmplSrc)
	if err != nil {
		return "", cerrs.New(cerrs.KindConfig, "context.renderTemplate", err)
	}
	state, outputs := echo.Snapshot()
	data := map[string]any{
		"inputs":  echo.Inputs,
		"state":   state,
		"outputs": outputs,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", cerrs.New(cerrs.KindConfig, "context.renderTemplate", err)
	}
	return buf.String(), nil
}

// ExtractOutputs runs after a cell completes: scan the final assistant
// content for each declared extraction's regex, parse per its format, and
// store the result into Echo state under store_as. Conflicting values for
// the same store_as key from two required extractions fail fast rather
// than silently picking one.
func ExtractOutputs(cell *cascade.Cell, finalContent string, echo *cascade.Echo) error {
	seen := make(map[string]string) // store_as -> the raw captured text that produced it
	for _, rule := range cell.Extraction {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return cerrs.New(cerrs.KindConfig, "context.ExtractOutputs", fmt.Errorf("cell %q: bad pattern %q: %w", cell.Name, rule.Pattern, err))
		}
		m := re.FindStringSubmatch(finalContent)
		if m == nil || len(m) < 2 {
			if rule.Required {
				return cerrs.New(cerrs.KindExtraction, "context.ExtractOutputs",
					fmt.Errorf("cell %q: required extraction %q did not match", cell.Name, rule.StoreAs))
			}
			continue
		}
		captured := m[1]
		value, err := parseExtraction(rule, captured)
		if err != nil {
			if rule.Required {
				return cerrs.New(cerrs.KindExtraction, "context.ExtractOutputs", err)
			}
			continue
		}
		if prior, exists := seen[rule.StoreAs]; exists && prior != captured {
			return cerrs.New(cerrs.KindExtraction, "context.ExtractOutputs",
				fmt.Errorf("cell %q: conflicting required extractions for store_as %q", cell.Name, rule.StoreAs))
		}
		seen[rule.StoreAs] = captured
		echo.SetState(rule.StoreAs, value)
	}
	return nil
}

func parseExtraction(rule cascade.OutputExtractionRule, captured string) (any, error) {
	switch rule.Format {
	case cascade.ExtractJSON:
		var v any
		if err := json.Unmarshal([]byte(captured), &v); err != nil {
			return nil, fmt.Errorf("extraction %q: invalid json: %w", rule.StoreAs, err)
		}
		return v, nil
	case cascade.ExtractCode:
		return captured, nil
	default: // text
		if n, err := strconv.Atoi(captured); err == nil {
			return n, nil
		}
		return captured, nil
	}
}
