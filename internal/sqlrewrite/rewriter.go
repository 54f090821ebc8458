package sqlrewrite

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// DirectiveKind classifies statement-level directives that change how, not
// what, a statement executes.
type DirectiveKind string

const (
	// DirectiveBackground enqueues the statement for out-of-band execution
	// and returns a handle immediately.
	DirectiveBackground DirectiveKind = "background"
	// DirectiveAnalyze runs the plan estimator and returns its estimate
	// without executing the statement.
	DirectiveAnalyze DirectiveKind = "analyze"
)

// Directive is a statement-level execution directive stripped off during
// rewriting; Statement is the already-rewritten inner SQL.
type Directive struct {
	Kind      DirectiveKind
	Statement string
}

// Result is one statement's rewrite outcome.
type Result struct {
	// SQL is the rewritten statement. For plain SQL with no semantic
	// operators and no directives it is byte-identical to the input.
	SQL string
	// Directive is non-nil when the statement was prefixed with
	// BACKGROUND or ANALYZE.
	Directive *Directive
	// Hints are `-- @ key: value` comment annotations.
	Hints map[string]string
	// Warnings are non-fatal findings (ignored parallel hints).
	Warnings []string
	// ParallelBranches holds the UNION-ALL branch statements when a
	// `-- @ parallel: N` hint was honored; empty otherwise.
	ParallelBranches []string
	// UsedAggregates lists which aggregate semantic functions the
	// statement calls, informing split safety and plan estimation.
	UsedAggregates []string
}

// Rewriter holds the active pattern set. Builtin operators are installed at
// construction; cascade-declared operators are added as their YAML files
// are discovered.
type Rewriter struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// New constructs a Rewriter with the builtin operator set.
func New() *Rewriter {
	r := &Rewriter{patterns: builtinPatterns()}
	r.sortPatterns()
	return r
}

// RegisterCascadeFunction infers and installs one pattern per operator
// template declared by a cascade's sql_function block.
func (r *Rewriter) RegisterCascadeFunction(spec *cascade.SQLFunctionSpec) error {
	if spec == nil || spec.Name == "" {
		return cerrs.New(cerrs.KindConfig, "sqlrewrite.RegisterCascadeFunction",
			fmt.Errorf("sql_function block has no name"))
	}
	var inferred []Pattern
	for _, tmpl := range spec.Operators {
		p, err := InferPattern(spec.Name, tmpl, spec.Shape == "aggregate")
		if err != nil {
			return cerrs.New(cerrs.KindConfig, "sqlrewrite.RegisterCascadeFunction", err)
		}
		inferred = append(inferred, p)
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, inferred...)
	r.sortPatterns()
	r.mu.Unlock()
	return nil
}

// sortPatterns orders by priority, then element count, descending, so the
// most specific matcher wins at any position.
func (r *Rewriter) sortPatterns() {
	sort.SliceStable(r.patterns, func(i, j int) bool {
		if r.patterns[i].Priority != r.patterns[j].Priority {
			return r.patterns[i].Priority > r.patterns[j].Priority
		}
		return len(r.patterns[i].Elements) > len(r.patterns[j].Elements)
	})
}

// maxRewritePasses bounds the match-splice loop so a pathological operator
// whose output re-matches its own pattern terminates instead of spinning.
const maxRewritePasses = 1000

// Rewrite transforms one statement. Rewriting is idempotent: operator
// outputs are plain lowercase function calls that no pattern matches again.
func (r *Rewriter) Rewrite(sql string) (*Result, error) {
	toks := Tokenize(sql)
	res := &Result{Hints: parseHints(toks)}

	// Statement-level forms first: directives wrap a whole inner
	// statement, RVBBIT statements replace the statement outright.
	if handled, err := r.rewriteStatementForm(toks, res); err != nil {
		return nil, err
	} else if handled {
		return res, nil
	}

	out, aggs := r.rewriteExpressions(toks)
	res.SQL = Render(out)
	res.UsedAggregates = aggs

	r.applyParallelHint(out, res)
	return res, nil
}

// rewriteExpressions runs the pattern walk plus aggregate/search function
// rewrites until no further match applies.
func (r *Rewriter) rewriteExpressions(toks []Token) ([]Token, []string) {
	r.mu.RLock()
	patterns := r.patterns
	r.mu.RUnlock()

	var aggs []string
	for pass := 0; pass < maxRewritePasses; pass++ {
		sig := significant(toks)
		replaced := false

		for at := 0; at < len(sig) && !replaced; at++ {
			if nt, name, ok := rewriteAggregateCallAt(toks, sig, at); ok {
				toks = nt
				aggs = append(aggs, name)
				replaced = true
				break
			}
			if nt, ok := rewriteSearchCallAt(toks, sig, at); ok {
				toks = nt
				replaced = true
				break
			}
			for _, p := range patterns {
				end, captures, ok := matchAt(toks, sig, at, p)
				if !ok {
					continue
				}
				output := p.renderOutput(captures)
				toks = splice(toks, sig[at], sig[end-1], output)
				if p.Aggregate {
					aggs = append(aggs, p.Name)
				}
				replaced = true
				break
			}
		}
		if !replaced {
			break
		}
	}
	return toks, aggs
}

// significant returns the indices of tokens that matter to matching:
// everything except whitespace and comments.
func significant(toks []Token) []int {
	sig := make([]int, 0, len(toks))
	for i, t := range toks {
		if t.Kind != TokSpace && t.Kind != TokComment {
			sig = append(sig, i)
		}
	}
	return sig
}

// matchAt attempts pattern p at sig position start, returning the exclusive
// end sig position and the captured operand texts.
func matchAt(toks []Token, sig []int, start int, p Pattern) (int, map[string]string, bool) {
	at := start
	captures := make(map[string]string, 2)
	for _, e := range p.Elements {
		if at >= len(sig) {
			return 0, nil, false
		}
		if e.keyword != "" {
			if !keywordMatches(toks[sig[at]], e.keyword) {
				return 0, nil, false
			}
			at++
			continue
		}
		end, ok := parseAtom(toks, sig, at)
		if !ok {
			return 0, nil, false
		}
		captures[e.name] = Render(toks[sig[at] : sig[end-1]+1])
		at = end
	}
	return at, captures, true
}

func keywordMatches(t Token, keyword string) bool {
	switch t.Kind {
	case TokWord:
		return strings.EqualFold(t.Text, keyword)
	case TokSymbol:
		return t.Text == keyword
	default:
		return false
	}
}

// parseAtom consumes one operand expression starting at sig position at:
// a parenthesized group, or an identifier/string/number optionally extended
// by `.name` chains and one call-argument group. Returns the exclusive end
// sig position.
func parseAtom(toks []Token, sig []int, at int) (int, bool) {
	if at >= len(sig) {
		return 0, false
	}
	t := toks[sig[at]]
	switch {
	case t.Kind == TokSymbol && t.Text == "(":
		return skipBalanced(toks, sig, at)
	case t.Kind == TokString || t.Kind == TokNumber:
		return at + 1, true
	case t.Kind == TokWord || t.Kind == TokQuoted:
		end := at + 1
		for end < len(sig) {
			s := toks[sig[end]]
			if s.Kind == TokSymbol && s.Text == "." && end+1 < len(sig) {
				nxt := toks[sig[end+1]]
				if nxt.Kind == TokWord || nxt.Kind == TokQuoted || (nxt.Kind == TokSymbol && nxt.Text == "*") {
					end += 2
					continue
				}
			}
			if s.Kind == TokSymbol && s.Text == "(" {
				bal, ok := skipBalanced(toks, sig, end)
				if !ok {
					return 0, false
				}
				end = bal
			}
			break
		}
		return end, true
	default:
		return 0, false
	}
}

// skipBalanced consumes a balanced `( ... )` group starting at sig position
// at, which must be an opening paren.
func skipBalanced(toks []Token, sig []int, at int) (int, bool) {
	depth := 0
	for i := at; i < len(sig); i++ {
		t := toks[sig[i]]
		if t.Kind != TokSymbol {
			continue
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// splice replaces the token range [from, to] with a single word token
// holding the rendered output.
func splice(toks []Token, from, to int, output string) []Token {
	out := make([]Token, 0, len(toks)-(to-from)+1)
	out = append(out, toks[:from]...)
	out = append(out, Token{TokWord, output})
	out = append(out, toks[to+1:]...)
	return out
}

// rewriteAggregateCallAt rewrites an aggregate semantic call such as
// `SUMMARIZE(body)` into a scalar UDF over the group's concatenated rows:
// `summarize(string_agg(CAST(body AS VARCHAR), chr(10)))`. string_agg keeps
// the grouping native to the OLAP engine; the LLM reduction stays a plain
// scalar UDF.
func rewriteAggregateCallAt(toks []Token, sig []int, at int) ([]Token, string, bool) {
	t := toks[sig[at]]
	if t.Kind != TokWord {
		return nil, "", false
	}
	upper := strings.ToUpper(t.Text)
	lower, ok := aggregateNames[upper]
	if !ok || t.Text == lower {
		return nil, "", false
	}
	if at+1 >= len(sig) {
		return nil, "", false
	}
	if n := toks[sig[at+1]]; n.Kind != TokSymbol || n.Text != "(" {
		return nil, "", false
	}
	end, ok := skipBalanced(toks, sig, at+1)
	if !ok {
		return nil, "", false
	}
	args := splitTopLevelArgs(toks, sig, at+1, end)
	if len(args) == 0 {
		return nil, "", false
	}
	rewritten := []string{fmt.Sprintf("string_agg(CAST(%s AS VARCHAR), chr(10))", strings.TrimSpace(args[0]))}
	rewritten = append(rewritten, trimAll(args[1:])...)
	call := fmt.Sprintf("%s(%s)", lower, strings.Join(rewritten, ", "))
	return splice(toks, sig[at], sig[end-1], call), upper, true
}

var hintRe = regexp.MustCompile(`^--\s*@\s*([\w-]+)\s*:\s*(.+?)\s*$`)

// parseHints extracts `-- @ key: value` comment annotations.
func parseHints(toks []Token) map[string]string {
	hints := map[string]string{}
	for _, t := range toks {
		if t.Kind != TokComment {
			continue
		}
		if m := hintRe.FindStringSubmatch(t.Text); m != nil {
			hints[m[1]] = m[2]
		}
	}
	return hints
}

// QuoteString renders s as a SQL string literal with '' escaping.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
