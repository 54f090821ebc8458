package sqlrewrite

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// rewriteStatementForm handles the whole-statement surface forms:
//
//	BACKGROUND <stmt>
//	ANALYZE <stmt>
//	RVBBIT MAP '<path>' USING (<subquery>)
//	RVBBIT RUN '<path>' WITH (<json>)
//	RVBBIT EMBED table.column USING (<subquery>) WITH (backend=..., batch_size=...)
//
// It returns handled=false for ordinary statements so expression rewriting
// proceeds.
func (r *Rewriter) rewriteStatementForm(toks []Token, res *Result) (bool, error) {
	sig := significant(toks)
	if len(sig) == 0 {
		res.SQL = Render(toks)
		return true, nil
	}
	head := toks[sig[0]]
	if head.Kind != TokWord {
		return false, nil
	}
	switch strings.ToUpper(head.Text) {
	case "BACKGROUND", "ANALYZE":
		inner := strings.TrimSpace(Render(toks[sig[0]+1:]))
		innerRes, err := r.Rewrite(inner)
		if err != nil {
			return false, err
		}
		kind := DirectiveBackground
		if strings.EqualFold(head.Text, "ANALYZE") {
			kind = DirectiveAnalyze
		}
		*res = *innerRes
		res.Directive = &Directive{Kind: kind, Statement: innerRes.SQL}
		return true, nil
	case "RVBBIT":
		return true, r.rewriteRvbbit(toks, sig, res)
	}
	return false, nil
}

func (r *Rewriter) rewriteRvbbit(toks []Token, sig []int, res *Result) error {
	if len(sig) < 2 || toks[sig[1]].Kind != TokWord {
		return protoErr("RVBBIT must be followed by MAP, RUN, or EMBED")
	}
	switch strings.ToUpper(toks[sig[1]].Text) {
	case "MAP":
		path, ok := stringArg(toks, sig, 2)
		if !ok {
			return protoErr("RVBBIT MAP requires a quoted cascade path")
		}
		sub, ok := usingSubquery(toks, sig, 3)
		if !ok {
			return protoErr("RVBBIT MAP requires USING (<subquery>)")
		}
		res.SQL = fmt.Sprintf(
			"SELECT rvbbit_run(%s, to_json(__row)::VARCHAR) AS result FROM (%s) AS __row",
			QuoteString(path), sub)
		return nil
	case "RUN":
		path, ok := stringArg(toks, sig, 2)
		if !ok {
			return protoErr("RVBBIT RUN requires a quoted cascade path")
		}
		if len(sig) < 4 || !keywordMatches(toks[sig[3]], "WITH") {
			return protoErr("RVBBIT RUN requires WITH (<json>)")
		}
		body, ok := parenBody(toks, sig, 4)
		if !ok {
			return protoErr("RVBBIT RUN requires WITH (<json>)")
		}
		res.SQL = fmt.Sprintf("SELECT rvbbit_run(%s, %s) AS result",
			QuoteString(path), QuoteString(strings.TrimSpace(body)))
		return nil
	case "EMBED":
		end, ok := parseAtom(toks, sig, 2)
		if !ok {
			return protoErr("RVBBIT EMBED requires table.column")
		}
		target := Render(toks[sig[2] : sig[end-1]+1])
		table, column, ok := splitDotted(target)
		if !ok {
			return protoErr("RVBBIT EMBED target must be table.column")
		}
		sub, ok := usingSubquery(toks, sig, end)
		if !ok {
			return protoErr("RVBBIT EMBED requires USING (<subquery>)")
		}
		opts := map[string]string{"backend": "qdrant", "batch_size": "64"}
		after := afterSubquery(toks, sig, end)
		if after >= 0 && after < len(sig) && keywordMatches(toks[sig[after]], "WITH") {
			body, ok := parenBody(toks, sig, after+1)
			if !ok {
				return protoErr("RVBBIT EMBED WITH clause must be parenthesized")
			}
			parseOptions(body, opts)
		}
		res.SQL = fmt.Sprintf(
			"SELECT rvbbit_embed(%s, %s, %s, %s, to_json(__row)::VARCHAR) AS embedded FROM (%s) AS __row",
			QuoteString(table), QuoteString(column),
			QuoteString(opts["backend"]), QuoteString(opts["batch_size"]), sub)
		return nil
	default:
		return protoErr("RVBBIT must be followed by MAP, RUN, or EMBED")
	}
}

func protoErr(msg string) error {
	return cerrs.New(cerrs.KindConfig, "sqlrewrite.Rewrite", fmt.Errorf("%s", msg))
}

// stringArg returns the unquoted text of a string literal at sig position at.
func stringArg(toks []Token, sig []int, at int) (string, bool) {
	if at >= len(sig) || toks[sig[at]].Kind != TokString {
		return "", false
	}
	raw := toks[sig[at]].Text
	inner := raw[1 : len(raw)-1]
	return strings.ReplaceAll(inner, "''", "'"), true
}

// usingSubquery expects `USING ( ... )` at sig position at and returns the
// subquery text between the parens.
func usingSubquery(toks []Token, sig []int, at int) (string, bool) {
	if at >= len(sig) || !keywordMatches(toks[sig[at]], "USING") {
		return "", false
	}
	return parenBody(toks, sig, at+1)
}

// afterSubquery returns the sig position following the `USING (...)` group
// that starts at sig position at.
func afterSubquery(toks []Token, sig []int, at int) int {
	if at >= len(sig) || !keywordMatches(toks[sig[at]], "USING") {
		return -1
	}
	end, ok := skipBalanced(toks, sig, at+1)
	if !ok {
		return -1
	}
	return end
}

// parenBody returns the raw text inside a balanced paren group starting at
// sig position at.
func parenBody(toks []Token, sig []int, at int) (string, bool) {
	if at >= len(sig) {
		return "", false
	}
	if t := toks[sig[at]]; t.Kind != TokSymbol || t.Text != "(" {
		return "", false
	}
	end, ok := skipBalanced(toks, sig, at)
	if !ok {
		return "", false
	}
	return Render(toks[sig[at]+1 : sig[end-1]]), true
}

// parseOptions fills opts from a `key=value, key=value` clause body.
func parseOptions(body string, opts map[string]string) {
	for _, kv := range strings.Split(body, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), "'\"")
		if key != "" && val != "" {
			opts[key] = val
		}
	}
}

func splitDotted(s string) (string, string, bool) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return strings.Trim(s[:idx], `"`), strings.Trim(s[idx+1:], `"`), true
}

// rewriteSearchCallAt rewrites VECTOR_SEARCH / HYBRID_SEARCH /
// KEYWORD_SEARCH / ELASTIC_SEARCH calls into read_json_auto over the
// backend UDF. The table.column argument is split into two string
// arguments; HYBRID_SEARCH gets fixed default weights when omitted.
func rewriteSearchCallAt(toks []Token, sig []int, at int) ([]Token, bool) {
	t := toks[sig[at]]
	if t.Kind != TokWord {
		return nil, false
	}
	udf, ok := searchNames[strings.ToUpper(t.Text)]
	if !ok {
		return nil, false
	}
	if at+1 >= len(sig) {
		return nil, false
	}
	if n := toks[sig[at+1]]; n.Kind != TokSymbol || n.Text != "(" {
		return nil, false
	}
	end, ok := skipBalanced(toks, sig, at+1)
	if !ok {
		return nil, false
	}
	args := splitTopLevelArgs(toks, sig, at+1, end)
	if len(args) < 2 {
		return nil, false
	}

	table, column, ok := splitDotted(strings.TrimSpace(args[1]))
	if !ok {
		return nil, false
	}
	out := []string{strings.TrimSpace(args[0]), QuoteString(table), QuoteString(column)}
	out = append(out, trimAll(args[2:])...)
	// The UDFs have fixed arity; pad optional trailing arguments with
	// their defaults (k=10, min_score=0, weights 0.7/0.3).
	switch strings.ToUpper(t.Text) {
	case "VECTOR_SEARCH":
		out = padArgs(out, 4, "10")
		out = padArgs(out, 5, "0")
	case "HYBRID_SEARCH":
		out = padArgs(out, 4, "10")
		out = padArgs(out, 5, "0.7")
		out = padArgs(out, 6, "0.3")
	default: // KEYWORD_SEARCH, ELASTIC_SEARCH
		out = padArgs(out, 4, "10")
	}
	call := fmt.Sprintf("read_json_auto(%s(%s))", udf, strings.Join(out, ", "))
	return splice(toks, sig[at], sig[end-1], call), true
}

func padArgs(args []string, upto int, def string) []string {
	if len(args) < upto {
		return append(args, def)
	}
	return args
}

// splitTopLevelArgs renders the comma-separated argument texts of the paren
// group spanning sig positions (open, end).
func splitTopLevelArgs(toks []Token, sig []int, open, end int) []string {
	var args []string
	depth := 0
	segStart := sig[open] + 1
	for i := open; i < end; i++ {
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
				args = append(args, Render(toks[segStart:sig[i]]))
			}
		case ",":
			if depth == 1 {
				args = append(args, Render(toks[segStart:sig[i]]))
				segStart = sig[i] + 1
			}
		}
	}
	return args
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

// applyParallelHint honors `-- @ parallel: N` by producing N UNION-ALL
// branch statements, each reading a disjoint residue class of row numbers.
// Splitting is refused when the statement both calls an aggregate semantic
// function and groups rows, because branches would partition the groups.
func (r *Rewriter) applyParallelHint(toks []Token, res *Result) {
	raw, ok := res.Hints["parallel"]
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 2 {
		return
	}
	if len(res.UsedAggregates) > 0 && hasGroupBy(toks) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"parallel hint ignored: %s with GROUP BY cannot be split across UNION ALL branches",
			strings.Join(res.UsedAggregates, ", ")))
		return
	}
	inner := strings.TrimRight(strings.TrimSpace(res.SQL), ";")
	branches := make([]string, n)
	for i := 0; i < n; i++ {
		branches[i] = fmt.Sprintf(
			"SELECT * EXCLUDE (__branch_rn) FROM (SELECT *, row_number() OVER () AS __branch_rn FROM (%s)) WHERE (__branch_rn - 1) %% %d = %d",
			inner, n, i)
	}
	res.ParallelBranches = branches
}

func hasGroupBy(toks []Token) bool {
	sig := significant(toks)
	for i := 0; i+1 < len(sig); i++ {
		if keywordMatches(toks[sig[i]], "GROUP") && keywordMatches(toks[sig[i+1]], "BY") {
			return true
		}
	}
	return false
}
