package sqlrewrite

import (
	"fmt"
	"regexp"
	"strings"
)

// element is one step of a structural matcher: either a literal keyword
// (matched case-insensitively against a word token, or exactly against a
// symbol token such as `~`) or a named operand capture.
type element struct {
	keyword string // "" means capture
	name    string // capture name when keyword == ""
}

// Pattern is a structural matcher with an output template. Captures render
// into the template by `{{ name }}` placeholders.
type Pattern struct {
	Name     string
	Elements []element
	Output   string
	Priority int
	// Aggregate marks operators that reduce row groups; their presence
	// together with GROUP BY vetoes UNION-ALL parallel splitting.
	Aggregate bool
}

// placeholderRe matches `{{ name }}` with optional inner spacing.
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// singleWordInfixPriority is assigned to operators inferred from a
// one-keyword infix template; a template with k > 1 keywords gets this
// plus k, so longer user-defined matches are tried first. Every inferred
// operator stays below the builtin operators (priority 60).
const singleWordInfixPriority = 50

// InferPattern builds a matcher from a sql_function operator template such
// as "{{ text }} ALIGNS WITH {{ narrative }}": keywords become literal
// elements, placeholders become captures, and the output is a call to
// udfName with the captures in template order.
func InferPattern(udfName, template string, aggregate bool) (Pattern, error) {
	var elems []element
	var captureOrder []string

	rest := template
	for len(rest) > 0 {
		loc := placeholderRe.FindStringSubmatchIndex(rest)
		var pre string
		if loc == nil {
			pre = rest
			rest = ""
		} else {
			pre = rest[:loc[0]]
		}
		for _, kw := range strings.Fields(pre) {
			elems = append(elems, element{keyword: kw})
		}
		if loc != nil {
			name := rest[loc[2]:loc[3]]
			elems = append(elems, element{name: name})
			captureOrder = append(captureOrder, name)
			rest = rest[loc[1]:]
		}
	}

	if len(elems) == 0 {
		return Pattern{}, fmt.Errorf("sqlrewrite: operator template %q is empty", template)
	}
	keywords := 0
	for _, e := range elems {
		if e.keyword != "" {
			keywords++
		}
	}
	if keywords == 0 {
		return Pattern{}, fmt.Errorf("sqlrewrite: operator template %q has no keyword to anchor on", template)
	}

	args := make([]string, len(captureOrder))
	for i, name := range captureOrder {
		args[i] = "{{" + name + "}}"
	}
	priority := singleWordInfixPriority
	if keywords > 1 {
		priority = singleWordInfixPriority + keywords
	}
	return Pattern{
		Name:      udfName,
		Elements:  elems,
		Output:    fmt.Sprintf("%s(%s)", udfName, strings.Join(args, ", ")),
		Priority:  priority,
		Aggregate: aggregate,
	}, nil
}

// renderOutput substitutes captured operand text into the pattern's output
// template.
func (p Pattern) renderOutput(captures map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(p.Output, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return captures[name]
	})
}

// builtinPatterns are the engine's core semantic operators. User-declared
// sql_function operators are appended at discovery time.
func builtinPatterns() []Pattern {
	infix := func(name, keyword, udf string) Pattern {
		return Pattern{
			Name: name,
			Elements: []element{
				{name: "left"}, {keyword: keyword}, {name: "right"},
			},
			Output:   udf + "({{left}}, {{right}})",
			Priority: 60,
		}
	}
	return []Pattern{
		infix("means", "MEANS", "semantic_matches"),
		infix("about", "ABOUT", "semantic_about"),
		infix("extracts", "EXTRACTS", "semantic_extract"),
		infix("fuzzy", "~", "semantic_fuzzy"),
		infix("implies", "IMPLIES", "semantic_implies"),
	}
}

// aggregateNames are the aggregate-shape semantic functions. They rewrite
// to lowercase UDFs of the same name applied over string_agg of the group;
// their presence gates the UNION-ALL parallel split, because splitting
// would partition their groups across branches.
var aggregateNames = map[string]string{
	"SUMMARIZE": "summarize",
	"THEMES":    "themes",
	"CLUSTER":   "cluster",
	"CONSENSUS": "consensus",
	"OUTLIERS":  "outliers",
	"SENTIMENT": "sentiment",
	"DEDUPE":    "dedupe",
}

// searchNames maps search table functions to the JSON-producing UDFs they
// rewrite to; the call is wrapped in read_json_auto so the result set is
// queryable as rows.
var searchNames = map[string]string{
	"VECTOR_SEARCH":  "vector_search_json",
	"HYBRID_SEARCH":  "hybrid_search_json",
	"KEYWORD_SEARCH": "keyword_search_json",
	"ELASTIC_SEARCH": "elastic_search_json",
}
