package sqlrewrite

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
)

func mustRewrite(t *testing.T, r *Rewriter, sql string) *Result {
	t.Helper()
	res, err := r.Rewrite(sql)
	require.NoError(t, err)
	return res
}

func TestRewriteSemanticOperators(t *testing.T) {
	r := New()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "means",
			in:   `SELECT * FROM people WHERE bio MEANS 'is a software engineer'`,
			want: `SELECT * FROM people WHERE semantic_matches(bio, 'is a software engineer')`,
		},
		{
			name: "about with threshold left intact",
			in:   `SELECT * FROM posts WHERE body ABOUT 'climate change' > 0.7`,
			want: `SELECT * FROM posts WHERE semantic_about(body, 'climate change') > 0.7`,
		},
		{
			name: "extracts",
			in:   `SELECT name EXTRACTS 'first_name' AS fn FROM t`,
			want: `SELECT semantic_extract(name, 'first_name') AS fn FROM t`,
		},
		{
			name: "fuzzy match symbol",
			in:   `SELECT * FROM a JOIN b ON a.title ~ b.title`,
			want: `SELECT * FROM a JOIN b ON semantic_fuzzy(a.title, b.title)`,
		},
		{
			name: "implies",
			in:   `SELECT * FROM claims WHERE premise IMPLIES conclusion`,
			want: `SELECT * FROM claims WHERE semantic_implies(premise, conclusion)`,
		},
		{
			name: "qualified column operand",
			in:   `SELECT * FROM t WHERE t.description MEANS 'urgent'`,
			want: `SELECT * FROM t WHERE semantic_matches(t.description, 'urgent')`,
		},
		{
			name: "aggregate reduced over string_agg",
			in:   `SELECT cat, SUMMARIZE(body) FROM posts GROUP BY cat`,
			want: `SELECT cat, summarize(string_agg(CAST(body AS VARCHAR), chr(10))) FROM posts GROUP BY cat`,
		},
		{
			name: "themes keeps extra arguments",
			in:   `SELECT THEMES(body, 3) FROM posts`,
			want: `SELECT themes(string_agg(CAST(body AS VARCHAR), chr(10)), 3) FROM posts`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mustRewrite(t, r, tc.in).SQL)
		})
	}
}

func TestRewriteNeverMatchesInsideStringsOrComments(t *testing.T) {
	r := New()
	cases := []string{
		`SELECT 'the word MEANS nothing here' FROM t`,
		`SELECT * FROM t WHERE note = 'a ABOUT b'`,
		"SELECT x FROM t -- col MEANS 'commented out'",
		`SELECT x /* body EXTRACTS 'nope' */ FROM t`,
	}
	for _, in := range cases {
		assert.Equal(t, in, mustRewrite(t, r, in).SQL, in)
	}
}

func TestRewriteSearchCalls(t *testing.T) {
	r := New()
	res := mustRewrite(t, r, `SELECT * FROM VECTOR_SEARCH('quarterly revenue', docs.body, 5)`)
	assert.Equal(t,
		`SELECT * FROM read_json_auto(vector_search_json('quarterly revenue', 'docs', 'body', 5, 0))`,
		res.SQL)

	res = mustRewrite(t, r, `SELECT * FROM HYBRID_SEARCH('q', docs.body, 10)`)
	assert.Equal(t,
		`SELECT * FROM read_json_auto(hybrid_search_json('q', 'docs', 'body', 10, 0.7, 0.3))`,
		res.SQL)

	res = mustRewrite(t, r, `SELECT * FROM HYBRID_SEARCH('q', docs.body, 10, 0.9, 0.1)`)
	assert.Equal(t,
		`SELECT * FROM read_json_auto(hybrid_search_json('q', 'docs', 'body', 10, 0.9, 0.1))`,
		res.SQL)
}

func TestRegisterCascadeFunctionInference(t *testing.T) {
	r := New()
	err := r.RegisterCascadeFunction(&cascade.SQLFunctionSpec{
		Name:      "semantic_aligns",
		Shape:     "scalar",
		Operators: []string{"{{ text }} ALIGNS WITH {{ narrative }}"},
	})
	require.NoError(t, err)

	res := mustRewrite(t, r, `SELECT * FROM reviews WHERE body ALIGNS WITH 'brand voice'`)
	assert.Equal(t, `SELECT * FROM reviews WHERE semantic_aligns(body, 'brand voice')`, res.SQL)

	// A template with no keyword anchor cannot be matched structurally.
	err = r.RegisterCascadeFunction(&cascade.SQLFunctionSpec{
		Name:      "bad",
		Operators: []string{"{{ a }} {{ b }}"},
	})
	require.Error(t, err)
}

func TestRvbbitStatements(t *testing.T) {
	r := New()

	res := mustRewrite(t, r, `RVBBIT RUN 'flows/enrich.yaml' WITH ({"limit": 3})`)
	assert.Equal(t, `SELECT rvbbit_run('flows/enrich.yaml', '{"limit": 3}') AS result`, res.SQL)

	res = mustRewrite(t, r, `RVBBIT MAP 'flows/classify.yaml' USING (SELECT id, body FROM tickets)`)
	assert.Equal(t,
		`SELECT rvbbit_run('flows/classify.yaml', to_json(__row)::VARCHAR) AS result FROM (SELECT id, body FROM tickets) AS __row`,
		res.SQL)

	res = mustRewrite(t, r,
		`RVBBIT EMBED docs.body USING (SELECT id, body FROM docs) WITH (backend=qdrant, batch_size=32)`)
	assert.Equal(t,
		`SELECT rvbbit_embed('docs', 'body', 'qdrant', '32', to_json(__row)::VARCHAR) AS embedded FROM (SELECT id, body FROM docs) AS __row`,
		res.SQL)

	_, err := r.Rewrite(`RVBBIT FROB 'x'`)
	require.Error(t, err)
}

func TestDirectives(t *testing.T) {
	r := New()

	res := mustRewrite(t, r, `BACKGROUND SELECT * FROM t WHERE bio MEANS 'engineer'`)
	require.NotNil(t, res.Directive)
	assert.Equal(t, DirectiveBackground, res.Directive.Kind)
	assert.Equal(t, `SELECT * FROM t WHERE semantic_matches(bio, 'engineer')`, res.Directive.Statement)

	res = mustRewrite(t, r, `ANALYZE SELECT * FROM t`)
	require.NotNil(t, res.Directive)
	assert.Equal(t, DirectiveAnalyze, res.Directive.Kind)
}

func TestParallelHintSafety(t *testing.T) {
	r := New()

	// Aggregate semantic operator + GROUP BY: refuse to split, warn, and
	// keep the single-statement plan.
	res := mustRewrite(t, r,
		"-- @ parallel: 5\nSELECT cat, SUMMARIZE(body) FROM posts GROUP BY cat")
	assert.Empty(t, res.ParallelBranches)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "GROUP BY")

	// Scalar-only statement with the same hint splits into 5 branches.
	res = mustRewrite(t, r,
		"-- @ parallel: 5\nSELECT * FROM posts WHERE body MEANS 'urgent'")
	assert.Len(t, res.ParallelBranches, 5)
	for _, b := range res.ParallelBranches {
		assert.Contains(t, b, "semantic_matches(body, 'urgent')")
		assert.Contains(t, b, "__branch_rn")
	}
}

func TestHintParsing(t *testing.T) {
	r := New()
	res := mustRewrite(t, r, "-- @ model: small\n-- @ parallel: 2\nSELECT 1")
	assert.Equal(t, "small", res.Hints["model"])
	assert.Equal(t, "2", res.Hints["parallel"])
}

// plainStatements contains no semantic operators and no directives, so the
// rewriter must return each byte-for-byte.
var plainStatements = []string{
	`SELECT 1`,
	`SELECT * FROM t WHERE a = 'b' AND c > 3`,
	`INSERT INTO t (a, b) VALUES (1, 'two')`,
	`SELECT count(*) FROM logs GROUP BY day HAVING count(*) > 10 ORDER BY day`,
	`WITH x AS (SELECT 1 AS n) SELECT n FROM x`,
	`UPDATE t SET a = a + 1 WHERE id IN (SELECT id FROM u)`,
	`SELECT "quoted col" FROM "Quoted Table" WHERE x <> 4`,
}

func TestRewriteProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	r := New()

	properties.Property("plain SQL is returned unchanged", prop.ForAll(
		func(sql string) bool {
			res, err := r.Rewrite(sql)
			return err == nil && res.SQL == sql
		},
		genPlainSQL(),
	))

	properties.Property("rewriting is idempotent", prop.ForAll(
		func(sql string) bool {
			once, err := r.Rewrite(sql)
			if err != nil {
				return false
			}
			twice, err := r.Rewrite(once.SQL)
			return err == nil && twice.SQL == once.SQL
		},
		genAnySQL(),
	))

	properties.TestingRun(t)
}

func genPlainSQL() gopter.Gen {
	vals := make([]interface{}, len(plainStatements))
	for i, s := range plainStatements {
		vals[i] = s
	}
	return gen.OneConstOf(vals...)
}

func genAnySQL() gopter.Gen {
	all := append([]string{}, plainStatements...)
	all = append(all,
		`SELECT * FROM t WHERE bio MEANS 'engineer'`,
		`SELECT name EXTRACTS 'first_name' FROM t`,
		`SELECT cat, SUMMARIZE(body) FROM posts GROUP BY cat`,
		`SELECT * FROM VECTOR_SEARCH('q', docs.body, 5)`,
		`SELECT * FROM a JOIN b ON a.x ~ b.y`,
	)
	vals := make([]interface{}, len(all))
	for i, s := range all {
		vals[i] = s
	}
	return gen.OneConstOf(vals...)
}
