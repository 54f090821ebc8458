package sqlrewrite

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestTokenizeClassifications(t *testing.T) {
	toks := Tokenize(`SELECT a.b, 'it''s', "Quoted", 1.5 -- tail`)
	assert.Equal(t, []TokenKind{
		TokWord, TokSpace, TokWord, TokSymbol, TokWord, TokSymbol, TokSpace,
		TokString, TokSymbol, TokSpace, TokQuoted, TokSymbol, TokSpace,
		TokNumber, TokSpace, TokComment,
	}, kinds(toks))

	// The escaped quote stays inside one string token.
	assert.Equal(t, `'it''s'`, toks[7].Text)
}

func TestTokenizeMultiCharSymbols(t *testing.T) {
	toks := Tokenize(`a::int <= b <> c || d`)
	var syms []string
	for _, tok := range toks {
		if tok.Kind == TokSymbol {
			syms = append(syms, tok.Text)
		}
	}
	assert.Equal(t, []string{"::", "<=", "<>", "||"}, syms)
}

func TestTokenizeBlockCommentAndUnterminated(t *testing.T) {
	toks := Tokenize(`x /* a 'quoted' ; comment */ y`)
	require.Equal(t, TokComment, toks[2].Kind)
	assert.Equal(t, `/* a 'quoted' ; comment */`, toks[2].Text)

	// Unterminated constructs extend to end of input without panicking.
	assert.Equal(t, TokString, Tokenize(`'never closed`)[0].Kind)
	assert.Equal(t, TokComment, Tokenize(`/* never closed`)[0].Kind)
}

func TestRenderRoundTripsAnyInput(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("Render(Tokenize(s)) == s", prop.ForAll(
		func(s string) bool {
			return Render(Tokenize(s)) == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
