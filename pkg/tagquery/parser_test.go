package tagquery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Precedence(t *testing.T) {
	// "web or api and !test" groups as web or (api and (!test)).
	tests := []struct {
		name string
		expr string
		tags []string
		want bool
	}{
		{"or short-circuits on web", "web or api and !test", []string{"web", "test"}, true},
		{"and branch false, web absent", "web or api and !test", []string{"test"}, false},
		{"and branch true", "web or api and !test", []string{"api"}, true},
		{"and binds tighter than or", "a, b + c", []string{"b"}, false},
		{"and binds tighter than or, both", "a, b + c", []string{"b", "c"}, true},
		{"not binds tighter than and", "!a + b", []string{"b"}, true},
		{"parens override precedence", "(a, b) + c", []string{"b", "c"}, true},
		{"parens override precedence, missing c", "(a, b) + c", []string{"a"}, false},
		{"double negation", "!!a", []string{"a"}, true},
		{"nested groups", "((a))", []string{"a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateExpression(tt.expr, tt.tags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_OperatorSpellings(t *testing.T) {
	tags := []string{"web", "api"}
	for _, expr := range []string{
		"web + api", "web && api", "web and api", "web AND api",
	} {
		got, err := EvaluateExpression(expr, tags)
		require.NoError(t, err, expr)
		assert.True(t, got, expr)
	}
	for _, expr := range []string{
		"web, db", "web || db", "web or db", "web OR db",
	} {
		got, err := EvaluateExpression(expr, tags)
		require.NoError(t, err, expr)
		assert.True(t, got, expr)
	}
	for _, expr := range []string{"!db", "-db", "not db", "NOT db"} {
		got, err := EvaluateExpression(expr, tags)
		require.NoError(t, err, expr)
		assert.True(t, got, expr)
	}
}

func TestParse_CaseInsensitiveTags(t *testing.T) {
	got, err := EvaluateExpression("WEB", []string{"Web"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParse_DashInTagName(t *testing.T) {
	// Dash after a word character continues the tag.
	got, err := EvaluateExpression("my-server", []string{"my-server"})
	require.NoError(t, err)
	assert.True(t, got)

	// Dash after an operator negates.
	got, err = EvaluateExpression("a + -b", []string{"a"})
	require.NoError(t, err)
	assert.True(t, got)

	// Dash after a group open negates.
	got, err = EvaluateExpression("(-b)", []string{"a"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		kind   ErrorKind
		offset int
	}{
		{"empty input", "", KindEmptyExpression, 0},
		{"whitespace only", "   ", KindEmptyExpression, 0},
		{"missing close paren", "(a or b", KindUnbalancedParens, 7},
		{"extra close paren", "a)", KindUnbalancedParens, 1},
		{"trailing operator", "a and", KindDanglingOperator, 5},
		{"leading operator", "or a", KindDanglingOperator, 0},
		{"doubled operator", "a and or b", KindDanglingOperator, 6},
		{"lone not", "!", KindDanglingOperator, 1},
		{"bad character", "a @ b", KindUnexpectedCharacter, 2},
		{"single ampersand", "a & b", KindUnexpectedCharacter, 2},
		{"single pipe", "a | b", KindUnexpectedCharacter, 2},
		{"dash after tag", "a -b", KindUnexpectedCharacter, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "expected *ParseError, got %T", err)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.offset, perr.Offset)
		})
	}
}

func TestString_RoundTripsSyntax(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"web", "web"},
		{"!a", "not a"},
		{"a + b", "a and b"},
		{"a, b", "a or b"},
		{"web or api and !test", "web or api and not test"},
		{"(a, b) + c", "(a or b) and c"},
		{"!(a + b)", "not (a and b)"},
		{"a, b, c", "a or b or c"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ast, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ast.String())

			// Formatted output must itself parse.
			_, err = Parse(ast.String())
			require.NoError(t, err)
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	// Left true makes an OR true regardless of the right branch.
	expr := &OrExpr{Left: &TagExpr{Name: "a"}, Right: &TagExpr{Name: "b"}}
	assert.True(t, Evaluate(expr, []string{"a"}))

	// Left false makes an AND false regardless of the right branch.
	and := &AndExpr{Left: &TagExpr{Name: "x"}, Right: &TagExpr{Name: "a"}}
	assert.False(t, Evaluate(and, []string{"a"}))
}
