package tagquery

import "fmt"

// ErrorKind classifies tag-expression parse failures.
type ErrorKind string

const (
	// KindEmptyExpression indicates the input contained no tokens.
	KindEmptyExpression ErrorKind = "empty_expression"
	// KindUnbalancedParens indicates a missing or extra parenthesis.
	KindUnbalancedParens ErrorKind = "unbalanced_parens"
	// KindUnexpectedCharacter indicates a character the lexer cannot place.
	KindUnexpectedCharacter ErrorKind = "unexpected_character"
	// KindDanglingOperator indicates an operator with a missing operand.
	KindDanglingOperator ErrorKind = "dangling_operator"
)

// ParseError reports a tag-expression parse failure with the byte offset of
// the offending token for diagnostics.
type ParseError struct {
	Kind   ErrorKind
	Offset int
	Detail string
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("tag expression: %s at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func parseErr(kind ErrorKind, offset int, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

type tokenType int

const (
	tokEOF tokenType = iota
	tokTag
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	typ    tokenType
	text   string
	offset int
}

func isTagStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func isTagChar(c byte) bool {
	return isTagStart(c) || c == '-'
}

// lex tokenizes a tag expression. The dash is context-sensitive: it is a NOT
// operator only at the start of the expression or immediately after another
// operator or an opening paren; inside a word it is part of the tag name.
func lex(input string) ([]token, *ParseError) {
	var tokens []token

	// prevAllowsNot is true when a dash in this position is a NOT prefix.
	prevAllowsNot := true

	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			prevAllowsNot = true
			i++

		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			prevAllowsNot = false
			i++

		case c == '+':
			tokens = append(tokens, token{tokAnd, "+", i})
			prevAllowsNot = true
			i++

		case c == ',':
			tokens = append(tokens, token{tokOr, ",", i})
			prevAllowsNot = true
			i++

		case c == '!':
			tokens = append(tokens, token{tokNot, "!", i})
			prevAllowsNot = true
			i++

		case c == '&':
			if i+1 >= len(input) || input[i+1] != '&' {
				return nil, parseErr(KindUnexpectedCharacter, i, "single '&' (use '&&' or 'and')")
			}
			tokens = append(tokens, token{tokAnd, "&&", i})
			prevAllowsNot = true
			i += 2

		case c == '|':
			if i+1 >= len(input) || input[i+1] != '|' {
				return nil, parseErr(KindUnexpectedCharacter, i, "single '|' (use '||' or 'or')")
			}
			tokens = append(tokens, token{tokOr, "||", i})
			prevAllowsNot = true
			i += 2

		case c == '-':
			if !prevAllowsNot {
				return nil, parseErr(KindUnexpectedCharacter, i, "dash may only negate at expression or group start")
			}
			tokens = append(tokens, token{tokNot, "-", i})
			i++

		case isTagStart(c):
			start := i
			for i < len(input) && isTagChar(input[i]) {
				i++
			}
			word := input[start:i]
			switch Normalize(word) {
			case "and":
				tokens = append(tokens, token{tokAnd, word, start})
				prevAllowsNot = true
			case "or":
				tokens = append(tokens, token{tokOr, word, start})
				prevAllowsNot = true
			case "not":
				tokens = append(tokens, token{tokNot, word, start})
				prevAllowsNot = true
			default:
				tokens = append(tokens, token{tokTag, word, start})
				prevAllowsNot = false
			}

		default:
			return nil, parseErr(KindUnexpectedCharacter, i, "unexpected character %q", string(c))
		}
	}

	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}
