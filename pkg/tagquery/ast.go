// Package tagquery parses and evaluates boolean tag expressions and
// structured tag queries against server tag sets.
//
// Surface syntax (operators are case-insensitive):
//
//	AND: +  &&  and
//	OR:  ,  ||  or
//	NOT: !  -   not   (dash only at start of expression or after an operator/paren)
//	Grouping with parentheses. Precedence tight→loose: NOT, AND, OR.
package tagquery

import "strings"

// TagSet is a normalized set of server tags.
type TagSet map[string]struct{}

// NewTagSet normalizes (trim + lowercase) the given tags into a set.
// Empty tags are dropped.
func NewTagSet(tags []string) TagSet {
	set := make(TagSet, len(tags))
	for _, t := range tags {
		n := Normalize(t)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set contains the normalized form of tag.
func (s TagSet) Has(tag string) bool {
	_, ok := s[Normalize(tag)]
	return ok
}

// Normalize trims surrounding whitespace and lowercases a tag.
func Normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Expr is a parsed tag expression node.
type Expr interface {
	// Eval evaluates the expression against a normalized tag set.
	Eval(tags TagSet) bool
	// String formats the expression back into parseable surface syntax.
	String() string

	// precedence is used by String to decide where parentheses are needed.
	precedence() int
}

// Operator precedence levels, loose to tight.
const (
	precOr = iota + 1
	precAnd
	precNot
	precAtom
)

// TagExpr matches a single tag.
type TagExpr struct {
	Name string
}

// AndExpr is a binary conjunction. The parser produces left-associative chains.
type AndExpr struct {
	Left, Right Expr
}

// OrExpr is a binary disjunction. The parser produces left-associative chains.
type OrExpr struct {
	Left, Right Expr
}

// NotExpr negates its child.
type NotExpr struct {
	Child Expr
}

// Eval implements Expr.
func (e *TagExpr) Eval(tags TagSet) bool { return tags.Has(e.Name) }

// Eval implements Expr. Short-circuits on the left operand.
func (e *AndExpr) Eval(tags TagSet) bool { return e.Left.Eval(tags) && e.Right.Eval(tags) }

// Eval implements Expr. Short-circuits on the left operand.
func (e *OrExpr) Eval(tags TagSet) bool { return e.Left.Eval(tags) || e.Right.Eval(tags) }

// Eval implements Expr.
func (e *NotExpr) Eval(tags TagSet) bool { return !e.Child.Eval(tags) }

func (e *TagExpr) precedence() int { return precAtom }
func (e *AndExpr) precedence() int { return precAnd }
func (e *OrExpr) precedence() int  { return precOr }
func (e *NotExpr) precedence() int { return precNot }

func (e *TagExpr) String() string { return Normalize(e.Name) }

func (e *AndExpr) String() string {
	return child(e.Left, precAnd) + " and " + child(e.Right, precAnd+1)
}

func (e *OrExpr) String() string {
	return child(e.Left, precOr) + " or " + child(e.Right, precOr+1)
}

func (e *NotExpr) String() string {
	return "not " + child(e.Child, precNot)
}

// child formats a sub-expression, parenthesizing when its precedence is
// looser than the surrounding context requires. min is the loosest
// precedence allowed without parens.
func child(e Expr, min int) string {
	if e.precedence() < min {
		return "(" + e.String() + ")"
	}
	return e.String()
}

// Evaluate parses the tags into a set and evaluates the expression.
func Evaluate(e Expr, tags []string) bool {
	return e.Eval(NewTagSet(tags))
}

// EvaluateExpression parses and evaluates a tag expression string.
func EvaluateExpression(expr string, tags []string) (bool, error) {
	ast, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return Evaluate(ast, tags), nil
}
