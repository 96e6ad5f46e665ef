package tagquery

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var exprType = reflect.TypeOf((*Expr)(nil)).Elem()

// tagUniverse is the pool of tag names used by the generators. Keeping it
// small makes collisions (and therefore interesting evaluations) likely.
var tagUniverse = []string{"web", "api", "db", "cache", "test", "prod", "edge-1"}

func genTagName() gopter.Gen {
	return gen.OneConstOf(
		tagUniverse[0], tagUniverse[1], tagUniverse[2], tagUniverse[3],
		tagUniverse[4], tagUniverse[5], tagUniverse[6],
	)
}

// genExpr generates a random expression tree up to the given depth.
func genExpr(depth int) gopter.Gen {
	if depth <= 0 {
		return genTagName().Map(func(name string) Expr {
			return &TagExpr{Name: name}
		})
	}
	return gen.IntRange(0, 3).FlatMap(func(v any) gopter.Gen {
		switch v.(int) {
		case 0:
			return genTagName().Map(func(name string) Expr {
				return &TagExpr{Name: name}
			})
		case 1:
			return genExpr(depth - 1).Map(func(child Expr) Expr {
				return &NotExpr{Child: child}
			})
		case 2:
			return gopter.CombineGens(genExpr(depth-1), genExpr(depth-1)).
				Map(func(vs []any) Expr {
					return &AndExpr{Left: vs[0].(Expr), Right: vs[1].(Expr)}
				})
		default:
			return gopter.CombineGens(genExpr(depth-1), genExpr(depth-1)).
				Map(func(vs []any) Expr {
					return &OrExpr{Left: vs[0].(Expr), Right: vs[1].(Expr)}
				})
		}
	}, exprType)
}

// genTags generates a random subset of the tag universe.
func genTags() gopter.Gen {
	return gen.SliceOf(genTagName())
}

// Formatting an expression and reparsing it must preserve evaluation
// semantics for every tag set.
func TestProperty_FormatParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluate(parse(toString(e))) == evaluate(e)", prop.ForAll(
		func(e Expr, tags []string) bool {
			reparsed, err := Parse(e.String())
			if err != nil {
				return false
			}
			return Evaluate(reparsed, tags) == Evaluate(e, tags)
		},
		genExpr(4),
		genTags(),
	))

	properties.TestingRun(t)
}

// De Morgan: !(a && b) == !a || !b and !(a || b) == !a && !b.
func TestProperty_DeMorgan(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("not(and) == or(nots)", prop.ForAll(
		func(a, b Expr, tags []string) bool {
			lhs := &NotExpr{Child: &AndExpr{Left: a, Right: b}}
			rhs := &OrExpr{
				Left:  &NotExpr{Child: a},
				Right: &NotExpr{Child: b},
			}
			return Evaluate(lhs, tags) == Evaluate(rhs, tags)
		},
		genExpr(3),
		genExpr(3),
		genTags(),
	))

	properties.Property("not(or) == and(nots)", prop.ForAll(
		func(a, b Expr, tags []string) bool {
			lhs := &NotExpr{Child: &OrExpr{Left: a, Right: b}}
			rhs := &AndExpr{
				Left:  &NotExpr{Child: a},
				Right: &NotExpr{Child: b},
			}
			return Evaluate(lhs, tags) == Evaluate(rhs, tags)
		},
		genExpr(3),
		genExpr(3),
		genTags(),
	))

	properties.TestingRun(t)
}

// The structured query and the expression engine must agree where their
// semantics overlap.
func TestProperty_QueryMatchesExpression(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Advanced(e.String()) == evaluate(e)", prop.ForAll(
		func(e Expr, tags []string) bool {
			got, err := NewAdvanced(e.String()).Matches(tags)
			if err != nil {
				return false
			}
			return got == Evaluate(e, tags)
		},
		genExpr(4),
		genTags(),
	))

	properties.TestingRun(t)
}
