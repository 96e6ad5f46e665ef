package tagquery

import "sort"

// ReferencedTags returns the sorted, de-duplicated set of tag names a query
// mentions, including tags inside $advanced sub-expressions (when they
// parse). Used by preset diagnostics.
func (q *Query) ReferencedTags() []string {
	seen := make(map[string]struct{})
	visited := make(map[*Query]bool)
	q.collectTags(seen, visited)

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func (q *Query) collectTags(seen map[string]struct{}, visited map[*Query]bool) {
	if q == nil || visited[q] {
		return
	}
	visited[q] = true

	switch q.Kind {
	case QueryKindTag:
		seen[Normalize(q.Tag)] = struct{}{}
	case QueryKindIn:
		for _, t := range q.In {
			seen[Normalize(t)] = struct{}{}
		}
	case QueryKindOr, QueryKindAnd, QueryKindNot:
		for _, c := range q.Children {
			c.collectTags(seen, visited)
		}
	case QueryKindAdvanced:
		if expr, err := Parse(q.Advanced); err == nil {
			collectExprTags(expr, seen)
		}
	}
}

func collectExprTags(e Expr, seen map[string]struct{}) {
	switch n := e.(type) {
	case *TagExpr:
		seen[Normalize(n.Name)] = struct{}{}
	case *AndExpr:
		collectExprTags(n.Left, seen)
		collectExprTags(n.Right, seen)
	case *OrExpr:
		collectExprTags(n.Left, seen)
		collectExprTags(n.Right, seen)
	case *NotExpr:
		collectExprTags(n.Child, seen)
	}
}
