package tagquery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_Matches(t *testing.T) {
	tags := []string{"web", "api"}

	tests := []struct {
		name  string
		query *Query
		want  bool
	}{
		{"tag present", NewTag("web"), true},
		{"tag absent", NewTag("db"), false},
		{"tag case-insensitive", NewTag("WEB"), true},
		{"in overlaps", NewIn("db", "api"), true},
		{"in disjoint", NewIn("db", "cache"), false},
		{"or any", NewOr(NewTag("db"), NewTag("api")), true},
		{"or none", NewOr(NewTag("db"), NewTag("cache")), false},
		{"and all", NewAnd(NewTag("web"), NewTag("api")), true},
		{"and partial", NewAnd(NewTag("web"), NewTag("db")), false},
		{"not", NewNot(NewTag("db")), true},
		{"advanced", NewAdvanced("web and !db"), true},
		{"nested", NewAnd(NewOr(NewTag("db"), NewTag("web")), NewNot(NewTag("cache"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query.Matches(tags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuery_Matches_AdvancedParseError(t *testing.T) {
	_, err := NewAdvanced("a and").Matches([]string{"a"})
	require.Error(t, err)
}

func TestQuery_JSONRoundTrip(t *testing.T) {
	q := NewAnd(
		NewOr(NewTag("web"), NewIn("api", "grpc")),
		NewNot(NewTag("test")),
		NewAdvanced("a or b"),
	)

	data, err := json.Marshal(q)
	require.NoError(t, err)

	var back Query
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, q, &back)
}

func TestQuery_UnmarshalWireFormat(t *testing.T) {
	raw := `{"$or": [{"tag": "Web"}, {"$in": ["api"]}, {"$not": {"tag": "test"}}, {"$advanced": "a + b"}]}`

	var q Query
	require.NoError(t, json.Unmarshal([]byte(raw), &q))
	require.Equal(t, QueryKindOr, q.Kind)
	require.Len(t, q.Children, 4)
	assert.Equal(t, "web", q.Children[0].Tag) // normalized on decode
	assert.Equal(t, []string{"api"}, q.Children[1].In)
	assert.Equal(t, QueryKindNot, q.Children[2].Kind)
	assert.Equal(t, "a + b", q.Children[3].Advanced)
}

func TestQuery_UnmarshalRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown key", `{"$xor": []}`},
		{"two keys", `{"tag": "a", "$in": ["b"]}`},
		{"zero keys", `{}`},
		{"not an object", `["tag"]`},
		{"tag not a string", `{"tag": 7}`},
		{"in not an array", `{"$in": "web"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Query
			assert.Error(t, json.Unmarshal([]byte(tt.raw), &q))
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name     string
		query    *Query
		wantErrs int
	}{
		{"valid tree", NewAnd(NewTag("a"), NewNot(NewTag("b"))), 0},
		{"empty or", NewOr(), 1},
		{"empty and", NewAnd(), 1},
		{"empty in", NewIn(), 1},
		{"empty tag", NewTag(""), 1},
		{"bad advanced", NewAdvanced("(("), 1},
		{"not without child", &Query{Kind: QueryKindNot}, 1},
		{"multiple violations collected", NewAnd(NewOr(), NewIn(), NewTag("")), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, tt.query.Validate(), tt.wantErrs)
		})
	}
}

func TestQuery_Validate_DetectsCycle(t *testing.T) {
	a := NewOr(NewTag("x"))
	b := NewAnd(a)
	a.Children = append(a.Children, b) // manual cycle, not expressible in JSON

	errs := a.Validate()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "cycle")
}
