package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePredicate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		want Predicate
	}{
		{
			expr: "{{subject}} contains 'urgent'",
			want: Predicate{Path: "subject", Op: OpContains, Literal: "urgent"},
		},
		{
			expr: `{{from}} equals "boss@example.com"`,
			want: Predicate{Path: "from", Op: OpEquals, Literal: "boss@example.com"},
		},
		{
			expr: "{{body}} not contains 'unsubscribe'",
			want: Predicate{Path: "body", Op: OpNotContains, Literal: "unsubscribe"},
		},
		{
			expr: "{{state}} not equals 'closed'",
			want: Predicate{Path: "state", Op: OpNotEquals, Literal: "closed"},
		},
		{
			expr: "  {{ nested.field }} equals ''  ",
			want: Predicate{Path: "nested.field", Op: OpEquals, Literal: ""},
		},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePredicate(tc.expr)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePredicateRejects(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"",
		"subject contains 'urgent'",
		"{{subject}} includes 'urgent'",
		"{{subject}} contains urgent",
		"{{subject}} contains 'unterminated",
		"{{subject}}contains 'urgent'",
		"{{}} contains 'urgent'",
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			assert.False(t, ValidPredicate(expr))
		})
	}
}
