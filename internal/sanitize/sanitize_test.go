package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "already valid", input: "solutions", want: "solutions"},
		{name: "uppercase", input: "Solutions", want: "solutions"},
		{name: "spaces", input: "verified solutions", want: "verified_solutions"},
		{name: "dots and dashes", input: "arbiter.v2-archive", want: "arbiter_v2_archive"},
		{name: "runs collapsed", input: "a___b", want: "a_b"},
		{name: "edges trimmed", input: "_a_", want: "a"},
		{name: "empty", input: "", want: DefaultIdentifier},
		{name: "nothing usable", input: "!!!", want: DefaultIdentifier},
		{name: "non ascii", input: "lösungen", want: "l_sungen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.input))
		})
	}
}

func TestIdentifier_LongNamesKeepDistinct(t *testing.T) {
	a := Identifier(strings.Repeat("x", 100) + "a")
	b := Identifier(strings.Repeat("x", 100) + "b")

	assert.Len(t, a, MaxIdentifierLength)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, strings.Repeat("x", MaxIdentifierLength-HashSuffixLength)))
	assert.Equal(t, a, Identifier(strings.Repeat("x", 100)+"a"), "deterministic")
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "run-1", want: "run-1"},
		{input: "", want: EmptyToken},
		{input: "a.b", want: "a_b"},
		{input: "a*b>c", want: "a_b_c"},
		{input: "two words\n", want: "two_words_"},
		{input: "Approach-01", want: "Approach-01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubjectToken(tt.input), tt.input)
	}
}
