package pattern

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassify_Exact(t *testing.T) {
	tests := []struct {
		name     string
		template string
		line     string
		want     Kind
	}{
		{"identical", "Hello world", "Hello world", Deterministic},
		{"different", "Hello world", "Hello World", NoMatch},
		{"regex metacharacters are literal", "a.b+c(d)", "a.b+c(d)", Deterministic},
		{"metacharacters do not act as regex", "a.b", "axb", NoMatch},
		{"empty template matches empty line", "", "", Deterministic},
		{"empty template rejects text", "", "x", NoMatch},
		{"partial line", "OK", "OK!", NoMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.template)
			require.NoError(t, err)

			res := p.Classify(tt.line)
			assert.Equal(t, tt.want, res.Kind)
			assert.Equal(t, tt.line, res.Text)
			assert.Empty(t, res.Captured)
		})
	}
}

func TestClassify_Wildcard(t *testing.T) {
	p := MustCompile("OK***DONE")
	require.True(t, p.HasWildcard())

	res := p.Classify("OK123DONE")
	assert.Equal(t, NonDeterministic, res.Kind)
	assert.True(t, res.Matched())
	assert.Equal(t, "OKDONE", res.Text)
	assert.Equal(t, "123", res.Captured)
	assert.Equal(t, "OK", res.Prefix)
	assert.Equal(t, "DONE", res.Suffix)
}

func TestClassify_WildcardCapturesAnything(t *testing.T) {
	p := MustCompile("temp=*** C [ok]")

	for _, captured := range []string{"", "21.5", "***", "a b c", "[ok]"} {
		res := p.Classify("temp=" + captured + " C [ok]")
		require.Equal(t, NonDeterministic, res.Kind, captured)
		assert.Equal(t, captured, res.Captured)
		assert.Equal(t, "temp= C [ok]", res.Text)
	}
}

func TestClassify_WildcardNoMatchReturnsRawLine(t *testing.T) {
	p := MustCompile("OK***DONE")

	res := p.Classify("FAIL 12 DONE")
	assert.Equal(t, NoMatch, res.Kind)
	assert.Equal(t, "FAIL 12 DONE", res.Text)
}

func TestClassify_WildcardOnly(t *testing.T) {
	p := MustCompile("***")

	res := p.Classify("anything at all")
	assert.Equal(t, NonDeterministic, res.Kind)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, "anything at all", res.Captured)
}

func TestCompile_MultipleWildcards(t *testing.T) {
	_, err := Compile("a***b***c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMultipleWildcards))
}

func TestMatcher_LogsCapturedValue(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMatcher(zap.New(core))

	res, err := m.Classify("value: ***", "value: 42")
	require.NoError(t, err)
	assert.Equal(t, "42", res.Captured)

	entries := logs.FilterField(zap.String("captured", "42")).All()
	assert.Len(t, entries, 1)

	p1, err := m.Pattern("value: ***")
	require.NoError(t, err)
	p2, err := m.Pattern("value: ***")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestMatcher_RejectsMultipleWildcards(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	res, err := m.Classify("***-***", "1-2")
	require.ErrorIs(t, err, ErrMultipleWildcards)
	assert.Equal(t, NoMatch, res.Kind)
	assert.Equal(t, "1-2", res.Text)
}
