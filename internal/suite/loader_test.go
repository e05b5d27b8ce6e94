package suite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/defliez/temperature-chamber/internal/pattern"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const benchmarkSuite = `{
  "tests": {
    "zeta_warmup": {
      "chamber_sequences": [{"temp": 50, "duration": 10}, {"temp": 80, "duration": 5}],
      "sketch": "blink/blink.ino",
      "expected_output": "OK***DONE"
    },
    "alpha_adc": {
      "chamber_sequences": [{"temp": 25.5, "duration": 0}],
      "expected_output": "adc ready"
    },
    "mid_uart": {
      "chamber_sequences": [{"temp": 40, "duration": 1}],
      "sketch": "/abs/uart.ino",
      "expected_output": ""
    }
  }
}`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func TestParse_PreservesDocumentOrder(t *testing.T) {
	l := newTestLoader(t)

	s, err := l.Parse("bench", []byte(benchmarkSuite), FormatJSON, "/tests")
	require.NoError(t, err)

	assert.Equal(t, "bench", s.Name)
	assert.Equal(t, []string{"zeta_warmup", "alpha_adc", "mid_uart"}, s.Names)

	_, first, ok := s.At(0)
	require.True(t, ok)
	assert.Equal(t, []types.ChamberStep{{Temp: 50, Duration: 10}, {Temp: 80, Duration: 5}}, first.ChamberSequences)
	assert.Equal(t, filepath.Join("/tests", "blink/blink.ino"), first.Sketch)
	assert.Equal(t, "OK***DONE", first.ExpectedOutput)

	_, second, _ := s.At(1)
	assert.Empty(t, second.Sketch)
	assert.Equal(t, 25.5, second.ChamberSequences[0].Temp)

	_, third, _ := s.At(2)
	assert.Equal(t, "/abs/uart.ino", third.Sketch)
}

func TestParse_NameFromDocument(t *testing.T) {
	l := newTestLoader(t)

	s, err := l.Parse("file", []byte(`{"name":"nightly","tests":{"a":{"chamber_sequences":[{"temp":20,"duration":1}],"expected_output":"x"}}}`), FormatJSON, "")
	require.NoError(t, err)
	assert.Equal(t, "nightly", s.Name)
}

func TestParse_YAML(t *testing.T) {
	l := newTestLoader(t)

	doc := `
tests:
  second:
    chamber_sequences:
      - temp: 30
        duration: 2
    expected_output: "value=***"
  first:
    chamber_sequences:
      - {temp: 10, duration: 0}
    sketch: first.ino
    expected_output: ready
`
	s, err := l.Parse("yaml", []byte(doc), FormatYAML, "/suite")
	require.NoError(t, err)

	assert.Equal(t, []string{"second", "first"}, s.Names)
	_, first, _ := s.At(1)
	assert.Equal(t, filepath.Join("/suite", "first.ino"), first.Sketch)
	assert.Equal(t, 2, s.Tests["second"].ChamberSequences[0].Duration)
}

func TestParse_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"tests":`},
		{"missing tests", `{}`},
		{"empty tests", `{"tests":{}}`},
		{"missing expected_output", `{"tests":{"a":{"chamber_sequences":[{"temp":1,"duration":1}]}}}`},
		{"empty sequences", `{"tests":{"a":{"chamber_sequences":[],"expected_output":"x"}}}`},
		{"negative duration", `{"tests":{"a":{"chamber_sequences":[{"temp":1,"duration":-1}],"expected_output":"x"}}}`},
		{"fractional duration", `{"tests":{"a":{"chamber_sequences":[{"temp":1,"duration":1.5}],"expected_output":"x"}}}`},
		{"string temp", `{"tests":{"a":{"chamber_sequences":[{"temp":"hot","duration":1}],"expected_output":"x"}}}`},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse("bad", []byte(tt.doc), FormatJSON, "")
			assert.Error(t, err)
		})
	}
}

func TestParse_RejectsMultipleWildcards(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.Parse("bad", []byte(`{"tests":{"a":{"chamber_sequences":[{"temp":1,"duration":1}],"expected_output":"a***b***c"}}}`), FormatJSON, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pattern.ErrMultipleWildcards))
}

func TestLoadFile(t *testing.T) {
	l := newTestLoader(t)
	dir := filepath.Join(l.Dir(), "nightly")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bench.json"), []byte(benchmarkSuite), 0o644))

	s, err := l.LoadFile("nightly/bench.json")
	require.NoError(t, err)

	assert.Equal(t, "bench", s.Name)
	assert.Equal(t, filepath.Join(dir, "blink/blink.ino"), s.Tests["zeta_warmup"].Sketch)
}

func TestResolve_RejectsTraversal(t *testing.T) {
	l := newTestLoader(t)

	for _, rel := range []string{"../etc/passwd", "a/../../x.json", "/etc/passwd"} {
		_, err := l.Resolve(rel)
		assert.ErrorIs(t, err, ErrOutsideDirectory, rel)
	}

	path, err := l.Resolve("a/b.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Dir(), "a", "b.json"), path)
}

func TestList(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, os.MkdirAll(filepath.Join(l.Dir(), "sub"), 0o755))
	for _, name := range []string{"b.json", "sub/a.yaml", "notes.txt", "blink.ino"} {
		require.NoError(t, os.WriteFile(filepath.Join(l.Dir(), name), []byte("{}"), 0o644))
	}

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.json", entries[0].Path)
	assert.Equal(t, "sub/a.yaml", entries[1].Path)
	assert.Equal(t, "a", entries[1].Name)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFor("x.YML"))
	assert.Equal(t, FormatYAML, FormatFor("x.yaml"))
	assert.Equal(t, FormatJSON, FormatFor("x.json"))
	assert.Equal(t, FormatJSON, FormatFor("x"))
}
