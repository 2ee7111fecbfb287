package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

func sampleAlert() model.Alert {
	return model.Alert{
		"ID":        "6c1b",
		"Status":    "Incident",
		"Analyzer":  "Slips",
		"CorrelID":  []any{"a", "b"},
		"Note":      map[string]any{"threat_level": "high"},
		"StartTime": "2026-02-17T12:00:00Z",
	}
}

func TestJSONRenderer(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONRenderer(&buf, false)

	require.NoError(t, r.Render(sampleAlert()))

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got), buf.String())
	assert.Equal(t, "6c1b", got["ID"])
	assert.Equal(t, "high", got["Note"].(map[string]any)["threat_level"])
}

func TestJSONRendererPretty(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONRenderer(&buf, true)

	require.NoError(t, r.Render(model.Alert{"ID": "x", "CorrelID": []any{json.Number("1")}}))
	assert.Contains(t, buf.String(), "\n  \"CorrelID\": [\n    1\n  ]")
}

func TestTextRenderer(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextRenderer(&buf)
	r.now = func() time.Time { return time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, r.Render(sampleAlert()))

	out := buf.String()
	assert.Contains(t, out, "12:00:00")
	assert.Contains(t, out, "Incident")
	assert.Contains(t, out, "6c1b")
	assert.Contains(t, out, "Slips")
	assert.Contains(t, out, "correlated=2")
	assert.Contains(t, out, `note={"threat_level":"high"}`)
}

func TestTextRendererLongNote(t *testing.T) {
	var buf bytes.Buffer
	r := NewTextRenderer(&buf)

	require.NoError(t, r.Render(model.Alert{"ID": "x", "Note": strings.Repeat("n", 500)}))
	assert.Contains(t, buf.String(), "...")
	assert.Less(t, len(buf.String()), 300)
}

func TestSummarizeCutsOnRunes(t *testing.T) {
	s := summarize(strings.Repeat("é", 200))
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, maxNoteWidth, utf8.RuneCountInString(s))
	assert.True(t, strings.HasSuffix(s, "..."))

	short := "ünïcode"
	assert.Equal(t, short, summarize(short))
}

func TestNew(t *testing.T) {
	r, err := New("JSON", &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.IsType(t, &JSONRenderer{}, r)

	r, err = New("", &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.IsType(t, &TextRenderer{}, r)

	_, err = New("xml", &bytes.Buffer{}, false)
	assert.Error(t, err)
}
