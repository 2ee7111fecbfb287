package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

// Renderer writes alerts to an output stream.
type Renderer interface {
	Render(alert model.Alert) error
}

// New returns the renderer for format ("text" or "json").
func New(format string, w io.Writer, pretty bool) (Renderer, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return NewTextRenderer(w), nil
	case "json":
		return NewJSONRenderer(w, pretty), nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

// ---------------------------------------------------------------------------
// Text Renderer (colorized terminal output)
// ---------------------------------------------------------------------------

var (
	styleIncident = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("196")).
			Bold(true) // white on red
	styleOther    = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow
	styleID       = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Faint(true)
	styleAnalyzer = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

const maxNoteWidth = 120

// TextRenderer prints one colorized line per alert.
type TextRenderer struct {
	w   io.Writer
	now func() time.Time
}

// NewTextRenderer returns a Renderer writing colorized text to w.
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w, now: time.Now}
}

func (r *TextRenderer) Render(alert model.Alert) error {
	status, _ := alert.Status()
	if status == "" {
		status = "-"
	}

	parts := []string{
		r.now().Format("15:04:05"),
		styleStatus(status),
		styleID.Render(alert.ID()),
	}
	if analyzer := alert.Analyzer(); analyzer != "" {
		parts = append(parts, styleAnalyzer.Render(analyzer))
	}
	if ids := alert.CorrelIDs(); ids != nil {
		parts = append(parts, fmt.Sprintf("correlated=%d", len(ids)))
	}
	if note, ok := alert[model.FieldNote]; ok {
		parts = append(parts, "note="+summarize(note))
	}

	_, err := fmt.Fprintln(r.w, strings.Join(parts, " "))
	return err
}

func styleStatus(status string) string {
	padded := fmt.Sprintf("%-8s", status)
	if status == model.StatusIncident {
		return styleIncident.Render(padded)
	}
	return styleOther.Render(padded)
}

// summarize renders v as compact JSON cut to maxNoteWidth.
func summarize(v any) string {
	var s string
	if str, ok := v.(string); ok {
		s = str
	} else {
		raw, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(raw)
		}
	}
	if utf8.RuneCountInString(s) > maxNoteWidth {
		s = string([]rune(s)[:maxNoteWidth-3]) + "..."
	}
	return s
}

// ---------------------------------------------------------------------------
// JSON Renderer (structured output for piping)
// ---------------------------------------------------------------------------

// JSONRenderer writes each alert as JSON, one object per line unless pretty.
type JSONRenderer struct {
	enc *json.Encoder
}

// NewJSONRenderer returns a Renderer writing JSON to w.
func NewJSONRenderer(w io.Writer, pretty bool) *JSONRenderer {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return &JSONRenderer{enc: enc}
}

func (r *JSONRenderer) Render(alert model.Alert) error {
	return r.enc.Encode(alert)
}
