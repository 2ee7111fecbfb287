package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

var (
	// ErrDecode is returned when a line is not a JSON object.
	ErrDecode = errors.New("decode error")
	// ErrStatusMismatch is returned when the Status filter rejects a record.
	ErrStatusMismatch = errors.New("status mismatch")
)

// maxNoteDepth bounds how many times a Note string is unwrapped when it
// decodes to yet another JSON string.
const maxNoteDepth = 4

// Options controls the normalization pipeline.
type Options struct {
	// FilterStatus drops records whose Status is present and differs
	// from ExpectedStatus.
	FilterStatus   bool
	ExpectedStatus string

	// OnNoteError is called when a Note string fails to decode.
	// The record is still emitted with the original string.
	OnNoteError func(err error)
}

// DefaultOptions filters on Status == "Incident".
func DefaultOptions() Options {
	return Options{
		FilterStatus:   true,
		ExpectedStatus: model.StatusIncident,
	}
}

// Normalizer turns raw lines into alerts: decode, filter by status,
// dedup CorrelID, decode the nested Note.
type Normalizer struct {
	opts   Options
	logger zerolog.Logger
}

// New returns a Normalizer logging through the global zerolog logger.
func New(opts Options) *Normalizer {
	return NewWithLogger(opts, log.Logger)
}

// NewWithLogger returns a Normalizer that reports through logger.
func NewWithLogger(opts Options, logger zerolog.Logger) *Normalizer {
	if opts.FilterStatus && opts.ExpectedStatus == "" {
		opts.ExpectedStatus = model.StatusIncident
	}
	return &Normalizer{
		opts:   opts,
		logger: logger.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize runs the pipeline on a single line. A failing step aborts the
// rest for this line only. A Note decode failure is not an error.
func (n *Normalizer) Normalize(raw string) (model.Alert, error) {
	alert, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	if n.opts.FilterStatus {
		if v, present := alert[model.FieldStatus]; present {
			if s, ok := v.(string); !ok || s != n.opts.ExpectedStatus {
				return nil, fmt.Errorf("%w: got %v, want %q", ErrStatusMismatch, v, n.opts.ExpectedStatus)
			}
		}
	}

	if ids, ok := alert[model.FieldCorrelID].([]any); ok {
		alert[model.FieldCorrelID] = Dedup(ids)
	}

	if note, ok := alert[model.FieldNote].(string); ok {
		decoded, err := DecodeNote(note)
		if err != nil {
			n.logger.Warn().Err(err).Str("id", alert.ID()).Msg("Note is not valid JSON, keeping original string")
			if n.opts.OnNoteError != nil {
				n.opts.OnNoteError(err)
			}
		} else {
			alert[model.FieldNote] = decoded
		}
	}

	return alert, nil
}

// Dedup returns values with later duplicates removed, keeping the order of
// first occurrences. Numbers are compared by value, so 1 and 1.0 are one
// element; everything else is compared by its JSON encoding.
func Dedup(values []any) []any {
	seen := make(map[string]struct{}, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		key := dedupKey(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupKey(v any) string {
	if num, ok := v.(json.Number); ok {
		if r, ok := new(big.Rat).SetString(num.String()); ok {
			return "n:" + r.RatString()
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return "j:" + string(raw)
}

// DecodeNote parses a JSON-encoded Note. When the result is itself a JSON
// string it is decoded again, up to maxNoteDepth levels.
func DecodeNote(note string) (any, error) {
	var decoded any = note
	for depth := 0; depth < maxNoteDepth; depth++ {
		s, ok := decoded.(string)
		if !ok {
			break
		}
		v, err := decodeValue(s)
		if err != nil {
			if depth == 0 {
				return nil, fmt.Errorf("decode Note: %w", err)
			}
			break
		}
		decoded = v
	}
	return decoded, nil
}

func decodeObject(raw string) (model.Alert, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is %s, not an object", ErrDecode, kind(v))
	}
	return model.Alert(obj), nil
}

// decodeValue decodes exactly one JSON value, keeping numbers as json.Number.
func decodeValue(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func kind(v any) string {
	switch v.(type) {
	case []any:
		return "an array"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
