package model

import "encoding/json"

// Field names recognized in Slips alert records.
const (
	FieldID         = "ID"
	FieldStatus     = "Status"
	FieldCorrelID   = "CorrelID"
	FieldNote       = "Note"
	FieldAnalyzer   = "Analyzer"
	FieldStartTime  = "StartTime"
	FieldCreateTime = "CreateTime"

	// StatusIncident is the Status value that marks an incident record.
	StatusIncident = "Incident"
)

// RawLine is one complete line read from the watched file, not yet validated.
type RawLine struct {
	Text   string
	Source string // canonical path of the file it came from
	Offset int64  // byte offset of the line start, -1 when unknown
}

// Alert is a decoded alert record. Keys are field names, values are
// JSON-compatible: string, json.Number, bool, nil, []any, map[string]any.
type Alert map[string]any

// Status returns the Status field when it is a string.
func (a Alert) Status() (string, bool) {
	s, ok := a[FieldStatus].(string)
	return s, ok
}

// ID returns the ID field rendered as a string.
func (a Alert) ID() string {
	switch v := a[FieldID].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

// Analyzer returns the Analyzer field, or "" when absent or not a string.
func (a Alert) Analyzer() string {
	if s, ok := a[FieldAnalyzer].(string); ok {
		return s
	}
	if m, ok := a[FieldAnalyzer].(map[string]any); ok {
		if name, ok := m["Name"].(string); ok {
			return name
		}
	}
	return ""
}

// CorrelIDs returns the CorrelID list, or nil when it is missing or not a list.
func (a Alert) CorrelIDs() []any {
	ids, _ := a[FieldCorrelID].([]any)
	return ids
}
