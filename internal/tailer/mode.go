package tailer

import (
	"fmt"
	"strings"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

// Mode selects how the watched file is read on each change.
type Mode int

const (
	// ModeTail keeps the file open and reads only appended lines.
	ModeTail Mode = iota
	// ModeSnapshot re-reads the whole file and processes one selected line.
	ModeSnapshot
)

func (m Mode) String() string {
	switch m {
	case ModeTail:
		return "tail"
	case ModeSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "tail" or "snapshot".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tail", "":
		return ModeTail, nil
	case "snapshot":
		return ModeSnapshot, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want tail or snapshot)", s)
	}
}

// Selection picks which complete line of a snapshot is processed.
type Selection int

const (
	// SelectSecondToLast processes the line before the last one. Slips
	// appends a trailing record after the current incident, so the
	// current one is second from the end.
	SelectSecondToLast Selection = iota
	// SelectLast processes the final line.
	SelectLast
)

func (s Selection) String() string {
	switch s {
	case SelectSecondToLast:
		return "second-to-last"
	case SelectLast:
		return "last"
	default:
		return fmt.Sprintf("Selection(%d)", int(s))
	}
}

// ParseSelection accepts "last" or "second-to-last".
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "second-to-last", "":
		return SelectSecondToLast, nil
	case "last":
		return SelectLast, nil
	default:
		return 0, fmt.Errorf("unknown selection %q (want last or second-to-last)", s)
	}
}

// Pick returns the selected line, or nothing when there are too few lines.
func (s Selection) Pick(lines []model.RawLine) []model.RawLine {
	back := 1
	if s == SelectSecondToLast {
		back = 2
	}
	if len(lines) < back {
		return nil
	}
	return lines[len(lines)-back : len(lines)-back+1]
}
