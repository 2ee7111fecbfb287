package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

// ErrNotOpen is returned by Next when the reader was never primed.
var ErrNotOpen = errors.New("reader is not open")

// LineReader yields complete lines from the watched file.
type LineReader interface {
	// Prime positions the reader on startup. With catchUp the lines
	// already in the file are returned; otherwise they are skipped
	// where the mode allows it.
	Prime(catchUp bool) ([]model.RawLine, error)
	// Next returns the lines to process after a change notification.
	Next() ([]model.RawLine, error)
	Close() error
}

// Options configures NewReader.
type Options struct {
	Mode       Mode
	Selection  Selection
	Checkpoint *Checkpoint // tail mode only, may be nil
	Logger     zerolog.Logger
}

// NewReader builds the LineReader for the given mode.
func NewReader(path string, opts Options) (LineReader, error) {
	switch opts.Mode {
	case ModeTail:
		return NewTailReader(path, opts.Checkpoint, opts.Logger), nil
	case ModeSnapshot:
		return NewSnapshotReader(path, opts.Selection), nil
	default:
		return nil, fmt.Errorf("unsupported mode %v", opts.Mode)
	}
}

// TailReader holds the file open and emits lines appended since the last
// read. A trailing line without its newline stays unread until completed.
type TailReader struct {
	path   string
	file   *os.File
	cursor Cursor
	ckpt   *Checkpoint
	logger zerolog.Logger
}

// NewTailReader creates a TailReader. The file is opened by Prime.
func NewTailReader(path string, ckpt *Checkpoint, logger zerolog.Logger) *TailReader {
	return &TailReader{
		path:   path,
		ckpt:   ckpt,
		logger: logger.With().Str("component", "tailer").Str("file", path).Logger(),
	}
}

// Offset returns the current cursor position.
func (r *TailReader) Offset() int64 {
	return r.cursor.Offset()
}

// Prime opens the file. Without catchUp the cursor starts at the
// checkpointed offset if there is one, else at end of file.
func (r *TailReader) Prime(catchUp bool) ([]model.RawLine, error) {
	if r.file == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", r.path, err)
		}
		r.file = f
	}

	info, err := r.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.path, err)
	}

	switch {
	case catchUp:
		r.cursor.Reset(0)
	case r.ckpt != nil:
		saved, ok := r.ckpt.Get(r.path)
		if !ok {
			r.cursor.Reset(info.Size())
			return nil, nil
		}
		if saved > info.Size() {
			r.logger.Warn().Int64("saved", saved).Int64("size", info.Size()).Msg("Checkpoint beyond end of file, reading from start")
			saved = 0
		}
		r.cursor.Reset(saved)
		r.logger.Debug().Int64("offset", saved).Msg("Resuming from checkpoint")
	default:
		r.cursor.Reset(info.Size())
		return nil, nil
	}

	return r.Next()
}

// Next reads from the cursor to EOF and returns the complete lines. When
// the path now names a different file, the rest of the old file is drained
// and reading restarts at offset 0 of the new one.
func (r *TailReader) Next() ([]model.RawLine, error) {
	if r.file == nil {
		return nil, ErrNotOpen
	}

	next, err := r.replacement()
	if err != nil {
		return nil, err
	}
	if next == nil {
		return r.readNew()
	}

	lines, err := r.readNew()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to drain replaced file")
	}
	_ = r.file.Close()
	r.file = next
	r.cursor.Reset(0)
	if r.ckpt != nil {
		r.ckpt.Set(r.path, 0)
	}
	r.logger.Warn().Msg("File was replaced, reading new file from start")

	more, err := r.readNew()
	if err != nil {
		return lines, err
	}
	return append(lines, more...), nil
}

// replacement opens the file now at path when it is not the one held open.
// It returns nil while the path is missing or unchanged.
func (r *TailReader) replacement() (*os.File, error) {
	current, err := os.Stat(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.path, err)
	}
	held, err := r.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.path, err)
	}
	if os.SameFile(current, held) {
		return nil, nil
	}

	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reopen %s: %w", r.path, err)
	}
	return f, nil
}

// readNew reads the held file from the cursor to EOF.
func (r *TailReader) readNew() ([]model.RawLine, error) {
	info, err := r.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.path, err)
	}

	offset := r.cursor.Offset()
	size := info.Size()
	if size < offset {
		r.logger.Warn().Int64("offset", offset).Int64("size", size).Msg("File shrank below cursor, assuming truncation")
		r.cursor.Reset(0)
		offset = 0
	}
	if size == offset {
		return nil, nil
	}

	buf := make([]byte, size-offset)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	buf = buf[:n]

	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil, nil
	}

	lines := splitLines(buf[:end+1], offset, r.path)
	if err := r.cursor.Advance(offset + int64(end) + 1); err != nil {
		return nil, err
	}
	if r.ckpt != nil {
		r.ckpt.Set(r.path, r.cursor.Offset())
	}
	return lines, nil
}

// Close releases the file handle.
func (r *TailReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// SnapshotReader re-reads the whole file on every change and returns the
// line chosen by its Selection. It keeps no cursor.
type SnapshotReader struct {
	path      string
	selection Selection
}

// NewSnapshotReader creates a SnapshotReader.
func NewSnapshotReader(path string, selection Selection) *SnapshotReader {
	return &SnapshotReader{path: path, selection: selection}
}

// Prime processes the current content regardless of catchUp.
func (r *SnapshotReader) Prime(bool) ([]model.RawLine, error) {
	return r.Next()
}

// Next returns the selected line of the current content.
func (r *SnapshotReader) Next() ([]model.RawLine, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	return r.selection.Pick(splitLines(raw, 0, r.path)), nil
}

func (r *SnapshotReader) Close() error { return nil }

// ReadAll returns every complete non-blank line of the file at path,
// including a final line without a trailing newline.
func ReadAll(path string) ([]model.RawLine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return splitLines(raw, 0, path), nil
}

// splitLines splits buf on newlines into trimmed, non-blank lines. base is
// the file offset of buf[0].
func splitLines(buf []byte, base int64, source string) []model.RawLine {
	var lines []model.RawLine
	start := 0
	for start < len(buf) {
		end := bytes.IndexByte(buf[start:], '\n')
		next := len(buf)
		if end >= 0 {
			next = start + end + 1
			end = start + end
		} else {
			end = len(buf)
		}
		text := bytes.TrimSpace(buf[start:end])
		if len(text) > 0 {
			lines = append(lines, model.RawLine{
				Text:   string(text),
				Source: source,
				Offset: base + int64(start),
			})
		}
		start = next
	}
	return lines
}
