package tailer

import (
	"fmt"
	"sync"
)

// Cursor is the byte offset up to which the tailed file has been consumed.
// It only moves forward; Reset is the single way back.
type Cursor struct {
	mu     sync.Mutex
	offset int64
}

// Offset returns the current position.
func (c *Cursor) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Advance moves the cursor to offset. Moving backwards is an error.
func (c *Cursor) Advance(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset < c.offset {
		return fmt.Errorf("cursor cannot move backwards: %d -> %d", c.offset, offset)
	}
	c.offset = offset
	return nil
}

// Reset sets the cursor to offset unconditionally.
func (c *Cursor) Reset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
}
