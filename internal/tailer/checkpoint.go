package tailer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// ErrCheckpointLocked is returned when another process holds the checkpoint.
var ErrCheckpointLocked = errors.New("checkpoint is locked by another monitor")

// checkpointData is the on-disk JSON structure for persisted offsets.
type checkpointData struct {
	Offsets map[string]int64 `json:"offsets"`
}

// Checkpoint persists tail offsets so a restarted monitor resumes where the
// previous one stopped. The file is held under an exclusive lock while open.
type Checkpoint struct {
	mu   sync.RWMutex
	path string
	data checkpointData
	lock *flock.Flock
}

// OpenCheckpoint locks and loads the checkpoint file at path. A missing or
// unreadable file yields an empty checkpoint.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock checkpoint: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointLocked, path)
	}

	c := &Checkpoint{
		path: path,
		data: checkpointData{Offsets: make(map[string]int64)},
		lock: lock,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		_ = json.Unmarshal(raw, &c.data)
	}
	if c.data.Offsets == nil {
		c.data.Offsets = make(map[string]int64)
	}

	return c, nil
}

// Get returns the saved offset for a file path.
func (c *Checkpoint) Get(path string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data.Offsets[path]
	return v, ok
}

// Set records the offset for a file path.
func (c *Checkpoint) Set(path string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Offsets[path] = offset
}

// Save writes the offsets to disk via a temp file and rename.
func (c *Checkpoint) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Close saves the offsets and releases the lock.
func (c *Checkpoint) Close() error {
	saveErr := c.Save()
	if err := c.lock.Unlock(); err != nil {
		return errors.Join(saveErr, fmt.Errorf("unlock checkpoint: %w", err))
	}
	return saveErr
}
