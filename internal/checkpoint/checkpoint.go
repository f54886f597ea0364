package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tracker keeps the last successful poll time of one account.
// The timestamp is persisted to a file so it survives restarts.
type Tracker struct {
	mu   sync.Mutex
	last time.Time
	file string
}

// NewTracker loads (or creates) a tracker backed by filePath.
func NewTracker(filePath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	t := &Tracker{file: filePath}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	line := strings.TrimSpace(string(data))
	if line == "" {
		return t, nil
	}
	last, err := time.Parse(time.RFC3339Nano, line)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %q: %w", line, err)
	}
	t.last = last
	return t, nil
}

// LastCheck returns the stored timestamp, if any.
func (t *Tracker) LastCheck() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, !t.last.IsZero()
}

// Save records ts and persists it. The file is replaced atomically.
func (t *Tracker) Save(ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tmp := t.file + ".tmp"
	if err := os.WriteFile(tmp, []byte(ts.UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, t.file); err != nil {
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	t.last = ts
	return nil
}
