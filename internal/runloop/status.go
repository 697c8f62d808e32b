package runloop

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"ralph/internal/driver"
)

// StatusRecord is the Runner Status document written to the status
// file on every transition: spec.md §6.1 names exactly this field set
// — state, iteration, storyId, model, startTime, lastActivity, error,
// retryIn, pid — plus retryClass, which the spec doesn't name but is
// useful alongside retryIn to say which error class triggered the
// cooldown.
type StatusRecord struct {
	State        driver.StatusState `json:"state"`
	Iteration    int                `json:"iteration"`
	StoryID      string             `json:"storyId,omitempty"`
	Model        string             `json:"model"`
	StartTime    time.Time          `json:"startTime"`
	LastActivity time.Time          `json:"lastActivity"`
	Error        string             `json:"error,omitempty"`
	RetryIn      float64            `json:"retryIn,omitempty"`
	RetryClass   string             `json:"retryClass,omitempty"`
	Pid          int                `json:"pid,omitempty"`
}

// StatusFile is the single writer for the status file: an
// implementation-defined stable path, rewritten on every transition,
// removed on clean exit (spec.md §6.1).
type StatusFile struct {
	path string
	mu   sync.Mutex
}

// NewStatusFile creates a StatusFile at path. A common default is
// "/tmp/ralph-status-<pid>.json"; callers construct the exact path.
func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

// DefaultPath returns the spec's suggested default status path for
// the current process.
func DefaultPath() string {
	return fmt.Sprintf("/tmp/ralph-status-%d.json", os.Getpid())
}

// Write rewrites the status file as a whole document.
func (sf *StatusFile) Write(rec StatusRecord) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	rec.LastActivity = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(sf.path, data, 0o644); err != nil {
		return fmt.Errorf("write status file %s: %w", sf.path, err)
	}
	return nil
}

// Remove deletes the status file on clean exit. A missing file is not
// an error.
func (sf *StatusFile) Remove() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.Remove(sf.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status file %s: %w", sf.path, err)
	}
	return nil
}

// Path returns the status file's on-disk path.
func (sf *StatusFile) Path() string { return sf.path }
