// Package backlog implements the durable backlog state machine: the
// index of story ids, the per-story documents, and the transient
// update queue that external agents use to mutate the backlog.
package backlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// AcceptanceCriterion is one line of a story's acceptance criteria.
// Order is stable and meaningful for display; the engine never
// reorders this slice.
type AcceptanceCriterion struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// Story is one persistent unit of backlog work.
type Story struct {
	ID                 string                `json:"id"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptanceCriteria,omitempty"`
	Dependencies       []string              `json:"dependencies,omitempty"`
	BlockedBy          string                `json:"blockedBy,omitempty"`
	Passes             bool                  `json:"passes"`
	CompletedAt        *time.Time            `json:"completedAt,omitempty"`
	CompletedBy        string                `json:"completedBy,omitempty"`
	Model              string                `json:"model,omitempty"`
}

// TypePrefix returns the segment of the id before the first '-', the
// only part of a story id the engine interprets (e.g. "US", "BUG").
func (s *Story) TypePrefix() string {
	for i := 0; i < len(s.ID); i++ {
		if s.ID[i] == '-' {
			return s.ID[:i]
		}
	}
	return s.ID
}

// Index is the single backlog index document for a working directory.
type Index struct {
	StoryOrder  []string   `json:"storyOrder"`
	Pending     []string   `json:"pending"`
	Blocked     []string   `json:"blocked"`
	Completed   []string   `json:"completed,omitempty"`
	NextStory   string     `json:"nextStory,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	Schema      string     `json:"$schema,omitempty"`
}

// recomputeNextStory sets NextStory to head(Pending), clearing it when
// Pending is empty. Invariant I3.
func (ix *Index) recomputeNextStory() {
	if len(ix.Pending) == 0 {
		ix.NextStory = ""
		return
	}
	ix.NextStory = ix.Pending[0]
}

// IsComplete reports whether the backlog has nothing left to schedule
// and nothing blocked: pending = blocked = ∅.
func (ix *Index) IsComplete() bool {
	return len(ix.Pending) == 0 && len(ix.Blocked) == 0
}

// IsAllBlocked reports whether nothing is schedulable but something is
// blocked: pending = ∅, blocked ≠ ∅.
func (ix *Index) IsAllBlocked() bool {
	return len(ix.Pending) == 0 && len(ix.Blocked) != 0
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if containsStr(list, v) {
		return list
	}
	return append(list, v)
}

// CriteriaProgress reports how many acceptance criteria are checked.
type CriteriaProgress struct {
	Checked int
	Total   int
}

// UpdateQueue is the transient, at-most-one-per-run document external
// agents use as the only safe channel for mutating the backlog while
// the engine runs. Consumed exactly once on read, then deleted.
type UpdateQueue struct {
	NewStories    []Story            `json:"newStories,omitempty"`
	UpdateStories []map[string]any   `json:"updateStories,omitempty"`
	MoveToPending []string           `json:"moveToPending,omitempty"`
	MoveToBlocked []BlockDirective    `json:"moveToBlocked,omitempty"`
	RemoveStories []string           `json:"removeStories,omitempty"`
	StoryOrder    []string           `json:"storyOrder,omitempty"`
	Pending       []string           `json:"pending,omitempty"`
}

// BlockDirective pairs a story id with the reason it should be blocked,
// the wire shape for one entry of UpdateQueue.MoveToBlocked
// (serialized as a ["id","reason"] 2-tuple, per spec.md §4.A step 4).
type BlockDirective struct {
	ID     string
	Reason string
}

// MarshalJSON encodes a BlockDirective as a 2-element JSON array.
func (b BlockDirective) MarshalJSON() ([]byte, error) {
	return marshalPair(b.ID, b.Reason)
}

// UnmarshalJSON decodes a BlockDirective from a 2-element JSON array.
func (b *BlockDirective) UnmarshalJSON(data []byte) error {
	id, reason, err := unmarshalPair(data)
	if err != nil {
		return err
	}
	b.ID, b.Reason = id, reason
	return nil
}

// ApplyResult describes the outcome of applying (or failing to apply)
// an update queue document.
type ApplyResult struct {
	Applied bool
	Changes []string
}

func marshalPair(a, b string) ([]byte, error) {
	return json.Marshal([2]string{a, b})
}

func unmarshalPair(data []byte) (string, string, error) {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return "", "", fmt.Errorf("decode pair: %w", err)
	}
	return pair[0], pair[1], nil
}
