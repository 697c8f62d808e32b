package backlog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/sjson"
)

// ApplyUpdateQueue is the only safe write path for external agents:
// it atomically merges update.json into the backlog in the fixed
// order from spec.md §4.A, then deletes the queue file. A missing
// queue file is "no update" (idempotent no-op, invariant I5); a
// malformed queue file is left in place so a human or the next agent
// can fix it, and the iteration proceeds as though no queue existed
// (spec.md §7 "Update-queue parse failure").
func (s *Store) ApplyUpdateQueue() (ApplyResult, error) {
	data, err := os.ReadFile(s.updatePath())
	if err != nil {
		if os.IsNotExist(err) {
			// Another agent may have already consumed it, or there
			// was never one. Either way this is "no update".
			return ApplyResult{Applied: true}, nil
		}
		return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: %v", err)}}, nil
	}

	var queue UpdateQueue
	if err := json.Unmarshal(data, &queue); err != nil {
		return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: invalid update queue: %v", err)}}, nil
	}

	ix, err := s.ReadIndex()
	if err != nil {
		return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: %v", err)}}, nil
	}
	if ix == nil {
		ix = &Index{}
	}

	var changes []string

	// 1. newStories
	for i := range queue.NewStories {
		story := queue.NewStories[i]
		if err := s.WriteStory(&story); err != nil {
			return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: %v", err)}}, nil
		}
		ix.StoryOrder = appendUnique(ix.StoryOrder, story.ID)
		ix.Pending = appendUnique(ix.Pending, story.ID)
		changes = append(changes, "added story "+story.ID)
	}

	// 2. updateStories: shallow-merge each partial onto the existing
	// story document. Path-based patching (not decode/mutate/encode)
	// so fields the partial doesn't mention, including ones this
	// engine's Story struct doesn't know about, survive untouched.
	for _, partial := range queue.UpdateStories {
		rawID, ok := partial["id"]
		id, idOK := rawID.(string)
		if !ok || !idOK || id == "" {
			continue
		}
		existing, err := os.ReadFile(s.storyPath(id))
		if err != nil {
			continue // missing stories are skipped, per spec
		}
		merged := string(existing)
		for k, v := range partial {
			if k == "id" {
				continue
			}
			merged, err = sjson.Set(merged, k, v)
			if err != nil {
				continue
			}
		}
		if err := os.WriteFile(s.storyPath(id), []byte(merged+"\n"), 0o644); err != nil {
			return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: %v", err)}}, nil
		}
		changes = append(changes, "updated story "+id)
	}

	// 3. moveToPending
	for _, id := range queue.MoveToPending {
		ix.Blocked = removeStr(ix.Blocked, id)
		ix.Pending = appendUnique(ix.Pending, id)
		if story, err := s.ReadStory(id); err == nil && story != nil {
			story.BlockedBy = ""
			_ = s.WriteStory(story)
		}
		changes = append(changes, "moved "+id+" to pending")
	}

	// 4. moveToBlocked
	for _, d := range queue.MoveToBlocked {
		ix.Pending = removeStr(ix.Pending, d.ID)
		ix.Blocked = appendUnique(ix.Blocked, d.ID)
		if story, err := s.ReadStory(d.ID); err == nil && story != nil {
			story.BlockedBy = d.Reason
			_ = s.WriteStory(story)
		}
		changes = append(changes, "moved "+d.ID+" to blocked: "+d.Reason)
	}

	// 5. removeStories
	for _, id := range queue.RemoveStories {
		ix.Pending = removeStr(ix.Pending, id)
		ix.Blocked = removeStr(ix.Blocked, id)
		ix.Completed = removeStr(ix.Completed, id)
		ix.StoryOrder = removeStr(ix.StoryOrder, id)
		_ = s.DeleteStory(id)
		changes = append(changes, "removed "+id)
	}

	// 6. storyOrder / pending overrides: union-append only, never delete.
	for _, id := range queue.StoryOrder {
		ix.StoryOrder = appendUnique(ix.StoryOrder, id)
	}
	for _, id := range queue.Pending {
		ix.Pending = appendUnique(ix.Pending, id)
	}

	// 7. recompute nextStory, write index, delete queue file.
	ix.recomputeNextStory()
	if err := s.WriteIndex(ix); err != nil {
		return ApplyResult{Applied: false, Changes: []string{fmt.Sprintf("Error: %v", err)}}, nil
	}

	if err := os.Remove(s.updatePath()); err != nil && !os.IsNotExist(err) {
		// Another agent winning the race to delete is fine; anything
		// else is worth surfacing even though the merge itself landed.
		changes = append(changes, fmt.Sprintf("warning: failed to delete update queue: %v", err))
	}

	return ApplyResult{Applied: true, Changes: changes}, nil
}

// WriteUpdateQueue is a test/integration helper for writing an
// update.json document the way an external peer agent would.
func (s *Store) WriteUpdateQueue(q *UpdateQueue) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create backlog dir: %w", err)
	}
	return writeJSONFile(s.updatePath(), q)
}
