package sync

import (
	"context"
	"fmt"

	"github.com/tonimelisma/tasksync/internal/store"
)

// DirtyItem is a local task that changed since the last committed pass,
// with its mapping if it has ever been synced.
type DirtyItem struct {
	Task    store.Task
	Mapping *store.Mapping
}

// ChangeTracker derives the set of local changes a pass has to push.
type ChangeTracker struct {
	tasks TaskSource
}

// NewChangeTracker creates a ChangeTracker over tasks.
func NewChangeTracker(tasks TaskSource) *ChangeTracker {
	return &ChangeTracker{tasks: tasks}
}

// ChangeSet is the result of one DirtySince call. Through is the highest
// revision examined, including the engine's own writes that were skipped;
// committing it as the watermark keeps those from being scanned again.
type ChangeSet struct {
	Items   []DirtyItem
	Through int64
}

// DirtySince returns every task with a revision above watermark, ascending
// by revision and tombstones included, minus the ones the engine wrote
// itself: a task whose revision the mapping already records is in sync.
// Without a commit in between, repeated calls return the same set.
func (ct *ChangeTracker) DirtySince(
	ctx context.Context, userID string, watermark int64, mappings map[string]*store.Mapping,
) (*ChangeSet, error) {
	tasks, err := ct.tasks.TasksSince(ctx, userID, watermark)
	if err != nil {
		return nil, fmt.Errorf("sync: listing local changes: %w", err)
	}

	cs := &ChangeSet{Items: make([]DirtyItem, 0, len(tasks)), Through: watermark}

	for i := range tasks {
		cs.Through = max(cs.Through, tasks[i].Revision)

		m := mappings[tasks[i].ID]
		if m != nil && tasks[i].Revision <= m.LastSyncedRevision {
			continue
		}

		cs.Items = append(cs.Items, DirtyItem{Task: tasks[i], Mapping: m})
	}

	return cs, nil
}
