package sync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// ActionType is the kind of step a plan contains.
type ActionType int

// Action types produced by Resolve.
const (
	ActionRemoteDelete   ActionType = iota // delete the remote event
	ActionRemoteCreate                     // create the remote event for a local task
	ActionRemoteUpdate                     // replace the remote event with the local task
	ActionLocalUpsert                      // write the remote event into the local store
	ActionLocalDelete                      // tombstone the local task
	ActionRefreshMapping                   // both sides agree; record the versions
	ActionForgetMapping                    // both sides deleted; drop the mapping
)

func (a ActionType) String() string {
	switch a {
	case ActionRemoteDelete:
		return "remote_delete"
	case ActionRemoteCreate:
		return "remote_create"
	case ActionRemoteUpdate:
		return "remote_update"
	case ActionLocalUpsert:
		return "local_upsert"
	case ActionLocalDelete:
		return "local_delete"
	case ActionRefreshMapping:
		return "refresh_mapping"
	case ActionForgetMapping:
		return "forget_mapping"
	default:
		return fmt.Sprintf("ActionType(%d)", int(a))
	}
}

// Action is one planned step. Task is the local state to push (remote
// actions) or to write (local actions). ExpectedVersion is the remote
// version a remote write is conditioned on. BaseRevision is the local
// revision a local write was planned against.
type Action struct {
	Type            ActionType
	LocalID         string
	RemoteID        string
	ExpectedVersion string
	Task            *store.Task
	BaseRevision    int64
	RemoteVersion   string // remote version to record in the mapping
}

// Plan is the outcome of conflict resolution, grouped by execution phase.
type Plan struct {
	RemoteDeletes []Action
	RemotePushes  []Action
	LocalApplies  []Action
	Conflicts     []store.ConflictRecord
}

// Ordered returns the actions in execution order: remote deletes, then
// remote creates and updates, then local applies.
func (p *Plan) Ordered() []Action {
	out := make([]Action, 0, len(p.RemoteDeletes)+len(p.RemotePushes)+len(p.LocalApplies))
	out = append(out, p.RemoteDeletes...)
	out = append(out, p.RemotePushes...)
	out = append(out, p.LocalApplies...)

	return out
}

// Len returns the number of actions.
func (p *Plan) Len() int {
	return len(p.RemoteDeletes) + len(p.RemotePushes) + len(p.LocalApplies)
}

// Validate checks that every local id appears at most once and that each
// action carries what its type needs.
func (p *Plan) Validate() error {
	seen := make(map[string]ActionType, p.Len())

	for _, a := range p.Ordered() {
		if a.LocalID == "" {
			return fmt.Errorf("sync: plan: %s action without local id", a.Type)
		}

		if prev, dup := seen[a.LocalID]; dup {
			return fmt.Errorf("sync: plan: task %s planned twice (%s, %s)", a.LocalID, prev, a.Type)
		}

		seen[a.LocalID] = a.Type

		switch a.Type {
		case ActionRemoteCreate, ActionRemoteUpdate, ActionLocalUpsert, ActionLocalDelete:
			if a.Task == nil {
				return fmt.Errorf("sync: plan: %s for %s without task", a.Type, a.LocalID)
			}
		case ActionRemoteDelete, ActionRefreshMapping:
			if a.RemoteID == "" {
				return fmt.Errorf("sync: plan: %s for %s without remote id", a.Type, a.LocalID)
			}
		case ActionForgetMapping:
		default:
			return fmt.Errorf("sync: plan: unknown action %s", a.Type)
		}
	}

	return nil
}

// ResolveInput is everything Resolve looks at. Remote holds validated
// events only; Quarantined names the remote ids that were listed but
// failed validation. Locals holds every local task, tombstones included,
// and is used to find the base state of remote-only changes. NewID mints
// ids for tasks that originate remotely.
type ResolveInput struct {
	UserID      string
	Dirty       []DirtyItem
	Remote      []calendar.Event
	Quarantined map[string]bool
	Mappings    map[string]*store.Mapping
	Locals      map[string]*store.Task
	FullResync  bool
	NewID       func() string
	Now         time.Time
}

// pairing is the local and remote view of one logical item.
type pairing struct {
	localID string
	dirty   *DirtyItem
	remote  *calendar.Event
	mapping *store.Mapping
	adopted bool
}

// Resolve pairs local changes with remote changes and decides what to do
// with each. It has no side effects. Both sides changed means last writer
// wins by modification time, ties going to local, except that a deletion
// on either side always wins.
func Resolve(in *ResolveInput) (*Plan, error) {
	if in.NewID == nil {
		return nil, errors.New("sync: resolve: NewID is required")
	}

	pairs := pairItems(in)

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	plan := &Plan{}
	for _, k := range keys {
		resolvePair(in, plan, pairs[k])
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return plan, nil
}

// pairItems groups dirty items and remote events by local id. Unmapped
// remote events are adopted through their local id property when that
// task has no mapping yet, which is how a push whose commit never landed
// is recognized. The rest are keyed by remote id and become new tasks.
func pairItems(in *ResolveInput) map[string]*pairing {
	pairs := make(map[string]*pairing, len(in.Dirty)+len(in.Remote))

	byRemote := make(map[string]*store.Mapping, len(in.Mappings))
	for _, m := range in.Mappings {
		if m.RemoteID != "" {
			byRemote[m.RemoteID] = m
		}
	}

	get := func(localID string) *pairing {
		p, ok := pairs[localID]
		if !ok {
			p = &pairing{localID: localID, mapping: in.Mappings[localID]}
			pairs[localID] = p
		}

		return p
	}

	for i := range in.Dirty {
		get(in.Dirty[i].Task.ID).dirty = &in.Dirty[i]
	}

	seenRemote := make(map[string]bool, len(in.Remote))

	remote := make([]calendar.Event, len(in.Remote))
	copy(remote, in.Remote)
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].ID < remote[j].ID })

	for i := range remote {
		ev := &remote[i]
		seenRemote[ev.ID] = true

		if m, ok := byRemote[ev.ID]; ok {
			p := get(m.LocalID)
			if ev.Version != "" && ev.Version == m.RemoteVersion && !ev.Deleted {
				continue // our own write coming back
			}

			p.remote = ev

			continue
		}

		if ev.LocalID != "" {
			if _, known := in.Locals[ev.LocalID]; known {
				if p := get(ev.LocalID); p.mapping == nil && p.remote == nil {
					p.remote = ev
					p.adopted = true

					continue
				}
			}
		}

		if ev.Deleted {
			continue // never knew it
		}

		pairs["remote:"+ev.ID] = &pairing{remote: ev}
	}

	// A quarantined event is still present remotely; only its content is
	// unusable, so it must not read as a deletion.
	if in.FullResync {
		for localID, m := range in.Mappings {
			if m.RemoteID == "" || seenRemote[m.RemoteID] || in.Quarantined[m.RemoteID] {
				continue
			}

			get(localID).remote = &calendar.Event{ID: m.RemoteID, Deleted: true}
		}
	}

	return pairs
}

func resolvePair(in *ResolveInput, plan *Plan, p *pairing) {
	switch {
	case p.dirty != nil && p.remote == nil:
		resolveLocalOnly(plan, p)
	case p.dirty == nil && p.remote != nil:
		resolveRemoteOnly(in, plan, p)
	case p.dirty != nil && p.remote != nil:
		resolveBoth(in, plan, p)
	}
}

func resolveLocalOnly(plan *Plan, p *pairing) {
	task := p.dirty.Task

	if task.Deleted {
		if p.mapping == nil || p.mapping.RemoteID == "" {
			return // never reached the remote
		}

		plan.RemoteDeletes = append(plan.RemoteDeletes, Action{
			Type:            ActionRemoteDelete,
			LocalID:         task.ID,
			RemoteID:        p.mapping.RemoteID,
			ExpectedVersion: p.mapping.RemoteVersion,
			Task:            &task,
		})

		return
	}

	if p.mapping == nil || p.mapping.RemoteID == "" {
		plan.RemotePushes = append(plan.RemotePushes, Action{
			Type:    ActionRemoteCreate,
			LocalID: task.ID,
			Task:    &task,
		})

		return
	}

	plan.RemotePushes = append(plan.RemotePushes, Action{
		Type:            ActionRemoteUpdate,
		LocalID:         task.ID,
		RemoteID:        p.mapping.RemoteID,
		ExpectedVersion: p.mapping.RemoteVersion,
		Task:            &task,
	})
}

func resolveRemoteOnly(in *ResolveInput, plan *Plan, p *pairing) {
	ev := p.remote

	if p.localID == "" {
		if ev.Deleted {
			return
		}

		task := taskFromEvent(in, ev, nil, in.NewID())
		plan.LocalApplies = append(plan.LocalApplies, Action{
			Type:          ActionLocalUpsert,
			LocalID:       task.ID,
			RemoteID:      ev.ID,
			Task:          &task,
			RemoteVersion: ev.Version,
		})

		return
	}

	local := in.Locals[p.localID]

	if ev.Deleted {
		if local == nil || local.Deleted {
			plan.LocalApplies = append(plan.LocalApplies, Action{
				Type:    ActionForgetMapping,
				LocalID: p.localID,
			})

			return
		}

		plan.LocalApplies = append(plan.LocalApplies, localDelete(in, local, ev.ID))

		return
	}

	if local != nil && local.Deleted {
		// An in-sync tombstone should have no mapping; push the deletion again.
		plan.RemoteDeletes = append(plan.RemoteDeletes, Action{
			Type:            ActionRemoteDelete,
			LocalID:         local.ID,
			RemoteID:        ev.ID,
			ExpectedVersion: ev.Version,
			Task:            local,
		})

		return
	}

	if local != nil && contentEqual(local, ev) {
		plan.LocalApplies = append(plan.LocalApplies, refreshMapping(local, ev))
		return
	}

	var baseRev int64
	if local != nil {
		baseRev = local.Revision
	}

	task := taskFromEvent(in, ev, local, p.localID)
	plan.LocalApplies = append(plan.LocalApplies, Action{
		Type:          ActionLocalUpsert,
		LocalID:       task.ID,
		RemoteID:      ev.ID,
		Task:          &task,
		BaseRevision:  baseRev,
		RemoteVersion: ev.Version,
	})
}

func resolveBoth(in *ResolveInput, plan *Plan, p *pairing) {
	local := p.dirty.Task
	ev := p.remote

	switch {
	case local.Deleted && ev.Deleted:
		plan.LocalApplies = append(plan.LocalApplies, Action{Type: ActionForgetMapping, LocalID: local.ID})

	case local.Deleted:
		plan.RemoteDeletes = append(plan.RemoteDeletes, Action{
			Type:            ActionRemoteDelete,
			LocalID:         local.ID,
			RemoteID:        ev.ID,
			ExpectedVersion: ev.Version,
			Task:            &local,
		})
		recordConflict(in, plan, p, store.ConflictDeleteEdit, store.WinnerDeletion)

	case ev.Deleted:
		plan.LocalApplies = append(plan.LocalApplies, localDelete(in, &local, ev.ID))
		recordConflict(in, plan, p, store.ConflictEditDelete, store.WinnerDeletion)

	case contentEqual(&local, ev):
		plan.LocalApplies = append(plan.LocalApplies, refreshMapping(&local, ev))

	case !local.ModifiedAt.Before(ev.Updated):
		plan.RemotePushes = append(plan.RemotePushes, Action{
			Type:            ActionRemoteUpdate,
			LocalID:         local.ID,
			RemoteID:        ev.ID,
			ExpectedVersion: ev.Version,
			Task:            &local,
		})
		recordConflict(in, plan, p, store.ConflictEditEdit, store.WinnerLocal)

	default:
		task := taskFromEvent(in, ev, &local, local.ID)
		plan.LocalApplies = append(plan.LocalApplies, Action{
			Type:          ActionLocalUpsert,
			LocalID:       local.ID,
			RemoteID:      ev.ID,
			Task:          &task,
			BaseRevision:  local.Revision,
			RemoteVersion: ev.Version,
		})
		recordConflict(in, plan, p, store.ConflictEditEdit, store.WinnerRemote)
	}
}

// recordConflict logs a true conflict. Adopted pairs are the tail of an
// interrupted pass rather than concurrent edits and are not recorded.
func recordConflict(in *ResolveInput, plan *Plan, p *pairing, kind, winner string) {
	if p.adopted {
		return
	}

	plan.Conflicts = append(plan.Conflicts, store.ConflictRecord{
		UserID:         in.UserID,
		LocalID:        p.dirty.Task.ID,
		RemoteID:       p.remote.ID,
		Kind:           kind,
		Winner:         winner,
		LocalModified:  p.dirty.Task.ModifiedAt,
		RemoteModified: p.remote.Updated,
		DetectedAt:     in.Now,
	})
}

func localDelete(in *ResolveInput, local *store.Task, remoteID string) Action {
	task := *local
	task.Deleted = true
	task.DeletedAt = nil
	task.ModifiedAt = in.Now

	return Action{
		Type:         ActionLocalDelete,
		LocalID:      local.ID,
		RemoteID:     remoteID,
		Task:         &task,
		BaseRevision: local.Revision,
	}
}

func refreshMapping(local *store.Task, ev *calendar.Event) Action {
	return Action{
		Type:          ActionRefreshMapping,
		LocalID:       local.ID,
		RemoteID:      ev.ID,
		BaseRevision:  local.Revision,
		RemoteVersion: ev.Version,
	}
}

// taskFromEvent builds the local record for a remote event. base, when
// set, supplies the identity fields the remote does not carry.
func taskFromEvent(in *ResolveInput, ev *calendar.Event, base *store.Task, id string) store.Task {
	t := store.Task{
		ID:          id,
		UserID:      in.UserID,
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.Start,
		End:         ev.End,
		Completed:   ev.Completed,
		Priority:    ev.Priority,
		ModifiedAt:  ev.Updated,
	}

	if base != nil {
		t.CreatedAt = base.CreatedAt
	}

	return t
}

// eventFromTask builds the remote form of a local task.
func eventFromTask(t *store.Task, remoteID string) *calendar.Event {
	return &calendar.Event{
		ID:          remoteID,
		LocalID:     t.ID,
		Title:       t.Title,
		Description: t.Description,
		Start:       t.Start,
		End:         t.End,
		Completed:   t.Completed,
		Priority:    t.Priority,
		Updated:     t.ModifiedAt,
	}
}

// contentEqual compares the synced fields. Text is compared after Unicode
// normalization since remotes may return a different but equivalent form.
func contentEqual(t *store.Task, ev *calendar.Event) bool {
	return norm.NFC.String(t.Title) == norm.NFC.String(ev.Title) &&
		norm.NFC.String(t.Description) == norm.NFC.String(ev.Description) &&
		t.Completed == ev.Completed &&
		intsEqual(t.Priority, ev.Priority) &&
		timesEqual(t.Start, ev.Start) &&
		timesEqual(t.End, ev.End)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(*b)
}

func intsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}
