package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Event is the provider-neutral form of a remote calendar entry. It is a
// closed record: anything the provider sends beyond these fields is
// ignored, and records that fail Validate never reach conflict resolution.
type Event struct {
	ID          string
	LocalID     string // from the private extended property, if set by us
	Title       string
	Description string
	Start       *time.Time
	End         *time.Time
	AllDay      bool
	Completed   bool
	Priority    *int
	Deleted     bool
	Version     string // provider etag, sent back as the write precondition
	Updated     time.Time
}

// Validate checks the fields the engine depends on. Deleted events only
// need an ID; providers send little else for them.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}

	if e.Deleted {
		return nil
	}

	if e.Version == "" {
		return fmt.Errorf("%w: event %s has no version", ErrInvalidEvent, e.ID)
	}

	if e.Updated.IsZero() {
		return fmt.Errorf("%w: event %s has no modification time", ErrInvalidEvent, e.ID)
	}

	if (e.Start == nil) != (e.End == nil) {
		return fmt.Errorf("%w: event %s has only one of start and end", ErrInvalidEvent, e.ID)
	}

	if e.Start != nil && e.End.Before(*e.Start) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrInvalidEvent, e.ID)
	}

	if e.Priority != nil && *e.Priority < 0 {
		return fmt.Errorf("%w: event %s has negative priority", ErrInvalidEvent, e.ID)
	}

	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: event %s has no title", ErrInvalidEvent, e.ID)
	}

	return nil
}

// Target identifies whose calendar a call operates on and with which
// bearer token.
type Target struct {
	UserID      string
	CalendarID  string
	AccessToken string
}

// Delta is one pull result. Cursor is opaque and only meaningful to the
// provider that produced it. Full is set when the pull was a complete
// listing (empty input cursor). Quarantined lists records the provider
// returned but that could not be converted.
type Delta struct {
	Events      []Event
	Cursor      []byte
	Full        bool
	Quarantined []Quarantined
}

// Quarantined is a remote record excluded from reconciliation.
type Quarantined struct {
	RemoteID string
	Reason   string
}

// PushResult is the remote state after a successful create or update.
type PushResult struct {
	RemoteID string
	Version  string
	Updated  time.Time
}

// EventIDFor derives the deterministic remote event id used when creating
// the event for a local task, so a retried create after a crash lands on
// the same event. Google accepts base32hex ids of 5 to 1024 characters;
// ids outside that alphabet return "" and the provider assigns one.
func EventIDFor(localID string) string {
	id := strings.ToLower(strings.ReplaceAll(localID, "-", ""))
	if len(id) < 5 || len(id) > 1024 {
		return ""
	}

	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'v') {
			return ""
		}
	}

	return id
}
