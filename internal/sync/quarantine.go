package sync

import (
	"context"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"
)

// quarantineCooldown is how long a quarantined record stays quiet in the
// logs before it is reported at Warn again.
const quarantineCooldown = 30 * time.Minute

// quarantineRecord tracks one malformed remote record.
type quarantineRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// quarantineLog tracks remote records excluded from reconciliation.
// Thread-safe. A record is reported at Warn the first time and again once
// per cooldown; in between it is only logged at Debug. A record that
// passes validation again is forgotten.
type quarantineLog struct {
	mu      stdsync.Mutex
	records map[string]*quarantineRecord
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newQuarantineLog(logger *slog.Logger) *quarantineLog {
	return &quarantineLog{
		records: make(map[string]*quarantineRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

func quarantineKey(userID, remoteID string) string {
	return userID + "\x00" + remoteID
}

// record notes that remoteID was excluded from a pass.
func (q *quarantineLog) record(ctx context.Context, userID, remoteID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := quarantineKey(userID, remoteID)
	now := q.nowFunc()

	rec, ok := q.records[key]
	if !ok {
		rec = &quarantineRecord{}
		q.records[key] = rec
	}

	loud := !ok || now.Sub(rec.lastAt) > quarantineCooldown

	rec.count++
	rec.lastErr = reason

	level := slog.LevelDebug
	if loud {
		level = slog.LevelWarn
		rec.lastAt = now
	}

	q.logger.Log(ctx, level, "remote record quarantined",
		slog.String("user", userID),
		slog.String("remote_id", remoteID),
		slog.String("reason", reason),
		slog.Int("times", rec.count),
	)
}

// clear forgets remoteID once it arrives in a valid form.
func (q *quarantineLog) clear(userID, remoteID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.records, quarantineKey(userID, remoteID))
}

// count returns how many records are currently quarantined for userID.
func (q *quarantineLog) count(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := userID + "\x00"
	n := 0

	for k := range q.records {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}

	return n
}
