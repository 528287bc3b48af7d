package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"herald/internal/task"
	"herald/pkg/logx"
)

// Store persists tasks and the delivery record log. Implementations must make
// Claim atomic: of two concurrent callers at most one gets true.
type Store interface {
	Insert(ctx context.Context, t task.Task) error
	Get(ctx context.Context, id string) (task.Task, error)
	// GetDue returns PENDING tasks with NextFireAt <= now, oldest first.
	GetDue(ctx context.Context, now time.Time) ([]task.Task, error)
	// Claim moves a due PENDING task to IN_PROGRESS. false means another
	// tick got it first, or it was cancelled or rescheduled meanwhile.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Save overwrites a task. A CANCELLED task is never overwritten; Save
	// returns task.ErrCancelled instead.
	Save(ctx context.Context, t task.Task) error
	Cancel(ctx context.Context, id string, now time.Time) error
	// ReleaseStale returns IN_PROGRESS tasks claimed before the cutoff to
	// PENDING.
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)

	AppendDelivery(ctx context.Context, rec task.DeliveryRecord) error
	// Commit appends recs and saves t as one unit: either both land or
	// neither does. When t was cancelled meanwhile the records are kept, t is
	// left as it is and task.ErrCancelled is returned.
	Commit(ctx context.Context, t task.Task, recs []task.DeliveryRecord) error
	// RecentDeliveries returns the owner's records attempted in
	// (now-window, now], in attempt order. kind "" matches every kind.
	RecentDeliveries(ctx context.Context, owner string, kind task.Kind, window time.Duration, now time.Time) ([]task.DeliveryRecord, error)
	Deliveries(ctx context.Context, taskID string) ([]task.DeliveryRecord, error)

	Close() error
}

// Compactor is implemented by stores that benefit from periodic maintenance.
// Records older than retention are dropped.
type Compactor interface {
	Compact(ctx context.Context, now time.Time, retention time.Duration) error
}

// Config configures the task store.
//
// Driver values:
//   - "memory": process-local, lost on restart
//   - "file": JSON Lines journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}

var errClosed = errors.New("store closed")

func dueOrder(a, b task.Task) int {
	switch {
	case a.NextFireAt.Before(*b.NextFireAt):
		return -1
	case b.NextFireAt.Before(*a.NextFireAt):
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func inWindow(at time.Time, window time.Duration, now time.Time) bool {
	return at.After(now.Add(-window)) && !at.After(now)
}
