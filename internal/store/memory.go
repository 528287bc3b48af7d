package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/task"
)

// Memory is a process-local Store. It is also the in-memory state behind the
// file store.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]task.Task
	records []task.DeliveryRecord
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]task.Task{}}
}

func (m *Memory) Insert(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", task.ErrDuplicateID, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (m *Memory) GetDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	var out []task.Task
	for _, t := range m.tasks {
		if t.Due(now) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, dueOrder)
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if !t.Due(now) {
		return false, nil
	}
	t.Status = task.StatusInProgress
	t.ClaimedAt = task.TimePtr(now.UTC())
	t.UpdatedAt = now.UTC()
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) Save(ctx context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	if cur.Status == task.StatusCancelled {
		return fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Cancel(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if t.Status == task.StatusCancelled {
		return nil
	}
	t.Finish(task.StatusCancelled, task.ReasonNone)
	t.UpdatedAt = now.UTC()
	m.tasks[id] = t
	return nil
}

func (m *Memory) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	released, err := m.releaseStale(claimedBefore)
	return len(released), err
}

func (m *Memory) releaseStale(claimedBefore time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	var out []task.Task
	for id, t := range m.tasks {
		if t.Status != task.StatusInProgress || t.ClaimedAt == nil || !t.ClaimedAt.Before(claimedBefore) {
			continue
		}
		t.Status = task.StatusPending
		t.ClaimedAt = nil
		if t.NextFireAt == nil {
			t.SetNext(claimedBefore, task.RequeueNone)
		}
		m.tasks[id] = t
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *Memory) AppendDelivery(ctx context.Context, rec task.DeliveryRecord) error {
	_, err := m.appendDelivery(rec)
	return err
}

func (m *Memory) appendDelivery(rec task.DeliveryRecord) (task.DeliveryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.AttemptedAt = rec.AttemptedAt.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return rec, errClosed
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) Commit(ctx context.Context, t task.Task, recs []task.DeliveryRecord) error {
	_, err := m.commit(t, recs)
	return err
}

func (m *Memory) commit(t task.Task, recs []task.DeliveryRecord) ([]task.DeliveryRecord, error) {
	stamped := make([]task.DeliveryRecord, len(recs))
	for i, rec := range recs {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.AttemptedAt = rec.AttemptedAt.UTC()
		stamped[i] = rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	cur, ok := m.tasks[t.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	m.records = append(m.records, stamped...)
	if cur.Status == task.StatusCancelled {
		return stamped, fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return stamped, nil
}

func (m *Memory) RecentDeliveries(ctx context.Context, owner string, kind task.Kind, window time.Duration, now time.Time) ([]task.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.DeliveryRecord
	for _, r := range m.records {
		if r.Owner != owner || (kind != "" && r.Kind != kind) {
			continue
		}
		if inWindow(r.AttemptedAt, window, now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Deliveries(ctx context.Context, taskID string) ([]task.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.DeliveryRecord
	for _, r := range m.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Compact drops records older than retention, and terminal tasks not touched
// within retention.
func (m *Memory) Compact(ctx context.Context, now time.Time, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if !r.AttemptedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	clear(m.records[len(kept):])
	m.records = kept
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshot copies the full state for persistence.
func (m *Memory) snapshot() ([]task.Task, []task.DeliveryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t.Clone())
	}
	slices.SortFunc(tasks, func(a, b task.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks, slices.Clone(m.records)
}

// restoreTask and restoreRecord load persisted state without validation.
func (m *Memory) restoreTask(t task.Task) {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
}

func (m *Memory) restoreRecord(r task.DeliveryRecord) {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}
