package store

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"herald/internal/task"
	"herald/pkg/logx"
)

// fileStore keeps the full state in memory and persists every mutation.
//
// Files:
//   - <prefix>.snapshot.json (state as of the last compaction)
//   - <prefix>.journal.jsonl (append-only mutations since then)
//
// Open replays the journal over the snapshot.
type fileStore struct {
	log logx.Logger
	mem *Memory

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalEntry struct {
	Op      string                `json:"op"`
	Task    *task.Task            `json:"task,omitempty"`
	Record  *task.DeliveryRecord  `json:"record,omitempty"`
	Records []task.DeliveryRecord `json:"records,omitempty"`
}

const (
	opTask   = "task"
	opRecord = "record"
	// opCommit carries a task together with the records of its attempt on a
	// single line.
	opCommit = "commit"
)

type snapshotFile struct {
	Tasks   []task.Task           `json:"tasks"`
	Records []task.DeliveryRecord `json:"records"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n > 0 {
		log.Debug("store.journal_replayed", logx.Int("entries", n))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 5000,
	}, nil
}

func (s *fileStore) Insert(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Insert(ctx, t); err != nil {
		return err
	}
	return s.writeTaskLocked(t.ID)
}

func (s *fileStore) Get(ctx context.Context, id string) (task.Task, error) {
	return s.mem.Get(ctx, id)
}

func (s *fileStore) GetDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.mem.GetDue(ctx, now)
}

func (s *fileStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.Claim(ctx, id, now)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.writeTaskLocked(id)
}

func (s *fileStore) Save(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Save(ctx, t); err != nil {
		return err
	}
	return s.writeTaskLocked(t.ID)
}

func (s *fileStore) Cancel(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Cancel(ctx, id, now); err != nil {
		return err
	}
	return s.writeTaskLocked(id)
}

func (s *fileStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released, err := s.mem.releaseStale(claimedBefore)
	if err != nil {
		return 0, err
	}
	for i := range released {
		if err := s.appendLocked(journalEntry{Op: opTask, Task: &released[i]}); err != nil {
			return i, err
		}
	}
	return len(released), nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, rec task.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.mem.appendDelivery(rec)
	if err != nil {
		return err
	}
	return s.appendLocked(journalEntry{Op: opRecord, Record: &rec})
}

func (s *fileStore) Commit(ctx context.Context, t task.Task, recs []task.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamped, err := s.mem.commit(t, recs)
	cancelled := errors.Is(err, task.ErrCancelled)
	if err != nil && !cancelled {
		return err
	}
	e := journalEntry{Op: opCommit, Records: stamped}
	if !cancelled {
		saved, gerr := s.mem.Get(ctx, t.ID)
		if gerr != nil {
			return gerr
		}
		e.Task = &saved
	}
	if werr := s.appendLocked(e); werr != nil {
		return werr
	}
	return err
}

func (s *fileStore) RecentDeliveries(ctx context.Context, owner string, kind task.Kind, window time.Duration, now time.Time) ([]task.DeliveryRecord, error) {
	return s.mem.RecentDeliveries(ctx, owner, kind, window, now)
}

func (s *fileStore) Deliveries(ctx context.Context, taskID string) ([]task.DeliveryRecord, error) {
	return s.mem.Deliveries(ctx, taskID)
}

// Compact prunes old state and folds the journal into the snapshot.
func (s *fileStore) Compact(ctx context.Context, now time.Time, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Compact(ctx, now, retention); err != nil {
		return err
	}
	return s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mem.Close()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) writeTaskLocked(id string) error {
	t, err := s.mem.Get(context.Background(), id)
	if err != nil {
		return err
	}
	return s.appendLocked(journalEntry{Op: opTask, Task: &t})
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return errClosed
	}
	b, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("store.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return errClosed
	}
	tasks, records := s.mem.snapshot()
	b, err := sonic.Marshal(snapshotFile{Tasks: tasks, Records: records})
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *Memory) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshotFile
	if err := sonic.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		mem.restoreTask(t)
	}
	for _, r := range snap.Records {
		mem.restoreRecord(r)
	}
	return nil
}

// replayJournal applies journal entries in order. A torn final line from a
// crash mid-write is skipped.
func replayJournal(path string, mem *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	n := 0
	for sc.Scan() {
		var e journalEntry
		if err := sonic.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch {
		case e.Op == opTask && e.Task != nil:
			mem.restoreTask(*e.Task)
		case e.Op == opRecord && e.Record != nil:
			mem.restoreRecord(*e.Record)
		case e.Op == opCommit:
			for _, r := range e.Records {
				mem.restoreRecord(r)
			}
			if e.Task != nil {
				mem.restoreTask(*e.Task)
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
