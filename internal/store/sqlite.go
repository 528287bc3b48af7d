package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"herald/internal/task"
	"herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps each task as a JSON document next to the columns used for
// selection. The document is rewritten on every column change.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	doc, err := sonic.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO herald_tasks(id, owner, kind, status, next_fire_at, claimed_at, doc, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, string(t.Kind), string(t.Status), nanos(t.NextFireAt), nanos(t.ClaimedAt),
		string(doc), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", task.ErrDuplicateID, t.ID)
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Task, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM herald_tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := sonic.UnmarshalString(doc, &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *sqliteStore) GetDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM herald_tasks
		 WHERE status = ? AND next_fire_at <= ?
		 ORDER BY next_fire_at, id`,
		string(task.StatusPending), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t task.Task
		if err := sonic.UnmarshalString(doc, &t); err != nil {
			s.log.Warn("store.decode_failed", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim relies on the conditional UPDATE: a second claimer finds the row no
// longer PENDING and affects zero rows.
func (s *sqliteStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !t.Due(now) {
		return false, nil
	}
	t.Status = task.StatusInProgress
	t.ClaimedAt = task.TimePtr(now.UTC())
	t.UpdatedAt = now.UTC()
	doc, err := sonic.Marshal(t)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE herald_tasks SET status = ?, claimed_at = ?, updated_at = ?, doc = ?
		 WHERE id = ? AND status = ? AND next_fire_at <= ?`,
		string(t.Status), now.UnixNano(), now.UnixNano(), string(doc),
		id, string(task.StatusPending), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) Save(ctx context.Context, t task.Task) error {
	ok, err := updateTask(ctx, s.db, t)
	if err != nil || ok {
		return err
	}
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
}

// updateTask overwrites t unless the stored row is CANCELLED. false means no
// row changed.
func updateTask(ctx context.Context, ex execer, t task.Task) (bool, error) {
	doc, err := sonic.Marshal(t)
	if err != nil {
		return false, err
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE herald_tasks SET status = ?, next_fire_at = ?, claimed_at = ?, doc = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		string(t.Status), nanos(t.NextFireAt), nanos(t.ClaimedAt), string(doc), t.UpdatedAt.UnixNano(),
		t.ID, string(task.StatusCancelled),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Commit(ctx context.Context, t task.Task, recs []task.DeliveryRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !errors.Is(err, task.ErrCancelled) {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM herald_tasks WHERE id = ?`, t.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := insertDelivery(ctx, tx, rec); err != nil {
			return err
		}
	}
	if task.Status(status) != task.StatusCancelled {
		if _, err := updateTask(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if task.Status(status) == task.StatusCancelled {
		return fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
	}
	return nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, now time.Time) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCancelled {
		return nil
	}
	t.Finish(task.StatusCancelled, task.ReasonNone)
	t.UpdatedAt = now.UTC()
	doc, err := sonic.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE herald_tasks SET status = ?, next_fire_at = NULL, claimed_at = NULL, doc = ?, updated_at = ?
		 WHERE id = ?`,
		string(t.Status), string(doc), t.UpdatedAt.UnixNano(), id,
	)
	return err
}

func (s *sqliteStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM herald_tasks WHERE status = ? AND claimed_at < ?`,
		string(task.StatusInProgress), claimedBefore.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	var stale []task.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return 0, err
		}
		var t task.Task
		if err := sonic.UnmarshalString(doc, &t); err == nil {
			stale = append(stale, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, t := range stale {
		t.Status = task.StatusPending
		t.ClaimedAt = nil
		if t.NextFireAt == nil {
			t.SetNext(claimedBefore, task.RequeueNone)
		}
		doc, err := sonic.Marshal(t)
		if err != nil {
			return released, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE herald_tasks SET status = ?, next_fire_at = ?, claimed_at = NULL, doc = ?
			 WHERE id = ? AND status = ?`,
			string(t.Status), nanos(t.NextFireAt), string(doc), t.ID, string(task.StatusInProgress),
		)
		if err != nil {
			return released, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			released++
		}
	}
	return released, nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec task.DeliveryRecord) error {
	return insertDelivery(ctx, s.db, rec)
}

func insertDelivery(ctx context.Context, ex execer, rec task.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO herald_deliveries(id, task_id, owner, kind, attempted_at, channel, outcome, reason, fingerprint, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.Owner, string(rec.Kind), rec.AttemptedAt.UnixNano(),
		nullStr(string(rec.Channel)), string(rec.Outcome), nullStr(string(rec.Reason)),
		nullStr(rec.Fingerprint), nullStr(rec.Error),
	)
	return err
}

const deliveryColumns = `id, task_id, owner, kind, attempted_at, channel, outcome, reason, fingerprint, err`

func (s *sqliteStore) RecentDeliveries(ctx context.Context, owner string, kind task.Kind, window time.Duration, now time.Time) ([]task.DeliveryRecord, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM herald_deliveries
		 WHERE owner = ? AND (? = '' OR kind = ?) AND attempted_at > ? AND attempted_at <= ?
		 ORDER BY attempted_at, seq`,
		owner, string(kind), string(kind), now.Add(-window).UnixNano(), now.UnixNano(),
	)
}

func (s *sqliteStore) Deliveries(ctx context.Context, taskID string) ([]task.DeliveryRecord, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM herald_deliveries WHERE task_id = ? ORDER BY seq`,
		taskID,
	)
}

func (s *sqliteStore) queryDeliveries(ctx context.Context, query string, args ...any) ([]task.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.DeliveryRecord
	for rows.Next() {
		var (
			r                            task.DeliveryRecord
			kind, outcome                string
			at                           int64
			channel, reason, fp, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Owner, &kind, &at, &channel, &outcome, &reason, &fp, &errText); err != nil {
			return nil, err
		}
		r.Kind = task.Kind(kind)
		r.AttemptedAt = time.Unix(0, at).UTC()
		r.Channel = task.Channel(channel.String)
		r.Outcome = task.Outcome(outcome)
		r.Reason = task.Reason(reason.String)
		r.Fingerprint = fp.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Compact(ctx context.Context, now time.Time, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention).UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM herald_deliveries WHERE attempted_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM herald_tasks WHERE status IN (?,?,?,?,?) AND updated_at < ?`,
		string(task.StatusDelivered), string(task.StatusSuppressed), string(task.StatusExhausted),
		string(task.StatusCancelled), string(task.StatusFailed), cutoff,
	)
	if err == nil {
		s.log.Debug("store.compacted", logx.String("driver", "sqlite"))
	}
	return err
}

func nanos(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UnixNano()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
