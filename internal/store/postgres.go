package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"herald/internal/task"
	"herald/pkg/logx"
)

type taskRow struct {
	ID         string     `gorm:"primaryKey"`
	Owner      string     `gorm:"not null;index"`
	Kind       string     `gorm:"not null"`
	Status     string     `gorm:"not null;index:idx_herald_tasks_due,priority:1"`
	NextFireAt *time.Time `gorm:"index:idx_herald_tasks_due,priority:2"`
	ClaimedAt  *time.Time
	Doc        string    `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (taskRow) TableName() string { return "herald_tasks" }

type deliveryRow struct {
	Seq         int64     `gorm:"primaryKey;autoIncrement"`
	ID          string    `gorm:"uniqueIndex;not null"`
	TaskID      string    `gorm:"index;not null"`
	Owner       string    `gorm:"not null;index:idx_herald_deliveries_owner,priority:1"`
	Kind        string    `gorm:"not null"`
	AttemptedAt time.Time `gorm:"not null;index:idx_herald_deliveries_owner,priority:2"`
	Channel     string
	Outcome     string `gorm:"not null"`
	Reason      string
	Fingerprint string
	Err         string
}

func (deliveryRow) TableName() string { return "herald_deliveries" }

func (r deliveryRow) record() task.DeliveryRecord {
	return task.DeliveryRecord{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Owner:       r.Owner,
		Kind:        task.Kind(r.Kind),
		AttemptedAt: r.AttemptedAt.UTC(),
		Channel:     task.Channel(r.Channel),
		Outcome:     task.Outcome(r.Outcome),
		Reason:      task.Reason(r.Reason),
		Fingerprint: r.Fingerprint,
		Error:       r.Err,
	}
}

// postgresStore is the shared backend. Claims take a row lock with SKIP LOCKED
// so concurrent herald processes never double-claim a task.
type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&taskRow{}, &deliveryRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return newPostgresStore(db, log), nil
}

func newPostgresStore(db *gorm.DB, log logx.Logger) *postgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &postgresStore{db: db, log: log}
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(t task.Task) (taskRow, error) {
	doc, err := sonic.MarshalString(t)
	if err != nil {
		return taskRow{}, err
	}
	return taskRow{
		ID:         t.ID,
		Owner:      t.Owner,
		Kind:       string(t.Kind),
		Status:     string(t.Status),
		NextFireAt: t.NextFireAt,
		ClaimedAt:  t.ClaimedAt,
		Doc:        doc,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}, nil
}

func fromDoc(doc string) (task.Task, error) {
	var t task.Task
	err := sonic.UnmarshalString(doc, &t)
	return t, err
}

func (s *postgresStore) Insert(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	row, err := toRow(t)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || (err != nil && strings.Contains(err.Error(), "duplicate key")) {
		return fmt.Errorf("%w: %s", task.ErrDuplicateID, t.ID)
	}
	return err
}

func (s *postgresStore) Get(ctx context.Context, id string) (task.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, err
	}
	return fromDoc(row.Doc)
}

func (s *postgresStore) GetDue(ctx context.Context, now time.Time) ([]task.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_fire_at <= ?", string(task.StatusPending), now.UTC()).
		Order("next_fire_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := fromDoc(r.Doc)
		if err != nil {
			s.log.Warn("store.decode_failed", logx.String("task", r.ID), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *postgresStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var docs []string
		// FOR UPDATE SKIP LOCKED: a row locked by another claimer is invisible.
		err := tx.Raw(`
select doc
from herald_tasks
where id = ? and status = ? and next_fire_at <= ?
for update skip locked
`, id, string(task.StatusPending), now.UTC()).Scan(&docs).Error
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		t, err := fromDoc(docs[0])
		if err != nil {
			return err
		}
		t.Status = task.StatusInProgress
		t.ClaimedAt = task.TimePtr(now.UTC())
		t.UpdatedAt = now.UTC()
		doc, err := sonic.MarshalString(t)
		if err != nil {
			return err
		}
		res := tx.Exec(`
update herald_tasks
set status = ?, claimed_at = ?, updated_at = ?, doc = ?
where id = ?
`, string(t.Status), now.UTC(), now.UTC(), doc, id)
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

func (s *postgresStore) Save(ctx context.Context, t task.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Exec(`
update herald_tasks
set status = ?, next_fire_at = ?, claimed_at = ?, doc = ?, updated_at = ?
where id = ? and status <> ?
`, row.Status, row.NextFireAt, row.ClaimedAt, row.Doc, row.UpdatedAt, row.ID, string(task.StatusCancelled))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
}

func (s *postgresStore) Cancel(ctx context.Context, id string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var docs []string
		if err := tx.Raw(`select doc from herald_tasks where id = ? for update`, id).Scan(&docs).Error; err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		t, err := fromDoc(docs[0])
		if err != nil {
			return err
		}
		if t.Status == task.StatusCancelled {
			return nil
		}
		t.Finish(task.StatusCancelled, task.ReasonNone)
		t.UpdatedAt = now.UTC()
		doc, err := sonic.MarshalString(t)
		if err != nil {
			return err
		}
		return tx.Exec(`
update herald_tasks
set status = ?, next_fire_at = null, claimed_at = null, doc = ?, updated_at = ?
where id = ?
`, string(t.Status), doc, t.UpdatedAt, id).Error
	})
}

func (s *postgresStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	released := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []taskRow
		err := tx.Raw(`
select *
from herald_tasks
where status = ? and claimed_at < ?
for update skip locked
`, string(task.StatusInProgress), claimedBefore.UTC()).Scan(&rows).Error
		if err != nil {
			return err
		}
		for _, r := range rows {
			t, err := fromDoc(r.Doc)
			if err != nil {
				s.log.Warn("store.decode_failed", logx.String("task", r.ID), logx.Err(err))
				continue
			}
			t.Status = task.StatusPending
			t.ClaimedAt = nil
			if t.NextFireAt == nil {
				t.SetNext(claimedBefore, task.RequeueNone)
			}
			doc, err := sonic.MarshalString(t)
			if err != nil {
				return err
			}
			if err := tx.Exec(`
update herald_tasks
set status = ?, next_fire_at = ?, claimed_at = null, doc = ?
where id = ?
`, string(t.Status), t.NextFireAt, doc, t.ID).Error; err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func (s *postgresStore) AppendDelivery(ctx context.Context, rec task.DeliveryRecord) error {
	return s.db.WithContext(ctx).Create(toDeliveryRow(rec)).Error
}

func toDeliveryRow(rec task.DeliveryRecord) *deliveryRow {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return &deliveryRow{
		ID:          rec.ID,
		TaskID:      rec.TaskID,
		Owner:       rec.Owner,
		Kind:        string(rec.Kind),
		AttemptedAt: rec.AttemptedAt.UTC(),
		Channel:     string(rec.Channel),
		Outcome:     string(rec.Outcome),
		Reason:      string(rec.Reason),
		Fingerprint: rec.Fingerprint,
		Err:         rec.Error,
	}
}

func (s *postgresStore) Commit(ctx context.Context, t task.Task, recs []task.DeliveryRecord) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	cancelled := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var statuses []string
		if err := tx.Raw(`select status from herald_tasks where id = ? for update`, t.ID).Scan(&statuses).Error; err != nil {
			return err
		}
		if len(statuses) == 0 {
			return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
		}
		for _, rec := range recs {
			if err := tx.Create(toDeliveryRow(rec)).Error; err != nil {
				return err
			}
		}
		if statuses[0] == string(task.StatusCancelled) {
			cancelled = true
			return nil
		}
		return tx.Exec(`
update herald_tasks
set status = ?, next_fire_at = ?, claimed_at = ?, doc = ?, updated_at = ?
where id = ?
`, row.Status, row.NextFireAt, row.ClaimedAt, row.Doc, row.UpdatedAt, row.ID).Error
	})
	if err != nil {
		return err
	}
	if cancelled {
		return fmt.Errorf("%w: %s", task.ErrCancelled, t.ID)
	}
	return nil
}

func (s *postgresStore) RecentDeliveries(ctx context.Context, owner string, kind task.Kind, window time.Duration, now time.Time) ([]task.DeliveryRecord, error) {
	q := s.db.WithContext(ctx).
		Where("owner = ? AND attempted_at > ? AND attempted_at <= ?", owner, now.Add(-window).UTC(), now.UTC())
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var rows []deliveryRow
	if err := q.Order("attempted_at asc, seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *postgresStore) Deliveries(ctx context.Context, taskID string) ([]task.DeliveryRecord, error) {
	var rows []deliveryRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *postgresStore) Compact(ctx context.Context, now time.Time, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention).UTC()
	db := s.db.WithContext(ctx)
	if err := db.Where("attempted_at < ?", cutoff).Delete(&deliveryRow{}).Error; err != nil {
		return err
	}
	terminal := []string{
		string(task.StatusDelivered), string(task.StatusSuppressed), string(task.StatusExhausted),
		string(task.StatusCancelled), string(task.StatusFailed),
	}
	return db.Where("status IN ? AND updated_at < ?", terminal, cutoff).Delete(&taskRow{}).Error
}

func records(rows []deliveryRow) []task.DeliveryRecord {
	out := make([]task.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}
