package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"herald/internal/task"
)

// PreferenceRow is the herald_preferences table shared with the API layer.
type PreferenceRow struct {
	Owner      string         `gorm:"primaryKey"`
	OptedIn    bool           `gorm:"not null;default:false"`
	QuietStart string         `gorm:"type:varchar(5)"`
	QuietEnd   string         `gorm:"type:varchar(5)"`
	Channels   pq.StringArray `gorm:"type:text[];not null;default:'{}'"`
	Timezone   string
	MaxPerDay  int
	Recipients string `gorm:"type:jsonb;not null;default:'{}'"`
	Filters    string `gorm:"type:jsonb;not null;default:'{}'"`
	UpdatedAt  time.Time
}

func (PreferenceRow) TableName() string { return "herald_preferences" }

func (r PreferenceRow) preference() (task.Preference, error) {
	p := task.Preference{
		Owner:      r.Owner,
		OptedIn:    r.OptedIn,
		QuietHours: task.QuietHours{Start: r.QuietStart, End: r.QuietEnd},
		Timezone:   r.Timezone,
		MaxPerDay:  r.MaxPerDay,
	}
	for _, ch := range r.Channels {
		p.Channels = append(p.Channels, task.Channel(ch))
	}
	if r.Recipients != "" {
		if err := sonic.UnmarshalString(r.Recipients, &p.Recipients); err != nil {
			return task.Preference{}, err
		}
	}
	if r.Filters != "" {
		if err := sonic.UnmarshalString(r.Filters, &p.Filters); err != nil {
			return task.Preference{}, err
		}
	}
	return p, nil
}

func rowOf(p task.Preference) (PreferenceRow, error) {
	chans := make(pq.StringArray, 0, len(p.Channels))
	for _, ch := range p.Channels {
		chans = append(chans, string(ch))
	}
	rcp, err := sonic.MarshalString(p.Recipients)
	if err != nil {
		return PreferenceRow{}, err
	}
	flt, err := sonic.MarshalString(p.Filters)
	if err != nil {
		return PreferenceRow{}, err
	}
	return PreferenceRow{
		Owner:      p.Owner,
		OptedIn:    p.OptedIn,
		QuietStart: p.QuietHours.Start,
		QuietEnd:   p.QuietHours.End,
		Channels:   chans,
		Timezone:   p.Timezone,
		MaxPerDay:  p.MaxPerDay,
		Recipients: rcp,
		Filters:    flt,
	}, nil
}

type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres { return &Postgres{db: db} }

// OpenPostgres connects to dsn and makes sure herald_preferences exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("migrate preferences: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&PreferenceRow{})
}

func (p *Postgres) Get(ctx context.Context, owner string) (task.Preference, error) {
	var row PreferenceRow
	err := p.db.WithContext(ctx).Where("owner = ?", owner).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Preference{}, notFound(owner)
	}
	if err != nil {
		return task.Preference{}, err
	}
	return row.preference()
}

// Put upserts a preference. herald calls it only to seed the configured static
// preferences at startup.
func (p *Postgres) Put(ctx context.Context, pref task.Preference) error {
	row, err := rowOf(pref)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}},
		UpdateAll: true,
	}).Create(&row).Error
}
