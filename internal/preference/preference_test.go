package preference

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"herald/internal/task"
)

func samplePref() task.Preference {
	return task.Preference{
		Owner:      "u1",
		OptedIn:    true,
		Channels:   []task.Channel{task.ChannelChat, task.ChannelSMS},
		Recipients: map[task.Channel]string{task.ChannelChat: "42", task.ChannelSMS: "+628123"},
		Timezone:   "Asia/Jakarta",
		Filters:    map[task.Kind]task.Filter{task.KindPriceAlert: {MinDiscountPct: 20, Keywords: []string{"laptop"}}},
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()
	s := NewStatic([]task.Preference{samplePref(), {Owner: "  "}})

	p, err := s.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.OptedIn || len(p.Channels) != 2 || p.Recipients[task.ChannelChat] != "42" {
		t.Fatalf("unexpected pref %+v", p)
	}

	// Callers get a copy.
	p.Channels[0] = task.ChannelVoice
	p.Filters[task.KindPriceAlert] = task.Filter{}
	again, _ := s.Get(context.Background(), "u1")
	if again.Channels[0] != task.ChannelChat || again.Filter(task.KindPriceAlert).MinDiscountPct != 20 {
		t.Fatalf("static provider leaked internal state: %+v", again)
	}

	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, task.ErrPreferenceNotFound) {
		t.Fatalf("expected ErrPreferenceNotFound, got %v", err)
	}

	s.Replace(nil)
	if _, err := s.Get(context.Background(), "u1"); !errors.Is(err, task.ErrPreferenceNotFound) {
		t.Fatalf("Replace did not drop u1: %v", err)
	}
}

type countingProvider struct {
	calls int
	inner Provider
}

func (c *countingProvider) Get(ctx context.Context, owner string) (task.Preference, error) {
	c.calls++
	return c.inner.Get(ctx, owner)
}

func TestCachedServesRepeatLookups(t *testing.T) {
	t.Parallel()
	inner := &countingProvider{inner: NewStatic([]task.Preference{samplePref()})}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "u1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Get(ctx, "ghost"); !errors.Is(err, task.ErrPreferenceNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("misses must not be cached; inner calls = %d", inner.calls)
	}

	c.Invalidate("u1")
	_, _ = c.Get(ctx, "u1")
	if inner.calls != 4 {
		t.Fatalf("Invalidate did not evict; inner calls = %d", inner.calls)
	}
}

func TestCachedRefreshSeesOptOut(t *testing.T) {
	t.Parallel()
	static := NewStatic([]task.Preference{samplePref()})
	c := NewCached(static, time.Hour)
	ctx := context.Background()

	if p, err := c.Get(ctx, "u1"); err != nil || !p.OptedIn {
		t.Fatalf("Get = %+v, %v", p, err)
	}
	out := samplePref()
	out.OptedIn = false
	static.Replace([]task.Preference{out})

	if p, _ := c.Get(ctx, "u1"); !p.OptedIn {
		t.Fatal("plain Get should still serve the cached entry")
	}
	p, err := Fresh(ctx, c, "u1")
	if err != nil || p.OptedIn {
		t.Fatalf("Fresh = %+v, %v; want opted out", p, err)
	}
	if p, _ := c.Get(ctx, "u1"); p.OptedIn {
		t.Fatal("Refresh must replace the cached entry")
	}
}

func TestCachedPutNeedsWriter(t *testing.T) {
	t.Parallel()
	c := NewCached(NewStatic(nil), time.Minute)
	if err := c.Put(context.Background(), samplePref()); err == nil {
		t.Fatal("expected read-only error for a static provider")
	}
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	return gdb, mock
}

func TestPostgresGet(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	p := NewPostgres(db)

	rows := sqlmock.NewRows([]string{"owner", "opted_in", "quiet_start", "quiet_end", "channels", "timezone", "max_per_day", "recipients", "filters"}).
		AddRow("u1", true, "22:00", "07:00", "{chat,sms}", "Asia/Jakarta", 10,
			`{"chat":"42","sms":"+628123"}`, `{"PRICE_ALERT":{"min_discount_pct":20}}`)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "herald_preferences" WHERE owner = $1`)).
		WillReturnRows(rows)

	got, err := p.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.OptedIn || got.QuietHours.Start != "22:00" || got.MaxPerDay != 10 {
		t.Fatalf("unexpected pref %+v", got)
	}
	if len(got.Channels) != 2 || got.Channels[1] != task.ChannelSMS {
		t.Fatalf("channels = %v", got.Channels)
	}
	if got.Recipients[task.ChannelSMS] != "+628123" || got.Filter(task.KindPriceAlert).MinDiscountPct != 20 {
		t.Fatalf("json columns not decoded: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	p := NewPostgres(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "herald_preferences"`)).
		WillReturnRows(sqlmock.NewRows([]string{"owner"}))

	if _, err := p.Get(context.Background(), "ghost"); !errors.Is(err, task.ErrPreferenceNotFound) {
		t.Fatalf("expected ErrPreferenceNotFound, got %v", err)
	}
}

// writableStatic is a Static that also accepts Put.
type writableStatic struct {
	*Static
	puts int
}

func (w *writableStatic) Put(_ context.Context, p task.Preference) error {
	w.puts++
	w.Replace([]task.Preference{p})
	return nil
}

func TestCachedPutWritesThroughAndEvicts(t *testing.T) {
	t.Parallel()
	inner := &writableStatic{Static: NewStatic([]task.Preference{samplePref()})}
	c := NewCached(inner, time.Hour)
	ctx := context.Background()

	if p, err := c.Get(ctx, "u1"); err != nil || !p.OptedIn {
		t.Fatalf("Get = %+v, %v", p, err)
	}
	out := samplePref()
	out.OptedIn = false
	if err := c.Put(ctx, out); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if inner.puts != 1 {
		t.Fatalf("puts = %d, want 1", inner.puts)
	}
	if p, err := c.Get(ctx, "u1"); err != nil || p.OptedIn {
		t.Fatalf("Get after Put = %+v, %v; want the written value", p, err)
	}
}
