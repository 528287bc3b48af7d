package candidate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/task"
	"herald/pkg/logx"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	if got := Normalize("  Sony   WH-1000XM5\n\tHeadphones "); got != "sony wh-1000xm5 headphones" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()
	a := Candidate{Owner: "u1", Kind: task.KindPriceAlert, Title: "Sony WH-1000XM5", Content: "Now 30% off", DiscountPct: 30.4, Data: map[string]string{"sku": "A1", "store": "x"}}
	b := a
	b.Title = "  sony   wh-1000xm5 "
	b.Data = map[string]string{"store": "x", "sku": "A1"}
	b.DiscountPct = 35

	if Fingerprint(a, GranularityContent) != Fingerprint(b, GranularityContent) {
		t.Fatal("normalized-equal candidates must share a content fingerprint")
	}
	if Fingerprint(a, GranularityThreshold) == Fingerprint(b, GranularityThreshold) {
		t.Fatal("threshold granularity must separate 30% from 35%")
	}

	c := a
	c.DiscountPct = 30.9
	if Fingerprint(a, GranularityThreshold) != Fingerprint(c, GranularityThreshold) {
		t.Fatal("threshold granularity buckets to whole percent")
	}

	changed := a
	changed.Content = "Now 40% off"
	if Fingerprint(a, GranularityContent) == Fingerprint(changed, GranularityContent) {
		t.Fatal("content change must alter the fingerprint")
	}

	other := a
	other.Owner = "u2"
	if Fingerprint(a, GranularityContent) == Fingerprint(other, GranularityContent) {
		t.Fatal("fingerprints are per owner")
	}
}

func TestParseGranularity(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Granularity{"": GranularityContent, "content": GranularityContent, "Content+Threshold": GranularityThreshold} {
		got, err := ParseGranularity(raw)
		if err != nil || got != want {
			t.Fatalf("ParseGranularity(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseGranularity("price"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	price := Candidate{Kind: task.KindPriceAlert, Title: "Standing Desk", Content: "Oak top", DiscountPct: 20}
	job := Candidate{Kind: task.KindJobAlert, Title: "Senior Go Engineer", Content: "Remote, EU"}

	tests := []struct {
		name string
		c    Candidate
		f    task.Filter
		want bool
	}{
		{name: "no filter", c: job, f: task.Filter{}, want: true},
		{name: "keyword in title", c: job, f: task.Filter{Keywords: []string{"go engineer"}}, want: true},
		{name: "keyword in content", c: job, f: task.Filter{Keywords: []string{"REMOTE"}}, want: true},
		{name: "keyword missing", c: job, f: task.Filter{Keywords: []string{"rust"}}, want: false},
		{name: "discount meets threshold", c: price, f: task.Filter{MinDiscountPct: 20}, want: true},
		{name: "discount below threshold", c: price, f: task.Filter{MinDiscountPct: 25}, want: false},
		{name: "threshold ignored for jobs", c: job, f: task.Filter{MinDiscountPct: 50}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.c, tt.f); got != tt.want {
				t.Fatalf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSliceSourceRestart(t *testing.T) {
	t.Parallel()
	src := NewSliceSource(Candidate{Title: "a"}, Candidate{Title: "b"})
	var seen []string
	for {
		c, ok := src.Next()
		if !ok {
			break
		}
		seen = append(seen, c.Title)
	}
	if len(seen) != 2 {
		t.Fatalf("seen = %v", seen)
	}
	src.Restart()
	if c, ok := src.Next(); !ok || c.Title != "a" {
		t.Fatalf("after restart got %v %v", c, ok)
	}
}

func TestChanSourceNeverBlocks(t *testing.T) {
	t.Parallel()
	ch := make(chan Candidate, 1)
	src := NewChanSource(ch)
	if _, ok := src.Next(); ok {
		t.Fatal("empty channel should report false")
	}
	ch <- Candidate{Title: "x"}
	if c, ok := src.Next(); !ok || c.Title != "x" {
		t.Fatalf("got %v %v", c, ok)
	}
}

type insertRecorder struct {
	mu    sync.Mutex
	tasks []task.Task
	err   error
}

func (r *insertRecorder) Insert(_ context.Context, t task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func TestIngestorDrain(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 8, 22, 10, 0, 0, 0, time.UTC)
	rec := &insertRecorder{}
	src := NewSliceSource(
		Candidate{Owner: "u1", Kind: task.KindPriceAlert, Title: "Desk", Content: "20% off", DiscountPct: 20},
		Candidate{Owner: "", Kind: task.KindPriceAlert, Title: "orphan"},
		Candidate{Owner: "u1", Kind: task.KindReminder, Title: "not an alert"},
		Candidate{Owner: "u2", Kind: task.KindJobAlert, Title: "Go dev"},
	)
	in := NewIngestor(rec, GranularityContent, logx.Nop(), src)

	n, err := in.Drain(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if n != 2 || len(rec.tasks) != 2 {
		t.Fatalf("inserted %d (%d recorded), want 2", n, len(rec.tasks))
	}
	first := rec.tasks[0]
	if first.Status != task.StatusPending || first.NextFireAt == nil || !first.NextFireAt.Equal(now) {
		t.Fatalf("unexpected task state: %+v", first)
	}
	if first.Fingerprint == "" || first.Payload.DiscountPct != 20 {
		t.Fatalf("candidate attributes not carried: %+v", first)
	}

	src.Restart()
	rec.err = errors.New("disk full")
	if _, err := in.Drain(context.Background(), now, 1); err == nil {
		t.Fatal("expected store error to surface")
	}
}
