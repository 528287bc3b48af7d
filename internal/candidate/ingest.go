package candidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/internal/recurrence"
	"herald/internal/task"
	"herald/pkg/logx"
)

// Inserter is the slice of the task store the ingestor needs.
type Inserter interface {
	Insert(ctx context.Context, t task.Task) error
}

// Ingestor converts candidates from its sources into one-shot alert tasks.
type Ingestor struct {
	store       Inserter
	sources     []Source
	granularity Granularity
	log         logx.Logger
}

func NewIngestor(store Inserter, g Granularity, log logx.Logger, sources ...Source) *Ingestor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if g == "" {
		g = GranularityContent
	}
	return &Ingestor{store: store, sources: sources, granularity: g, log: log}
}

// Task builds the alert task for c due at now.
func (in *Ingestor) Task(c Candidate, now time.Time) (task.Task, error) {
	if strings.TrimSpace(c.Owner) == "" {
		return task.Task{}, fmt.Errorf("%w: candidate without owner", task.ErrInvalidTask)
	}
	if !c.Kind.IsAlert() {
		return task.Task{}, fmt.Errorf("%w: %q is not an alert kind", task.ErrInvalidTask, c.Kind)
	}
	t := task.New(c.Owner, c.Kind, c.Payload(), task.OneShotAt(now), now)
	t.Fingerprint = Fingerprint(c, in.granularity)
	if err := recurrence.Seed(&t, ""); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// Drain pulls at most max candidates (max <= 0 means until every source is
// momentarily empty) and inserts them. Invalid candidates are logged and
// dropped; a store failure stops the drain.
func (in *Ingestor) Drain(ctx context.Context, now time.Time, max int) (int, error) {
	inserted, pulled := 0, 0
	for _, src := range in.sources {
		for max <= 0 || pulled < max {
			if err := ctx.Err(); err != nil {
				return inserted, err
			}
			c, ok := src.Next()
			if !ok {
				break
			}
			pulled++
			t, err := in.Task(c, now)
			if err != nil {
				in.log.Warn("candidate.rejected", logx.String("owner", c.Owner), logx.String("kind", string(c.Kind)), logx.Err(err))
				continue
			}
			if err := in.store.Insert(ctx, t); err != nil {
				return inserted, fmt.Errorf("insert alert task: %w", err)
			}
			inserted++
		}
	}
	if inserted > 0 {
		in.log.Debug("candidate.ingested", logx.Int("count", inserted))
	}
	return inserted, nil
}
