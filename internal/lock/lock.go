// Package lock provides tick-level mutual exclusion. A Locker guards one
// scheduler tick at a time, in-process or across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld is returned by Release when the lease expired or belongs to
// another holder.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock. Refresh extends it by the ttl it was taken with and
// fails with ErrNotHeld once it expired or passed to another holder. Release
// is safe to call more than once.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out leases on a name. TryAcquire never blocks: ok is false when
// the name is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Local is an in-process Locker. ttl is ignored; a lease is held until
// released.
type Local struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewLocal() *Local { return &Local{held: map[string]uint64{}} }

func (l *Local) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return nil, false, nil
	}
	l.seq++
	l.held[name] = l.seq
	return &localLease{l: l, name: name, token: l.seq}, true, nil
}

type localLease struct {
	l     *Local
	name  string
	token uint64
}

func (ls *localLease) Refresh(ctx context.Context) error {
	ls.l.mu.Lock()
	defer ls.l.mu.Unlock()
	if ls.l.held[ls.name] != ls.token {
		return ErrNotHeld
	}
	return nil
}

func (ls *localLease) Release(ctx context.Context) error {
	ls.l.mu.Lock()
	defer ls.l.mu.Unlock()
	if ls.l.held[ls.name] != ls.token {
		return ErrNotHeld
	}
	delete(ls.l.held, ls.name)
	return nil
}
