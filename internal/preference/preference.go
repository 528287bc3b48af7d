// Package preference resolves per-owner delivery preferences. The engine only
// reads preferences; they are written by the API layer, apart from the static
// entries seeded into postgres at startup.
package preference

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"herald/internal/task"
)

// Provider looks up an owner's preference. A missing owner is reported as
// task.ErrPreferenceNotFound.
type Provider interface {
	Get(ctx context.Context, owner string) (task.Preference, error)
}

// Refresher is a Provider that can bypass its own cache.
type Refresher interface {
	Refresh(ctx context.Context, owner string) (task.Preference, error)
}

// Writer upserts preferences. Only the postgres provider has one.
type Writer interface {
	Put(ctx context.Context, pref task.Preference) error
}

// Fresh reads owner through p, bypassing any cache p keeps.
func Fresh(ctx context.Context, p Provider, owner string) (task.Preference, error) {
	if r, ok := p.(Refresher); ok {
		return r.Refresh(ctx, owner)
	}
	return p.Get(ctx, owner)
}

func notFound(owner string) error {
	return fmt.Errorf("%w: %s", task.ErrPreferenceNotFound, owner)
}

// Static serves preferences loaded from configuration. Replace swaps the whole
// set on config reload.
type Static struct {
	mu    sync.RWMutex
	prefs map[string]task.Preference
}

func NewStatic(prefs []task.Preference) *Static {
	s := &Static{}
	s.Replace(prefs)
	return s
}

func (s *Static) Get(ctx context.Context, owner string) (task.Preference, error) {
	s.mu.RLock()
	p, ok := s.prefs[owner]
	s.mu.RUnlock()
	if !ok {
		return task.Preference{}, notFound(owner)
	}
	return clonePref(p), nil
}

func (s *Static) Replace(prefs []task.Preference) {
	m := make(map[string]task.Preference, len(prefs))
	for _, p := range prefs {
		owner := strings.TrimSpace(p.Owner)
		if owner == "" {
			continue
		}
		p.Owner = owner
		m[owner] = clonePref(p)
	}
	s.mu.Lock()
	s.prefs = m
	s.mu.Unlock()
}

func clonePref(p task.Preference) task.Preference {
	cp := p
	cp.Channels = append([]task.Channel(nil), p.Channels...)
	if p.Recipients != nil {
		cp.Recipients = make(map[task.Channel]string, len(p.Recipients))
		for k, v := range p.Recipients {
			cp.Recipients[k] = v
		}
	}
	if p.Filters != nil {
		cp.Filters = make(map[task.Kind]task.Filter, len(p.Filters))
		for k, f := range p.Filters {
			f.Keywords = append([]string(nil), f.Keywords...)
			cp.Filters[k] = f
		}
	}
	return cp
}
