package candidate

import "sync"

// Source is a lazy, restartable stream of candidates. Next never blocks: it
// reports false when nothing is available right now, which is not the end of
// the stream.
type Source interface {
	Next() (Candidate, bool)
	Restart()
}

// SliceSource replays a fixed set of candidates.
type SliceSource struct {
	mu    sync.Mutex
	items []Candidate
	pos   int
}

func NewSliceSource(items ...Candidate) *SliceSource {
	return &SliceSource{items: append([]Candidate(nil), items...)}
}

func (s *SliceSource) Next() (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.items) {
		return Candidate{}, false
	}
	c := s.items[s.pos]
	s.pos++
	return c, true
}

func (s *SliceSource) Restart() {
	s.mu.Lock()
	s.pos = 0
	s.mu.Unlock()
}

// ChanSource drains whatever a producer goroutine has pushed so far.
type ChanSource struct {
	ch <-chan Candidate
}

func NewChanSource(ch <-chan Candidate) *ChanSource { return &ChanSource{ch: ch} }

func (s *ChanSource) Next() (Candidate, bool) {
	select {
	case c, ok := <-s.ch:
		return c, ok
	default:
		return Candidate{}, false
	}
}

// Restart is a no-op: a channel cannot be rewound, and the producer keeps
// feeding it.
func (s *ChanSource) Restart() {}
