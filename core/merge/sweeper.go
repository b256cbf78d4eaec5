package merge

import (
	"sync"
	"time"
)

// Sweeper runs a prune function on a fixed interval. Presence entries are
// normally pruned lazily on read, but transient entities (click effects and
// similar fire-and-forget state) have no guaranteed subsequent read, so an
// interval sweep bounds their growth.
type Sweeper struct {
	interval time.Duration
	sweep    func()

	mu       sync.Mutex
	shutdown chan struct{}
}

// NewSweeper constructs a stopped sweeper around the prune function.
func NewSweeper(interval time.Duration, sweep func()) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		interval: interval,
		sweep:    sweep,
		mu:       sync.Mutex{},
		shutdown: nil,
	}
}

// Start launches the interval sweep. Starting a running sweeper is a no-op.
func (s *Sweeper) Start() {
	if s == nil || s.sweep == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown != nil {
		return
	}
	s.shutdown = make(chan struct{})
	go s.run(s.shutdown)
}

// Stop halts the interval sweep. Stopping a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown == nil {
		return
	}
	close(s.shutdown)
	s.shutdown = nil
}

func (s *Sweeper) run(shutdown chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
