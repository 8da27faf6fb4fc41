// Package stop provides the hunt's shared, set-once stop signal.
package stop

import (
	"sync"

	"github.com/screa/ip-hunter/pkg/types"
)

// Reason says why a hunt stopped
type Reason int

const (
	Matched Reason = iota + 1
	Cancelled
	Auth
	Exhausted
)

func (r Reason) String() string {
	switch r {
	case Matched:
		return "matched"
	case Cancelled:
		return "cancelled"
	case Auth:
		return "auth"
	case Exhausted:
		return "exhausted"
	default:
		return "running"
	}
}

// Cause is the terminal cause recorded by the first writer
type Cause struct {
	Reason Reason
	Result *types.HuntResult // set for Matched
	Err    error             // set for Auth
}

// Signal is set exactly once. Every Trigger after the first is ignored.
type Signal struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.RWMutex
	cause Cause
}

// New creates an unset signal
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger sets the signal and reports whether this call was the one that set it
func (s *Signal) Trigger(c Cause) bool {
	won := false
	s.once.Do(func() {
		s.mu.Lock()
		s.cause = c
		s.mu.Unlock()
		close(s.done)
		won = true
	})
	return won
}

// Done is closed once the signal is set
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Stopped polls the signal without blocking
func (s *Signal) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Cause returns the winning cause, or a zero Cause while the signal is unset
func (s *Signal) Cause() Cause {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}
