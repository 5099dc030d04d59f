// Package termpool implements the bounded session pool sessions are
// checked out from (spec §4.D).
package termpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/numerus-run/numerus/internal/ptysession"
)

type slot struct {
	session *ptysession.Session
	inUse   bool
}

// Pool is a bounded set of sessions identified by session id, with
// FIFO acquire/release semantics.
type Pool struct {
	mu        sync.Mutex
	slots     map[string]*slot
	available chan *ptysession.Session
	size      int
}

// New constructs a pool with room for up to size sessions.
func New(size int) *Pool {
	return &Pool{
		slots:     make(map[string]*slot),
		available: make(chan *ptysession.Session, size),
		size:      size,
	}
}

// ErrDuplicateSession is returned by Add when the session id is already
// registered.
type ErrDuplicateSession struct{ ID string }

func (e *ErrDuplicateSession) Error() string {
	return fmt.Sprintf("termpool: session %q already registered", e.ID)
}

// Add registers a freshly-opened, idle session with the pool.
func (p *Pool) Add(s *ptysession.Session) error {
	p.mu.Lock()
	if _, exists := p.slots[s.ID()]; exists {
		p.mu.Unlock()
		return &ErrDuplicateSession{ID: s.ID()}
	}
	p.slots[s.ID()] = &slot{session: s}
	p.mu.Unlock()

	p.available <- s
	return nil
}

// ErrAcquireTimeout is returned by Acquire when no session becomes
// available within the requested timeout.
var ErrAcquireTimeout = fmt.Errorf("termpool: timed out acquiring a session")

// Acquire pops an idle session from the FIFO. If block is false, it
// returns ErrAcquireTimeout immediately when none is idle (timeout is
// ignored in that case); if block is true, it waits up to timeout (or
// forever if timeout<=0).
func (p *Pool) Acquire(block bool, timeout time.Duration) (*ptysession.Session, error) {
	var s *ptysession.Session
	if !block {
		select {
		case s = <-p.available:
		default:
			return nil, ErrAcquireTimeout
		}
	} else if timeout <= 0 {
		s = <-p.available
	} else {
		select {
		case s = <-p.available:
		case <-time.After(timeout):
			return nil, ErrAcquireTimeout
		}
	}

	p.mu.Lock()
	if sl, ok := p.slots[s.ID()]; ok {
		sl.inUse = true
	}
	p.mu.Unlock()
	return s, nil
}

// Release returns a session to the idle FIFO.
func (p *Pool) Release(s *ptysession.Session) {
	p.mu.Lock()
	if sl, ok := p.slots[s.ID()]; ok {
		sl.inUse = false
	}
	p.mu.Unlock()
	p.available <- s
}

// Remove forgets a session's slot (the caller closes the session
// first). It does not take the session out of the idle FIFO: a
// removed session that is checked out is not returned by Acquire
// again unless it is released, but one removed while idle still can be.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, id)
}

// Stats reports current pool occupancy.
type Stats struct {
	Size      int
	Pooled    int
	InUse     int
	Available int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, sl := range p.slots {
		if sl.inUse {
			inUse++
		}
	}
	return Stats{
		Size:      p.size,
		Pooled:    len(p.slots),
		InUse:     inUse,
		Available: len(p.available),
	}
}
