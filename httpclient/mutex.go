package httpclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// ErrLockTimeout is returned by Mutex.Lock when the lock was not granted
// within the requested TTL.
var ErrLockTimeout = errors.New("httpclient: timed out waiting for lock")

// Mutex is a FIFO mutual-exclusion lock whose waiters give up after a TTL.
//
// Unlike sync.Mutex, ownership is handed directly from Unlock to the next
// waiter, so waiters are served strictly in arrival order. A waiter that
// timed out keeps its queue slot; when Unlock reaches a stale slot it is
// skipped as if that waiter had locked and immediately unlocked.
type Mutex struct {
	mu     sync.Mutex
	locked bool
	queue  []*lockWaiter
	clock  quartz.Clock
	logger zerolog.Logger
}

type lockWaiter struct {
	granted chan struct{}
	stale   bool
}

// NewMutex returns an unlocked Mutex using the given clock for TTL timers.
// A nil clock means the real clock.
func NewMutex(clock quartz.Clock, logger zerolog.Logger) *Mutex {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Mutex{clock: clock, logger: logger}
}

// Lock acquires the mutex, waiting at most ttl when it is held.
// A ttl of zero or less waits indefinitely.
func (m *Mutex) Lock(ttl time.Duration) error {
	return m.LockContext(context.Background(), ttl)
}

// LockContext is Lock that also gives up when ctx is done, returning the
// context's cause. The abandoned queue slot becomes stale like a timed-out
// one.
func (m *Mutex) LockContext(ctx context.Context, ttl time.Duration) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}

	w := &lockWaiter{granted: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	var expired <-chan time.Time
	if ttl > 0 {
		timer := m.clock.NewTimer(ttl, "mutex", "lock")
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-w.granted:
		return nil
	case <-expired:
		err = ErrLockTimeout
	case <-ctx.Done():
		err = context.Cause(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Granted between giving up and re-acquiring m.mu: the lock is ours.
	select {
	case <-w.granted:
		return nil
	default:
	}

	w.stale = true
	return err
}

// Unlock releases the mutex, transferring it to the next waiting caller.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		m.logger.Warn().Msg("unlock of unlocked mutex ignored")
		return
	}

	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]

		if next.stale {
			continue
		}
		close(next.granted)
		return
	}

	m.locked = false
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Waiting reports how many callers are queued, including stale slots.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
