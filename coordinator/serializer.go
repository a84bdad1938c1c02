package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/waterlinehq/waterline/telemetry"
)

// waiter is a single queued acquisition. ready is closed when the key is
// handed to this waiter.
type waiter struct {
	ready chan struct{}
}

// keyState tracks the holder and FIFO queue for one key.
type keyState struct {
	held    bool
	waiters []*waiter
}

// KeyedSerializer provides mutual exclusion scoped to an arbitrary string
// key. While a key is held, other acquisitions of the same key block until
// release; acquisitions of distinct keys never block each other. Waiters
// for the same key are served in arrival order.
//
// An operation holds at most one key at a time, so there is no lock
// ordering to get wrong across keys.
type KeyedSerializer struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// NewKeyedSerializer creates an empty serializer.
func NewKeyedSerializer() *KeyedSerializer {
	return &KeyedSerializer{
		keys: make(map[string]*keyState),
	}
}

// Acquire blocks until the key is granted or ctx is done. On success it
// returns a release function; calling it more than once is safe. Every
// code path of the owning operation must release, typically via defer.
func (s *KeyedSerializer) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	state, ok := s.keys[key]
	if !ok {
		state = &keyState{}
		s.keys[key] = state
		telemetry.SerializerActiveKeys.Inc()
	}

	if !state.held {
		state.held = true
		s.mu.Unlock()
		return s.releaseFunc(key), nil
	}

	w := &waiter{ready: make(chan struct{})}
	state.waiters = append(state.waiters, w)
	s.mu.Unlock()

	start := time.Now()

	select {
	case <-w.ready:
		telemetry.SerializerWaitSeconds.Observe(time.Since(start).Seconds())
		return s.releaseFunc(key), nil

	case <-ctx.Done():
		s.mu.Lock()
		if state := s.keys[key]; state != nil {
			for i, other := range state.waiters {
				if other == w {
					state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
					s.mu.Unlock()
					return nil, ctx.Err()
				}
			}
		}
		// The grant raced the cancellation: the key was already handed to
		// this waiter, so it must be passed onward.
		s.releaseLocked(key)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseFunc wraps release in a sync.Once so deferred and explicit
// releases can coexist.
func (s *KeyedSerializer) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.releaseLocked(key)
			s.mu.Unlock()
		})
	}
}

// releaseLocked hands the key to the oldest waiter, or clears it when the
// queue is empty. Caller must hold s.mu.
func (s *KeyedSerializer) releaseLocked(key string) {
	state := s.keys[key]
	if state == nil {
		return
	}

	if len(state.waiters) > 0 {
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		close(next.ready) // key stays held, new owner
		return
	}

	state.held = false
	delete(s.keys, key)
	telemetry.SerializerActiveKeys.Dec()
}

// ActiveKeys returns the number of keys currently held or queued.
func (s *KeyedSerializer) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// QueuedWaiters returns the number of blocked acquisitions for key.
func (s *KeyedSerializer) QueuedWaiters(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.keys[key]; ok {
		return len(state.waiters)
	}
	return 0
}
