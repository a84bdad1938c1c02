package clock

import (
	"sync"
	"time"
)

// Stamper issues strictly increasing nanosecond stamps for marker changes
// on this node. A wall clock that jumps backwards (NTP step, VM migration)
// never produces an out-of-order stamp: the stamper advances by at least
// one nanosecond per call regardless of what the wall clock reports.
//
// Stamps are comparable only within a single node. Cross-node ordering of
// marker changes comes from the event ordering index, not from these.
type Stamper struct {
	mu   sync.Mutex
	last int64
}

// NewStamper creates a stamper seeded from the current wall clock.
func NewStamper() *Stamper {
	return &Stamper{last: time.Now().UnixNano()}
}

// Next returns a stamp strictly greater than every stamp issued before it.
func (s *Stamper) Next() int64 {
	now := time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

var defaultStamper = NewStamper()

// Now returns a stamp from the process-wide stamper.
func Now() int64 {
	return defaultStamper.Next()
}
