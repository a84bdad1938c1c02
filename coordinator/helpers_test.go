package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/waterlinehq/waterline/order"
)

var errDown = errors.New("backend down")

// fakeStore is an in-memory MarkerStore with switchable failure modes.
type fakeStore struct {
	mu       sync.Mutex
	markers  map[string]map[string]string // room -> user -> event
	failGet  bool
	failSet  bool
	setCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{markers: make(map[string]map[string]string)}
}

func (s *fakeStore) Get(_ context.Context, room, user string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return "", false, errDown
	}
	event, ok := s.markers[room][user]
	return event, ok, nil
}

func (s *fakeStore) GetAllForRoom(_ context.Context, room string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errDown
	}
	out := make(map[string]string, len(s.markers[room]))
	for user, event := range s.markers[room] {
		out[user] = event
	}
	return out, nil
}

func (s *fakeStore) Set(_ context.Context, room, user, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errDown
	}
	if s.markers[room] == nil {
		s.markers[room] = make(map[string]string)
	}
	s.markers[room][user] = event
	s.setCalls++
	return nil
}

func (s *fakeStore) marker(room, user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.markers[room][user]
	return event, ok
}

func (s *fakeStore) seed(room, user, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers[room] == nil {
		s.markers[room] = make(map[string]string)
	}
	s.markers[room][user] = event
}

// fakeOracle resolves events from a fixed table; anything else is unknown.
type fakeOracle struct {
	mu   sync.Mutex
	keys map[string]order.Key
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{keys: make(map[string]order.Key)}
}

func (o *fakeOracle) add(event string, key order.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys[event] = key
}

func (o *fakeOracle) IsAfter(_ context.Context, a, b string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ka, ok := o.keys[a]
	if !ok {
		return false, fmt.Errorf("event %s: %w", a, ErrUnknownEvent)
	}
	kb, ok := o.keys[b]
	if !ok {
		return false, fmt.Errorf("event %s: %w", b, ErrUnknownEvent)
	}
	return order.After(ka, kb), nil
}

func (o *fakeOracle) OrderKeysFor(_ context.Context, events []string) (map[string]order.Key, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]order.Key, len(events))
	for _, event := range events {
		key, ok := o.keys[event]
		if !ok {
			return nil, fmt.Errorf("event %s: %w", event, ErrUnknownEvent)
		}
		out[event] = key
	}
	return out, nil
}

type markerChange struct {
	room, user, event string
}

// recordingPublisher captures MarkerChanged calls.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []markerChange
}

func (p *recordingPublisher) MarkerChanged(room, user, event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, markerChange{room, user, event})
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

type purgeCall struct {
	room      string
	watermark order.Key
}

// recordingRetention captures PurgeBefore calls and optionally runs a hook
// inside the trigger (to observe serializer state at trigger time).
type recordingRetention struct {
	mu    sync.Mutex
	calls []purgeCall
	hook  func()
}

func (r *recordingRetention) PurgeBefore(room string, watermark order.Key) {
	if r.hook != nil {
		r.hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, purgeCall{room, watermark})
}

func (r *recordingRetention) purges() []purgeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]purgeCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// testRig bundles a coordinator with its fakes.
type testRig struct {
	store     *fakeStore
	oracle    *fakeOracle
	publisher *recordingPublisher
	retention *recordingRetention
	ser       *KeyedSerializer
	coord     *ReadMarkerCoordinator
}

func newTestRig() *testRig {
	rig := &testRig{
		store:     newFakeStore(),
		oracle:    newFakeOracle(),
		publisher: &recordingPublisher{},
		retention: &recordingRetention{},
		ser:       NewKeyedSerializer(),
	}
	rig.coord = NewReadMarkerCoordinator(rig.store, rig.oracle, rig.publisher, rig.retention, rig.ser)
	return rig
}
