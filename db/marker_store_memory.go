package db

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryMarkerStore keeps markers in lock-free concurrent maps. Nothing
// survives a restart; intended for tests and single-shot deployments.
type MemoryMarkerStore struct {
	rooms *xsync.MapOf[string, *xsync.MapOf[string, string]]
}

var _ MarkerStore = (*MemoryMarkerStore)(nil)

// NewMemoryMarkerStore creates an empty in-memory marker store.
func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{
		rooms: xsync.NewMapOf[string, *xsync.MapOf[string, string]](),
	}
}

func (s *MemoryMarkerStore) Get(_ context.Context, room, user string) (string, bool, error) {
	users, ok := s.rooms.Load(room)
	if !ok {
		return "", false, nil
	}
	event, ok := users.Load(user)
	return event, ok, nil
}

func (s *MemoryMarkerStore) GetAllForRoom(_ context.Context, room string) (map[string]string, error) {
	markers := make(map[string]string)
	users, ok := s.rooms.Load(room)
	if !ok {
		return markers, nil
	}
	users.Range(func(user, event string) bool {
		markers[user] = event
		return true
	})
	return markers, nil
}

func (s *MemoryMarkerStore) Set(_ context.Context, room, user, event string) error {
	users, _ := s.rooms.LoadOrStore(room, xsync.NewMapOf[string, string]())
	users.Store(user, event)
	return nil
}

func (s *MemoryMarkerStore) Rooms(_ context.Context) ([]string, error) {
	var rooms []string
	s.rooms.Range(func(room string, _ *xsync.MapOf[string, string]) bool {
		rooms = append(rooms, room)
		return true
	})
	sort.Strings(rooms)
	return rooms, nil
}

func (s *MemoryMarkerStore) Close() error {
	return nil
}
