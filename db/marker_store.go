package db

import (
	"context"
	"fmt"

	"github.com/waterlinehq/waterline/cfg"
)

// MarkerRecord is the stored value for one (room, user) read marker.
type MarkerRecord struct {
	Event     string
	UpdatedAt int64
}

// MarkerStore persists read markers. It extends the coordinator's view of
// the store with enumeration and lifecycle methods used by the admin
// surface and shutdown path.
type MarkerStore interface {
	// Get returns the marker event for (room, user), or ok=false when the
	// user has no marker in the room yet.
	Get(ctx context.Context, room, user string) (event string, ok bool, err error)

	// GetAllForRoom returns the user -> marker event mapping for every
	// user with a marker in the room.
	GetAllForRoom(ctx context.Context, room string) (map[string]string, error)

	// Set creates or replaces the marker for (room, user).
	Set(ctx context.Context, room, user, event string) error

	// Rooms returns every room that has at least one marker.
	Rooms(ctx context.Context) ([]string, error)

	Close() error
}

// NewMarkerStore opens the marker store selected by cfg.Config.Store.
func NewMarkerStore() (MarkerStore, error) {
	switch cfg.Config.Store.Backend {
	case cfg.MarkerStorePebble:
		return NewPebbleMarkerStore(cfg.ResolvePath(cfg.Config.Store.Path), DefaultPebbleOptions())
	case cfg.MarkerStoreMemory:
		return NewMemoryMarkerStore(), nil
	default:
		return nil, fmt.Errorf("unknown marker store backend: %s", cfg.Config.Store.Backend)
	}
}
