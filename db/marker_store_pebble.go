package db

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/cfg"
	"github.com/waterlinehq/waterline/clock"
	"github.com/waterlinehq/waterline/encoding"
)

// Key layout. Rooms and users never contain NUL, so a NUL separator keys
// markers unambiguously and keeps one room's markers adjacent for prefix
// iteration.
const pebblePrefixMarker = "/marker/" // /marker/{room}\x00{user}

// PebbleMarkerStore implements MarkerStore on a local Pebble instance.
type PebbleMarkerStore struct {
	db     *pebble.DB
	path   string
	sync   *pebble.WriteOptions
	closed atomic.Bool
}

var _ MarkerStore = (*PebbleMarkerStore)(nil)

// PebbleMarkerStoreOptions configures Pebble.
type PebbleMarkerStoreOptions struct {
	CacheSizeMB    int64
	MemTableSizeMB int64
	SyncWrites     bool
	DisableWAL     bool // Only for testing!
}

// DefaultPebbleOptions returns Pebble options from cfg.Config.Store.
func DefaultPebbleOptions() PebbleMarkerStoreOptions {
	st := cfg.Config.Store
	return PebbleMarkerStoreOptions{
		CacheSizeMB:    int64(st.CacheSizeMB),
		MemTableSizeMB: int64(st.MemTableSizeMB),
		SyncWrites:     st.SyncWrites,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebbleMarkerStore opens (or creates) a Pebble-backed marker store.
func NewPebbleMarkerStore(path string, opts PebbleMarkerStoreOptions) (*PebbleMarkerStore, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		DisableWAL:   opts.DisableWAL,
		Logger:       &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	return &PebbleMarkerStore{
		db:   db,
		path: path,
		sync: writeOpts,
	}, nil
}

func pebbleMarkerKey(room, user string) []byte {
	return []byte(pebblePrefixMarker + room + "\x00" + user)
}

func pebbleRoomPrefix(room string) []byte {
	return []byte(pebblePrefixMarker + room + "\x00")
}

// prefixUpperBound returns prefix + 0xFF... for range iteration
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

// Get returns the marker event for (room, user).
func (s *PebbleMarkerStore) Get(_ context.Context, room, user string) (string, bool, error) {
	val, closer, err := s.db.Get(pebbleMarkerKey(room, user))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()

	var rec MarkerRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return "", false, fmt.Errorf("failed to decode marker record: %w", err)
	}
	return rec.Event, true, nil
}

// GetAllForRoom returns every user's marker in the room.
func (s *PebbleMarkerStore) GetAllForRoom(_ context.Context, room string) (map[string]string, error) {
	prefix := pebbleRoomPrefix(room)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	markers := make(map[string]string)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		user := string(iter.Key()[len(prefix):])

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec MarkerRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode marker record for %s: %w", user, err)
		}
		markers[user] = rec.Event
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return markers, nil
}

// Set creates or replaces the marker for (room, user).
func (s *PebbleMarkerStore) Set(_ context.Context, room, user, event string) error {
	rec := MarkerRecord{
		Event:     event,
		UpdatedAt: clock.Now(),
	}

	data, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode marker record: %w", err)
	}

	return s.db.Set(pebbleMarkerKey(room, user), data, s.sync)
}

// Rooms returns every room with at least one marker, in key order.
func (s *PebbleMarkerStore) Rooms(_ context.Context) ([]string, error) {
	prefix := []byte(pebblePrefixMarker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rooms []string
	last := ""
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		suffix := string(iter.Key()[len(prefix):])
		room, _, ok := strings.Cut(suffix, "\x00")
		if !ok {
			continue
		}
		if room != last {
			rooms = append(rooms, room)
			last = room
		}
	}

	return rooms, iter.Error()
}

// Close closes the Pebble DB (idempotent, safe to call multiple times).
func (s *PebbleMarkerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
