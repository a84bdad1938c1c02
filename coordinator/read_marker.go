package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/order"
	"github.com/waterlinehq/waterline/telemetry"
)

// MarkerStore persists the single current read marker per (room, user).
type MarkerStore interface {
	// Get returns the marker event for (room, user), or ok=false when the
	// user has no marker in the room yet.
	Get(ctx context.Context, room, user string) (event string, ok bool, err error)

	// GetAllForRoom returns the user -> marker event mapping for every
	// user with a marker in the room.
	GetAllForRoom(ctx context.Context, room string) (map[string]string, error)

	// Set creates or replaces the marker for (room, user).
	Set(ctx context.Context, room, user, event string) error
}

// OrderingOracle resolves event identifiers against a room's total order.
type OrderingOracle interface {
	// IsAfter reports whether event a is strictly later than event b.
	// Returns an error wrapping ErrUnknownEvent if either identifier
	// cannot be resolved.
	IsAfter(ctx context.Context, a, b string) (bool, error)

	// OrderKeysFor resolves order keys for every given event identifier.
	// Returns an error wrapping ErrUnknownEvent if any identifier cannot
	// be resolved.
	OrderKeysFor(ctx context.Context, events []string) (map[string]order.Key, error)
}

// NotificationPublisher is told about every persisted marker change so
// dependent clients can be informed. Fire-and-forget: implementations must
// not fail the update.
type NotificationPublisher interface {
	MarkerChanged(room, user, event string)
}

// RetentionTrigger is invoked when the room-wide minimum read position has
// advanced: history strictly below the watermark is no longer reachable by
// any participant. Fire-and-forget and independently retryable; it is
// never called while a serializer key is held.
type RetentionTrigger interface {
	PurgeBefore(room string, watermark order.Key)
}

// ReadMarkerCoordinator applies read-marker updates with per-key
// serialization and decides when retention should run.
//
// Two lock granularities are in play: UpdateMarker serializes on
// (room, user) while UpdateMarkerAndMaybeRetain serializes on the room
// alone. A plain update for one user can therefore interleave with a
// room-wide update's snapshot of all markers. Unifying the granularity
// would change which concurrent histories are possible, so both are kept
// as-is; see the race test in read_marker_test.go.
type ReadMarkerCoordinator struct {
	store      MarkerStore
	oracle     OrderingOracle
	publisher  NotificationPublisher
	retention  RetentionTrigger
	serializer *KeyedSerializer
}

// NewReadMarkerCoordinator wires the coordinator to its collaborators.
func NewReadMarkerCoordinator(
	store MarkerStore,
	oracle OrderingOracle,
	publisher NotificationPublisher,
	retention RetentionTrigger,
	serializer *KeyedSerializer,
) *ReadMarkerCoordinator {
	return &ReadMarkerCoordinator{
		store:      store,
		oracle:     oracle,
		publisher:  publisher,
		retention:  retention,
		serializer: serializer,
	}
}

// markerKey builds the serializer key for a single (room, user) marker.
// NUL cannot appear in either identifier, so the key is unambiguous and
// never collides with a bare room key.
func markerKey(room, user string) string {
	return room + "\x00" + user
}

// UpdateMarker moves the read marker for (room, user) to event if the
// event is strictly later in the room's order than the current marker.
// Older or duplicate events are a successful no-op: no write, no
// notification.
func (c *ReadMarkerCoordinator) UpdateMarker(ctx context.Context, room, user, event string) error {
	start := time.Now()

	release, err := c.serializer.Acquire(ctx, markerKey(room, user))
	if err != nil {
		return err
	}
	defer release()

	existing, ok, err := c.store.Get(ctx, room, user)
	if err != nil {
		telemetry.MarkerUpdatesTotal.With("single", "store_error").Inc()
		return fmt.Errorf("read marker %s/%s: %w: %w", room, user, ErrStoreUnavailable, err)
	}

	shouldUpdate := true
	if ok {
		shouldUpdate, err = c.oracle.IsAfter(ctx, event, existing)
		if err != nil {
			return c.oracleFailure("single", event, err)
		}
	}

	if !shouldUpdate {
		telemetry.MarkerUpdatesTotal.With("single", "noop").Inc()
		log.Debug().
			Str("room", room).
			Str("user", user).
			Str("event", event).
			Msg("Read marker not ahead of current, skipping")
		return nil
	}

	if err := c.store.Set(ctx, room, user, event); err != nil {
		telemetry.MarkerUpdatesTotal.With("single", "store_error").Inc()
		return fmt.Errorf("write marker %s/%s: %w: %w", room, user, ErrStoreUnavailable, err)
	}
	c.publisher.MarkerChanged(room, user, event)

	telemetry.MarkerUpdatesTotal.With("single", "applied").Inc()
	telemetry.MarkerUpdateSeconds.With("single").Observe(time.Since(start).Seconds())
	return nil
}

// UpdateMarkerAndMaybeRetain moves the read marker like UpdateMarker, but
// serializes on the room as a whole and additionally decides whether the
// room-wide minimum read position advanced. When it did, the retention
// trigger is invoked with the new marker's order key as the watermark --
// after the room key has been released, so purging never blocks other
// marker updates and its failure cannot roll back the committed write.
//
// The decision is taken against the snapshot of markers read at the start
// of the operation. The updating user's previous marker is part of that
// snapshot, so it participates in the count like any other position.
func (c *ReadMarkerCoordinator) UpdateMarkerAndMaybeRetain(ctx context.Context, room, user, event string) error {
	start := time.Now()

	var (
		shouldRetain bool
		applied      bool
		watermark    order.Key
	)

	err := func() error {
		release, err := c.serializer.Acquire(ctx, room)
		if err != nil {
			return err
		}
		defer release()

		markers, err := c.store.GetAllForRoom(ctx, room)
		if err != nil {
			telemetry.MarkerUpdatesTotal.With("room_wide", "store_error").Inc()
			return fmt.Errorf("read markers for %s: %w: %w", room, ErrStoreUnavailable, err)
		}

		shouldUpdate := true
		if existing, ok := markers[user]; ok {
			shouldUpdate, err = c.oracle.IsAfter(ctx, event, existing)
			if err != nil {
				return c.oracleFailure("room_wide", event, err)
			}
		}

		if !shouldUpdate {
			telemetry.MarkerUpdatesTotal.With("room_wide", "noop").Inc()
			log.Debug().
				Str("room", room).
				Str("user", user).
				Str("event", event).
				Msg("Read marker not ahead of current, skipping")
			return nil
		}

		// Candidate set: every currently stored marker event plus the
		// incoming one. Duplicates collapse.
		candidates := make(map[string]struct{}, len(markers)+1)
		for _, ev := range markers {
			candidates[ev] = struct{}{}
		}
		candidates[event] = struct{}{}

		ids := make([]string, 0, len(candidates))
		for ev := range candidates {
			ids = append(ids, ev)
		}

		keys, err := c.oracle.OrderKeysFor(ctx, ids)
		if err != nil {
			return c.oracleFailure("room_wide", event, err)
		}
		target, ok := keys[event]
		if !ok {
			telemetry.MarkerUpdatesTotal.With("room_wide", "unknown_event").Inc()
			return fmt.Errorf("event %s: %w", event, ErrUnknownEvent)
		}

		below := 0
		for _, k := range keys {
			if order.Less(k, target) {
				below++
			}
		}

		// The minimum provably advanced when exactly one known position
		// sits below the new marker, or when the room had no markers yet.
		shouldRetain = below == 1 || len(markers) == 0
		watermark = target

		if err := c.store.Set(ctx, room, user, event); err != nil {
			telemetry.MarkerUpdatesTotal.With("room_wide", "store_error").Inc()
			return fmt.Errorf("write marker %s/%s: %w: %w", room, user, ErrStoreUnavailable, err)
		}
		c.publisher.MarkerChanged(room, user, event)
		applied = true

		telemetry.MarkerUpdatesTotal.With("room_wide", "applied").Inc()
		telemetry.MarkerUpdateSeconds.With("room_wide").Observe(time.Since(start).Seconds())
		return nil
	}()
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	if shouldRetain {
		telemetry.RetentionTriggersTotal.With("triggered").Inc()
		log.Debug().
			Str("room", room).
			Stringer("watermark", watermark).
			Msg("Room-wide minimum advanced, triggering retention")
		c.retention.PurgeBefore(room, watermark)
	} else {
		telemetry.RetentionTriggersTotal.With("skipped").Inc()
	}

	return nil
}

// oracleFailure maps an oracle error to the operation's error contract:
// unresolvable events stay ErrUnknownEvent, everything else is a
// collaborator I/O failure.
func (c *ReadMarkerCoordinator) oracleFailure(op, event string, err error) error {
	if errors.Is(err, ErrUnknownEvent) {
		telemetry.MarkerUpdatesTotal.With(op, "unknown_event").Inc()
		return err
	}
	telemetry.MarkerUpdatesTotal.With(op, "store_error").Inc()
	return fmt.Errorf("resolve ordering for %s: %w: %w", event, ErrStoreUnavailable, err)
}
