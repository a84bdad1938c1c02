package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/coordinator"
	"github.com/waterlinehq/waterline/order"
	"github.com/waterlinehq/waterline/telemetry"
)

const eventIndexSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id        TEXT PRIMARY KEY,
	room_id         TEXT NOT NULL,
	depth           INTEGER NOT NULL,
	stream_ordering INTEGER NOT NULL UNIQUE,
	received_at     INTEGER NOT NULL,
	expired         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_room_order
	ON events(room_id, depth, stream_ordering);

CREATE TABLE IF NOT EXISTS purge_watermarks (
	room_id         TEXT PRIMARY KEY,
	depth           INTEGER NOT NULL,
	stream_ordering INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

// EventRecord is one indexed event with its position in the room order.
type EventRecord struct {
	EventID string `db:"event_id"`
	RoomID  string `db:"room_id"`
	Depth   int64  `db:"depth"`
	Stream  int64  `db:"stream_ordering"`
}

// Key returns the event's order key.
func (r EventRecord) Key() order.Key {
	return order.Key{Depth: r.Depth, Stream: r.Stream}
}

// EventIndex maps event identifiers to order keys, backed by SQLite. It is
// the authoritative ordering oracle; CachedOracle wraps it with an LRU and
// an optional known-event filter.
//
// Stream orderings are allocated here, strictly increasing across the
// whole index, so two events at the same depth still have a total order.
type EventIndex struct {
	db *sql.DB
	gq *goqu.Database

	mu         sync.Mutex
	nextStream int64
}

var _ coordinator.OrderingOracle = (*EventIndex)(nil)

// NewEventIndex opens (or creates) the event index at path.
func NewEventIndex(path string) (*EventIndex, error) {
	db, err := sql.Open(SQLiteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event index: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent ingest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(eventIndexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create event index schema: %w", err)
	}

	idx := &EventIndex{
		db: db,
		gq: goqu.New("sqlite3", db),
	}

	var maxStream sql.NullInt64
	if err := db.QueryRow("SELECT MAX(stream_ordering) FROM events").Scan(&maxStream); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read max stream ordering: %w", err)
	}
	idx.nextStream = maxStream.Int64 + 1

	log.Debug().
		Str("path", path).
		Int64("next_stream", idx.nextStream).
		Msg("Opened event index")

	return idx, nil
}

// InsertEvent indexes an event at the given depth, allocating its stream
// ordering. Re-inserting a known event is a no-op returning the existing
// key, so ingest is idempotent.
func (x *EventIndex) InsertEvent(ctx context.Context, room, event string, depth int64) (order.Key, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	stream := x.nextStream
	res, err := x.gq.Insert("events").Rows(goqu.Record{
		"event_id":        event,
		"room_id":         room,
		"depth":           depth,
		"stream_ordering": stream,
		"received_at":     time.Now().UnixNano(),
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	if err != nil {
		return order.Key{}, fmt.Errorf("failed to index event %s: %w", event, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return order.Key{}, err
	}
	if affected == 0 {
		// Already indexed, keep the original position.
		return x.OrderKeyFor(ctx, event)
	}

	x.nextStream++
	telemetry.IndexedEventsTotal.Inc()
	return order.Key{Depth: depth, Stream: stream}, nil
}

// OrderKeyFor resolves a single event's order key.
func (x *EventIndex) OrderKeyFor(ctx context.Context, event string) (order.Key, error) {
	var rec EventRecord
	found, err := x.gq.From("events").
		Where(goqu.C("event_id").Eq(event)).
		ScanStructContext(ctx, &rec)
	if err != nil {
		return order.Key{}, err
	}
	if !found {
		return order.Key{}, fmt.Errorf("event %s: %w", event, coordinator.ErrUnknownEvent)
	}
	return rec.Key(), nil
}

// IsAfter reports whether event a is strictly later than event b.
func (x *EventIndex) IsAfter(ctx context.Context, a, b string) (bool, error) {
	ka, err := x.OrderKeyFor(ctx, a)
	if err != nil {
		return false, err
	}
	kb, err := x.OrderKeyFor(ctx, b)
	if err != nil {
		return false, err
	}
	return order.After(ka, kb), nil
}

// OrderKeysFor resolves order keys for every given event in one query.
func (x *EventIndex) OrderKeysFor(ctx context.Context, events []string) (map[string]order.Key, error) {
	if len(events) == 0 {
		return map[string]order.Key{}, nil
	}

	var recs []EventRecord
	err := x.gq.From("events").
		Where(goqu.C("event_id").In(events)).
		ScanStructsContext(ctx, &recs)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]order.Key, len(recs))
	for _, rec := range recs {
		keys[rec.EventID] = rec.Key()
	}

	for _, event := range events {
		if _, ok := keys[event]; !ok {
			return nil, fmt.Errorf("event %s: %w", event, coordinator.ErrUnknownEvent)
		}
	}

	return keys, nil
}

// belowWatermark matches events in room strictly before the watermark.
func belowWatermark(room string, before order.Key) goqu.Expression {
	return goqu.And(
		goqu.C("room_id").Eq(room),
		goqu.Or(
			goqu.C("depth").Lt(before.Depth),
			goqu.And(
				goqu.C("depth").Eq(before.Depth),
				goqu.C("stream_ordering").Lt(before.Stream),
			),
		),
	)
}

// EventsBefore returns up to limit live (not yet expired) events in room
// strictly before the watermark, oldest first. limit <= 0 means no limit.
// Already-expired events are skipped so each event is handed out exactly
// once across purge runs.
func (x *EventIndex) EventsBefore(ctx context.Context, room string, before order.Key, limit int) ([]EventRecord, error) {
	ds := x.gq.From("events").
		Where(belowWatermark(room, before), goqu.C("expired").Eq(0)).
		Order(goqu.C("depth").Asc(), goqu.C("stream_ordering").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	var recs []EventRecord
	if err := ds.ScanStructsContext(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ExpireBefore marks every live event in room strictly before the
// watermark as expired and returns how many were newly expired. Rows are
// kept, not deleted: a user's current marker may sit below another user's
// watermark, and the room-wide update must still resolve it. Expired
// events stay resolvable through OrderKeyFor and OrderKeysFor.
func (x *EventIndex) ExpireBefore(ctx context.Context, room string, before order.Key) (int64, error) {
	res, err := x.gq.Update("events").
		Set(goqu.Record{"expired": 1}).
		Where(belowWatermark(room, before), goqu.C("expired").Eq(0)).
		Executor().ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetPurgeWatermark records the highest watermark purged for a room.
func (x *EventIndex) SetPurgeWatermark(ctx context.Context, room string, mark order.Key) error {
	_, err := x.gq.Insert("purge_watermarks").Rows(goqu.Record{
		"room_id":         room,
		"depth":           mark.Depth,
		"stream_ordering": mark.Stream,
		"updated_at":      time.Now().UnixNano(),
	}).OnConflict(goqu.DoUpdate("room_id", goqu.Record{
		"depth":           mark.Depth,
		"stream_ordering": mark.Stream,
		"updated_at":      time.Now().UnixNano(),
	})).Executor().ExecContext(ctx)
	return err
}

// PurgeWatermark returns the last recorded purge watermark for a room.
func (x *EventIndex) PurgeWatermark(ctx context.Context, room string) (order.Key, bool, error) {
	var rec struct {
		Depth  int64 `db:"depth"`
		Stream int64 `db:"stream_ordering"`
	}
	found, err := x.gq.From("purge_watermarks").
		Select("depth", "stream_ordering").
		Where(goqu.C("room_id").Eq(room)).
		ScanStructContext(ctx, &rec)
	if err != nil {
		return order.Key{}, false, err
	}
	if !found {
		return order.Key{}, false, nil
	}
	return order.Key{Depth: rec.Depth, Stream: rec.Stream}, true, nil
}

// ForEachEventID streams every indexed event identifier. Used to rebuild
// the known-event filter on startup.
func (x *EventIndex) ForEachEventID(ctx context.Context, fn func(event string) error) error {
	rows, err := x.db.QueryContext(ctx, "SELECT event_id FROM events")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event string
		if err := rows.Scan(&event); err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEvents returns the number of indexed events in a room, expired
// included.
func (x *EventIndex) CountEvents(ctx context.Context, room string) (int64, error) {
	return x.gq.From("events").
		Where(goqu.C("room_id").Eq(room)).
		CountContext(ctx)
}

// CountLiveEvents returns the number of events in a room that retention
// has not yet expired.
func (x *EventIndex) CountLiveEvents(ctx context.Context, room string) (int64, error) {
	return x.gq.From("events").
		Where(goqu.C("room_id").Eq(room), goqu.C("expired").Eq(0)).
		CountContext(ctx)
}

// Close closes the underlying database.
func (x *EventIndex) Close() error {
	return x.db.Close()
}
