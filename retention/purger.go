package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/cfg"
	"github.com/waterlinehq/waterline/db"
	"github.com/waterlinehq/waterline/order"
	"github.com/waterlinehq/waterline/telemetry"
)

// PurgeStats summarizes one completed purge run.
type PurgeStats struct {
	Room          string
	Watermark     order.Key
	EventsPurged  int64
	ArchivedBytes int64
	Duration      time.Duration
}

// Options configures the purger.
type Options struct {
	QueueSize      int
	ArchiveEnabled bool
	ArchiveDir     string
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxRetries     int
}

// OptionsFromConfig builds Options from cfg.Config.Retention.
func OptionsFromConfig() Options {
	rt := cfg.Config.Retention
	return Options{
		QueueSize:      rt.QueueSize,
		ArchiveEnabled: rt.ArchiveEnabled,
		ArchiveDir:     cfg.ResolvePath(rt.ArchiveDir),
		RetryInitial:   time.Duration(rt.RetryInitialMS) * time.Millisecond,
		RetryMax:       time.Duration(rt.RetryMaxMS) * time.Millisecond,
		MaxRetries:     rt.MaxRetries,
	}
}

type purgeRequest struct {
	room      string
	watermark order.Key
	promise   *future.Promise[PurgeStats]
}

// Purger expires room history that has fallen below the room-wide read
// watermark, optionally archiving it first. Expired events keep their
// index rows so stored markers pointing below the watermark stay
// resolvable. It implements the coordinator's RetentionTrigger: requests
// are queued and a single worker drains them, so purging never runs on an
// update's critical path.
//
// A full queue drops the request. That is safe because any later
// watermark advance for the room re-covers the skipped range.
type Purger struct {
	index *db.EventIndex
	opts  Options

	queue       chan *purgeRequest
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewPurger creates a purger over the event index.
func NewPurger(index *db.EventIndex, opts Options) *Purger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}

	return &Purger{
		index: index,
		opts:  opts,
		queue: make(chan *purgeRequest, opts.QueueSize),
	}
}

// Start starts the purge worker.
func (p *Purger) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}

	p.running.Store(true)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	log.Info().Int("queue_size", p.opts.QueueSize).Msg("Starting retention purger")
	go p.workLoop()
}

// Stop stops the worker without draining the queue. Pending requests are
// dropped; their ranges are re-covered by the next watermark advance.
func (p *Purger) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return
	}

	close(p.stopCh)
	<-p.doneCh
	p.running.Store(false)

	log.Info().Msg("Retention purger stopped")
}

// PurgeBefore queues a purge of everything in room strictly below the
// watermark. Fire-and-forget: a full queue drops the request.
func (p *Purger) PurgeBefore(room string, watermark order.Key) {
	_, ok := p.tryEnqueue(room, watermark)
	if !ok {
		telemetry.PurgeRunsTotal.With("dropped").Inc()
		log.Warn().
			Str("room", room).
			Stringer("watermark", watermark).
			Msg("Purge queue full, dropping request")
	}
}

// Enqueue queues a purge and returns a future resolving to its stats.
// Returns an error immediately when the queue is full.
func (p *Purger) Enqueue(room string, watermark order.Key) (*future.Future[PurgeStats], error) {
	f, ok := p.tryEnqueue(room, watermark)
	if !ok {
		return nil, fmt.Errorf("purge queue full (%d pending)", len(p.queue))
	}
	return f, nil
}

func (p *Purger) tryEnqueue(room string, watermark order.Key) (*future.Future[PurgeStats], bool) {
	req := &purgeRequest{
		room:      room,
		watermark: watermark,
		promise:   future.NewPromise[PurgeStats](),
	}

	select {
	case p.queue <- req:
		telemetry.PurgeQueueDepth.Set(float64(len(p.queue)))
		return req.promise.Future(), true
	default:
		return nil, false
	}
}

// QueueDepth returns the number of pending purge requests.
func (p *Purger) QueueDepth() int {
	return len(p.queue)
}

func (p *Purger) workLoop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.queue:
			telemetry.PurgeQueueDepth.Set(float64(len(p.queue)))
			stats, err := p.runWithRetry(req.room, req.watermark)
			req.promise.Set(stats, err)
		}
	}
}

// runWithRetry executes one purge with exponential backoff. The run is
// idempotent, so a retry after a partial failure just re-covers the range.
func (p *Purger) runWithRetry(room string, watermark order.Key) (PurgeStats, error) {
	delay := p.opts.RetryInitial
	attempts := 0

	for {
		stats, err := p.runPurge(room, watermark)
		if err == nil {
			return stats, nil
		}

		attempts++
		if attempts >= p.opts.MaxRetries {
			telemetry.PurgeRunsTotal.With("failed").Inc()
			log.Error().
				Err(err).
				Str("room", room).
				Stringer("watermark", watermark).
				Int("attempts", attempts).
				Msg("Purge failed, giving up")
			return PurgeStats{}, fmt.Errorf("purge %s below %s: %w", room, watermark, err)
		}

		log.Warn().
			Err(err).
			Str("room", room).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Purge failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-p.stopCh:
			timer.Stop()
			return PurgeStats{}, fmt.Errorf("purger stopped during retry")
		case <-timer.C:
		}

		delay *= 2
		if delay > p.opts.RetryMax {
			delay = p.opts.RetryMax
		}
	}
}

func (p *Purger) runPurge(room string, watermark order.Key) (PurgeStats, error) {
	start := time.Now()
	ctx := context.Background()

	events, err := p.index.EventsBefore(ctx, room, watermark, 0)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("scan events: %w", err)
	}

	stats := PurgeStats{Room: room, Watermark: watermark}

	if len(events) > 0 && p.opts.ArchiveEnabled {
		n, err := p.archive(room, watermark, events)
		if err != nil {
			return PurgeStats{}, fmt.Errorf("archive events: %w", err)
		}
		stats.ArchivedBytes = n
	}

	expired, err := p.index.ExpireBefore(ctx, room, watermark)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("expire events: %w", err)
	}
	stats.EventsPurged = expired

	if err := p.index.SetPurgeWatermark(ctx, room, watermark); err != nil {
		return PurgeStats{}, fmt.Errorf("record watermark: %w", err)
	}

	stats.Duration = time.Since(start)
	telemetry.PurgeRunsTotal.With("success").Inc()
	telemetry.PurgeDurationSeconds.Observe(stats.Duration.Seconds())
	telemetry.PurgedEventsTotal.Add(float64(expired))

	log.Info().
		Str("room", room).
		Stringer("watermark", watermark).
		Int64("events", expired).
		Dur("duration", stats.Duration).
		Msg("Expired room history below watermark")

	return stats, nil
}

// archive writes the events as zstd-compressed JSON lines and returns the
// compressed size in bytes.
func (p *Purger) archive(room string, watermark order.Key, events []db.EventRecord) (int64, error) {
	dir := filepath.Join(p.opts.ArchiveDir, sanitizeRoomDir(room))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	name := fmt.Sprintf("%d-%d-%d.jsonl.zst", watermark.Depth, watermark.Stream, time.Now().UnixNano())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return 0, err
	}

	write := func() error {
		for _, event := range events {
			line, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := enc.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return enc.Close()
	}

	if err := write(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// sanitizeRoomDir maps a room identifier to a safe directory name.
func sanitizeRoomDir(room string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, room)
}
