package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/clock"
	"github.com/waterlinehq/waterline/notify"
	"github.com/waterlinehq/waterline/order"
	"github.com/waterlinehq/waterline/telemetry"
)

// KeyResolver resolves event identifiers to order keys. Satisfied by the
// ordering oracle; used to enrich outgoing marker events.
type KeyResolver interface {
	OrderKeysFor(ctx context.Context, events []string) (map[string]order.Key, error)
}

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before dropping an event
	DefaultMaxRetries = 10
	// Timeout for resolving an event's order key during enrichment
	resolveTimeout = 2 * time.Second
)

// WorkerConfig configures one marker publisher worker.
type WorkerConfig struct {
	Name            string         // Sink name (for logs and metrics)
	Hub             *notify.Hub    // Signal source
	Sink            Sink           // Destination sink
	Transformer     Transformer    // Event transformer
	Filter          Filter         // Room filter
	Resolver        KeyResolver    // Optional; nil skips enrichment
	TopicPrefix     string         // Topic prefix (e.g., "waterline.markers")
	NodeID          uint64         // Stamped on outgoing events
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Retry attempts before dropping (0 = default)
}

// Worker consumes marker signals from the hub and publishes them to one
// sink. Delivery is best effort: a signal that exhausts its retries is
// dropped with a log line, never blocking the coordinator.
type Worker struct {
	config      WorkerConfig
	signals     <-chan notify.MarkerSignal
	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a marker publisher worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and starts the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.signals, w.unsubscribe = w.config.Hub.Subscribe(notify.RoomFilter{})

	log.Info().
		Str("worker", w.config.Name).
		Msg("Starting marker publisher worker")

	go w.consumeLoop()
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping marker publisher worker")

	w.unsubscribe()
	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Marker publisher worker stopped")
}

// consumeLoop is the main worker loop.
func (w *Worker) consumeLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case signal, ok := <-w.signals:
			if !ok {
				return
			}
			w.processSignal(signal)
		}
	}
}

// processSignal filters, enriches, transforms and publishes one signal.
func (w *Worker) processSignal(signal notify.MarkerSignal) {
	if !w.config.Filter.Match(signal.Room) {
		return
	}

	event := MarkerEvent{
		Room:      signal.Room,
		User:      signal.User,
		Event:     signal.Event,
		NodeID:    w.config.NodeID,
		ChangedAt: clock.Now(),
	}

	if w.config.Resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		keys, err := w.config.Resolver.OrderKeysFor(ctx, []string{signal.Event})
		cancel()
		if err == nil {
			if key, ok := keys[signal.Event]; ok {
				event.Depth = key.Depth
				event.Stream = key.Stream
			}
		} else {
			log.Debug().
				Err(err).
				Str("worker", w.config.Name).
				Str("event", signal.Event).
				Msg("Could not resolve order key, publishing without it")
		}
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		telemetry.SinkPublishTotal.With(w.config.Name, "transform_error").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("room", signal.Room).
			Msg("Failed to transform marker event")
		return
	}

	topic := w.buildTopic(signal.Room)
	key := signal.Room + "/" + signal.User

	if err := w.publishWithRetry(topic, key, data); err != nil {
		telemetry.SinkPublishTotal.With(w.config.Name, "dropped").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Msg("Dropping marker event after exhausting retries")
		return
	}

	telemetry.SinkPublishTotal.With(w.config.Name, "published").Inc()
}

// buildTopic builds the topic name for a room's marker changes.
func (w *Worker) buildTopic(room string) string {
	if w.config.TopicPrefix == "" {
		return room
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, room)
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns an error if max retries are exhausted or the worker stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		telemetry.SinkRetriesTotal.With(w.config.Name).Inc()

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish marker event, retrying")

		// Sleep with stop check
		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
