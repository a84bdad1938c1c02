package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/cfg"
	"github.com/waterlinehq/waterline/notify"
)

// RegistryConfig configures the marker publisher registry.
type RegistryConfig struct {
	Hub         *notify.Hub             // Signal source shared by all workers
	Resolver    KeyResolver             // Optional order-key enrichment
	NodeID      uint64                  // Stamped on outgoing events
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all publisher workers.
type Registry struct {
	hub      *notify.Hub
	resolver KeyResolver
	nodeID   uint64
	workers  []*Worker
	running  atomic.Bool
	mu       sync.Mutex
}

// NewRegistry creates workers for every configured sink.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	registry := &Registry{
		hub:      config.Hub,
		resolver: config.Resolver,
		nodeID:   config.NodeID,
		workers:  make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks
			for _, worker := range registry.workers {
				if worker.config.Sink != nil {
					worker.config.Sink.Close()
				}
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Marker publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.RoomPatterns)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	pub := cfg.Config.Publisher
	worker, err := NewWorker(WorkerConfig{
		Name:         config.Name,
		Hub:          r.hub,
		Sink:         snk,
		Transformer:  trans,
		Filter:       filter,
		Resolver:     r.resolver,
		TopicPrefix:  config.TopicPrefix,
		NodeID:       r.nodeID,
		RetryInitial: time.Duration(pub.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(pub.RetryMaxMS) * time.Millisecond,
		MaxRetries:   pub.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added marker sink")

	return nil
}

// Start starts all workers.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting marker publisher registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping marker publisher registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", worker.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Marker publisher registry stopped")
}

// createSink creates a sink based on the configuration.
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer.
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format.
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format.
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
