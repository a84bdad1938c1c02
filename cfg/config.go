package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// MarkerStoreBackend defines where read markers are persisted
type MarkerStoreBackend string

const (
	MarkerStorePebble MarkerStoreBackend = "pebble" // PebbleDB on local disk
	MarkerStoreMemory MarkerStoreBackend = "memory" // In-process, lost on restart
)

// HTTPConfiguration for the read-marker API server
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Empty disables bearer auth
}

// StoreConfiguration controls marker persistence
type StoreConfiguration struct {
	Backend        MarkerStoreBackend `toml:"backend"`
	Path           string             `toml:"path"`         // Pebble directory, relative to data_dir unless absolute
	CacheSizeMB    int                `toml:"cache_size_mb"` // Pebble block cache
	SyncWrites     bool               `toml:"sync_writes"`  // fsync marker writes
	MemTableSizeMB int                `toml:"memtable_size_mb"`
}

// IndexConfiguration controls the event ordering index
type IndexConfiguration struct {
	Path           string `toml:"path"`             // SQLite file, relative to data_dir unless absolute
	OrderCacheSize int    `toml:"order_cache_size"` // LRU entries for resolved order keys
	FastPath       bool   `toml:"fast_path"`        // Cuckoo filter for definitely-unknown events
}

// RetentionConfiguration controls the purge worker
type RetentionConfiguration struct {
	Enabled        bool   `toml:"enabled"`
	QueueSize      int    `toml:"queue_size"`
	ArchiveEnabled bool   `toml:"archive_enabled"`
	ArchiveDir     string `toml:"archive_dir"` // Relative to data_dir unless absolute
	RetryInitialMS int    `toml:"retry_initial_ms"`
	RetryMaxMS     int    `toml:"retry_max_ms"`
	MaxRetries     int    `toml:"max_retries"`
}

// SinkConfiguration describes one external marker-change sink
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`          // "nats", "kafka", ...
	Format       string   `toml:"format"`        // "json" or "msgpack"
	TopicPrefix  string   `toml:"topic_prefix"`  // e.g. "waterline.markers"
	RoomPatterns []string `toml:"room_patterns"` // Glob patterns, empty matches all rooms
	NatsURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
}

// PublisherConfiguration controls external fan-out of marker changes
type PublisherConfiguration struct {
	Enabled        bool                `toml:"enabled"`
	RetryInitialMS int                 `toml:"retry_initial_ms"`
	RetryMaxMS     int                 `toml:"retry_max_ms"`
	MaxRetries     int                 `toml:"max_retries"` // Attempts before a signal is dropped
	Sinks          []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served on the API listener
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	HTTP       HTTPConfiguration       `toml:"http"`
	Store      StoreConfiguration      `toml:"store"`
	Index      IndexConfiguration      `toml:"index"`
	Retention  RetentionConfiguration  `toml:"retention"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./waterline-data",

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8480,
	},

	Store: StoreConfiguration{
		Backend:        MarkerStorePebble,
		Path:           "markers.pebble",
		CacheSizeMB:    32,
		SyncWrites:     true,
		MemTableSizeMB: 16,
	},

	Index: IndexConfiguration{
		Path:           "events.db",
		OrderCacheSize: 65536,
		FastPath:       true,
	},

	Retention: RetentionConfiguration{
		Enabled:        true,
		QueueSize:      256,
		ArchiveEnabled: true,
		ArchiveDir:     "archive",
		RetryInitialMS: 100,
		RetryMaxMS:     30000,
		MaxRetries:     10,
	},

	Publisher: PublisherConfiguration{
		Enabled:        false,
		RetryInitialMS: 100,
		RetryMaxMS:     30000,
		MaxRetries:     10,
		Sinks:          []SinkConfiguration{},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("waterline")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	switch Config.Store.Backend {
	case MarkerStorePebble, MarkerStoreMemory:
	default:
		return fmt.Errorf("invalid marker store backend: %s", Config.Store.Backend)
	}

	if Config.Store.Backend == MarkerStorePebble && Config.Store.Path == "" {
		return fmt.Errorf("pebble marker store requires a path")
	}

	if Config.Store.CacheSizeMB < 1 {
		return fmt.Errorf("store cache size must be >= 1 MB")
	}

	if Config.Store.MemTableSizeMB < 1 {
		return fmt.Errorf("store memtable size must be >= 1 MB")
	}

	if Config.Index.Path == "" {
		return fmt.Errorf("event index requires a path")
	}

	if Config.Index.OrderCacheSize < 1 {
		return fmt.Errorf("order cache size must be >= 1")
	}

	if Config.Retention.QueueSize < 1 {
		return fmt.Errorf("retention queue size must be >= 1")
	}

	if Config.Retention.RetryInitialMS < 1 {
		return fmt.Errorf("retention retry initial must be >= 1ms")
	}

	if Config.Retention.RetryMaxMS < Config.Retention.RetryInitialMS {
		return fmt.Errorf("retention retry max must be >= retry initial")
	}

	if Config.Retention.MaxRetries < 0 {
		return fmt.Errorf("retention max retries must be >= 0")
	}

	if Config.Publisher.RetryInitialMS < 1 {
		return fmt.Errorf("publisher retry initial must be >= 1ms")
	}

	if Config.Publisher.RetryMaxMS < Config.Publisher.RetryInitialMS {
		return fmt.Errorf("publisher retry max must be >= retry initial")
	}

	if Config.Publisher.MaxRetries < 1 {
		return fmt.Errorf("publisher max retries must be >= 1")
	}

	for i, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher sink %d requires a name", i)
		}
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.KafkaBrokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires kafka_brokers", sink.Name)
			}
		case "":
			return fmt.Errorf("sink %q requires a type", sink.Name)
		}
		switch sink.Format {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("sink %q: invalid format %q", sink.Name, sink.Format)
		}
	}

	return nil
}

// ResolvePath resolves a configured path against the data directory.
// Absolute paths are returned unchanged.
func ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Config.DataDir, p)
}
