package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotConfig saves and restores the global Config around a test.
func snapshotConfig(t *testing.T) {
	t.Helper()
	saved := *Config
	t.Cleanup(func() { *Config = saved })
}

func TestValidate_Defaults(t *testing.T) {
	snapshotConfig(t)
	require.NoError(t, Validate())
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	snapshotConfig(t)
	Config.HTTP.Port = 0
	assert.Error(t, Validate())

	Config.HTTP.Port = 70000
	assert.Error(t, Validate())
}

func TestValidate_InvalidBackend(t *testing.T) {
	snapshotConfig(t)
	Config.Store.Backend = "etcd"
	assert.Error(t, Validate())
}

func TestValidate_MemoryBackendNeedsNoPath(t *testing.T) {
	snapshotConfig(t)
	Config.Store.Backend = MarkerStoreMemory
	Config.Store.Path = ""
	assert.NoError(t, Validate())
}

func TestValidate_SinkRequirements(t *testing.T) {
	snapshotConfig(t)

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "events", Type: "nats"}}
	assert.Error(t, Validate(), "nats sink without URL must fail")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "events", Type: "kafka"}}
	assert.Error(t, Validate(), "kafka sink without brokers must fail")

	Config.Publisher.Sinks = []SinkConfiguration{{
		Name: "events", Type: "nats", NatsURL: "nats://localhost:4222", Format: "cbor",
	}}
	assert.Error(t, Validate(), "unknown format must fail")

	Config.Publisher.Sinks = []SinkConfiguration{{
		Name: "events", Type: "nats", NatsURL: "nats://localhost:4222", Format: "msgpack",
	}}
	assert.NoError(t, Validate())
}

func TestValidate_RetentionBounds(t *testing.T) {
	snapshotConfig(t)

	Config.Retention.QueueSize = 0
	assert.Error(t, Validate())

	Config.Retention.QueueSize = 16
	Config.Retention.RetryInitialMS = 500
	Config.Retention.RetryMaxMS = 100
	assert.Error(t, Validate(), "retry max below retry initial must fail")
}

func TestValidate_PublisherRetryBounds(t *testing.T) {
	snapshotConfig(t)

	Config.Publisher.RetryInitialMS = 0
	assert.Error(t, Validate())

	Config.Publisher.RetryInitialMS = 500
	Config.Publisher.RetryMaxMS = 100
	assert.Error(t, Validate(), "retry max below retry initial must fail")

	Config.Publisher.RetryMaxMS = 5000
	Config.Publisher.MaxRetries = 0
	assert.Error(t, Validate())

	Config.Publisher.MaxRetries = 3
	assert.NoError(t, Validate())
}

func TestLoad_FromFile(t *testing.T) {
	snapshotConfig(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + dir + `"

[http]
bind_address = "127.0.0.1"
port = 9999

[store]
backend = "memory"

[logging]
verbose = true
format = "json"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	require.NoError(t, Load(configPath))

	assert.Equal(t, uint64(42), Config.NodeID)
	assert.Equal(t, 9999, Config.HTTP.Port)
	assert.Equal(t, MarkerStoreMemory, Config.Store.Backend)
	assert.True(t, Config.Logging.Verbose)
	assert.Equal(t, "json", Config.Logging.Format)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	snapshotConfig(t)

	Config.DataDir = t.TempDir()
	Config.NodeID = 7 // Skip machine-id generation
	require.NoError(t, Load(filepath.Join(Config.DataDir, "does-not-exist.toml")))
	assert.Equal(t, uint64(7), Config.NodeID)
}

func TestResolvePath(t *testing.T) {
	snapshotConfig(t)
	Config.DataDir = "/var/lib/waterline"

	assert.Equal(t, "/var/lib/waterline/markers.pebble", ResolvePath("markers.pebble"))
	assert.Equal(t, "/tmp/elsewhere", ResolvePath("/tmp/elsewhere"))
}
