package publisher

// MarkerEvent is a read-marker change enriched for external consumers.
type MarkerEvent struct {
	Room      string `msgpack:"room" json:"room"`       // Room identifier
	User      string `msgpack:"user" json:"user"`       // User whose marker moved
	Event     string `msgpack:"event" json:"event"`     // New marker event
	Depth     int64  `msgpack:"depth" json:"depth"`     // Order key depth (0 if unresolved)
	Stream    int64  `msgpack:"stream" json:"stream"`   // Order key stream (0 if unresolved)
	NodeID    uint64 `msgpack:"node" json:"node"`       // Originating node
	ChangedAt int64  `msgpack:"ts" json:"ts"`           // Unix nanos when observed
}

// Sink represents a destination for marker events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts marker events to sink-specific formats
type Transformer interface {
	// Transform converts a marker event to bytes for publishing
	Transform(event MarkerEvent) ([]byte, error)
}

// Filter determines whether a marker event should be published
type Filter interface {
	// Match returns true if changes in the room should be published
	Match(room string) bool
}
