// Package publisher fans read-marker changes out to external systems
// (Kafka, NATS).
//
// # Architecture
//
// The package consists of three main components:
//
// 1. Registry: builds one Worker per configured sink and owns their lifecycle
// 2. Worker: consumes hub signals, filters by room, transforms and publishes
// 3. Interfaces: Sink, Transformer, and Filter abstractions
//
// Delivery is best effort. Workers subscribe to the in-process notify.Hub,
// so a slow sink drops signals at the hub buffer instead of back-pressuring
// marker updates, and a publish that exhausts its retries is dropped with a
// log line. Consumers needing a complete change history should read markers
// from the HTTP API instead.
//
// Example usage:
//
//	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
//		Hub:         hub,
//		Resolver:    oracle,
//		NodeID:      cfg.Config.NodeID,
//		SinkConfigs: cfg.Config.Publisher.Sinks,
//	})
//	if err != nil {
//		return err
//	}
//	registry.Start()
//	defer registry.Stop()
package publisher
