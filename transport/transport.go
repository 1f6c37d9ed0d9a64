// Package transport defines the core interfaces and types for eventcore
// broker backends. Each backend (kafka, jetstream, channel) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataPartitionKey is the metadata key carrying the partitioning key for
// published messages. The Kafka publisher maps it onto the record key; other
// backends ignore it.
const MetadataPartitionKey = "partition_key"

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface keeps backends from depending on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// NATS JetStream
	GetNATSURL() string
	GetStreamName() string

	// In-memory channel
	GetChannelBufferSize() int64

	// Subscription
	GetConsumerGroup() string
	GetAutoOffsetReset() string
	GetEnableAutoCommit() bool
	GetPollTimeout() time.Duration
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
