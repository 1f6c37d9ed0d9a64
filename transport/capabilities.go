package transport

// Capabilities describes the delivery features of a transport backend. The
// dispatcher uses them to decide how much source metadata (partition, offset)
// a dead letter record can carry.
type Capabilities struct {
	// SupportsPartitioning indicates the backend shards topics into
	// partitions with per-partition ordering.
	SupportsPartitioning bool

	// SupportsOffsets indicates consumed messages carry a monotonically
	// increasing position that is committed to mark progress.
	SupportsOffsets bool

	// SupportsConsumerGroups indicates several consumer instances can share
	// a subscription.
	SupportsConsumerGroups bool

	// SupportsAck indicates explicit per-message acknowledgment.
	SupportsAck bool

	// OrderedPerPartition indicates delivery within one partition is
	// serialized until the previous message is acknowledged.
	OrderedPerPartition bool

	// Name is the human-readable name of the transport.
	Name string
}

// KafkaCapabilities describes the Kafka backend.
var KafkaCapabilities = Capabilities{
	SupportsPartitioning:   true,
	SupportsOffsets:        true,
	SupportsConsumerGroups: true,
	SupportsAck:            true,
	OrderedPerPartition:    true,
	Name:                   "Apache Kafka",
}

// JetStreamCapabilities describes the NATS JetStream backend.
var JetStreamCapabilities = Capabilities{
	SupportsOffsets:        true,
	SupportsConsumerGroups: true,
	SupportsAck:            true,
	OrderedPerPartition:    true,
	Name:                   "NATS JetStream",
}

// ChannelCapabilities describes the in-memory Go channel backend.
var ChannelCapabilities = Capabilities{
	SupportsAck:         true,
	OrderedPerPartition: true,
	Name:                "Go Channels (in-memory)",
}
