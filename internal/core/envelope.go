package core

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/mindfabric/eventcore/internal/ids"
	"github.com/mindfabric/eventcore/internal/jsoncodec"
)

// Envelope is the deserialized unit of work passed from the broker to
// dispatch. It is created per message and discarded once the dispatch
// resolves.
type Envelope struct {
	CorrelationID uuid.UUID
	EventType     string
	Topic         string
	Partition     int32
	Offset        int64
	Key           string
	Timestamp     time.Time
	Payload       map[string]any
}

// wireEnvelope is the JSON shape producers put on the wire. event_type and
// correlation_id are optional; timestamp is epoch seconds, possibly
// fractional.
type wireEnvelope struct {
	EventType     string         `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     float64        `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
}

// SourceInfo carries broker-level position data for a consumed message.
// Transports without partition or offset semantics leave the zero values.
type SourceInfo struct {
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       string
}

// ExtractSourceInfo reads partition, offset, timestamp, and key from the
// message context when the Kafka transport put them there.
func ExtractSourceInfo(msg *message.Message) SourceInfo {
	var info SourceInfo
	ctx := msg.Context()

	if partition, ok := kafka.MessagePartitionFromCtx(ctx); ok {
		info.Partition = partition
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx); ok {
		info.Offset = offset
	}
	if ts, ok := kafka.MessageTimestampFromCtx(ctx); ok {
		info.Timestamp = ts
	}
	if key, ok := kafka.MessageKeyFromCtx(ctx); ok {
		info.Key = string(key)
	}
	return info
}

// DecodeEnvelope parses the wire payload of msg into an Envelope. A missing
// event_type is derived from the topic; a missing or malformed correlation id
// is replaced with a fresh one. Malformed JSON is returned as an error so the
// caller can route the raw message to the dead letter queue without involving
// any handler.
func DecodeEnvelope(msg *message.Message, topic string) (*Envelope, error) {
	var wire wireEnvelope
	if err := jsoncodec.Unmarshal(msg.Payload, &wire); err != nil {
		return nil, fmt.Errorf("deserialization failed for topic %s: %w", topic, err)
	}
	if wire.Payload == nil {
		return nil, fmt.Errorf("deserialization failed for topic %s: missing payload object", topic)
	}

	source := ExtractSourceInfo(msg)

	eventType := wire.EventType
	if eventType == "" {
		eventType = DeriveEventType(topic)
	}

	ts := source.Timestamp
	if wire.Timestamp > 0 {
		sec := int64(wire.Timestamp)
		nsec := int64((wire.Timestamp - float64(sec)) * float64(time.Second))
		ts = time.Unix(sec, nsec).UTC()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &Envelope{
		CorrelationID: ids.ParseCorrelationID(wire.CorrelationID),
		EventType:     eventType,
		Topic:         topic,
		Partition:     source.Partition,
		Offset:        source.Offset,
		Key:           source.Key,
		Timestamp:     ts,
		Payload:       wire.Payload,
	}, nil
}
