// Package dlq routes failed messages to per-topic dead letter queues,
// enriched with failure context. Routing never propagates an error back into
// the consumption loop.
package dlq

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindfabric/eventcore/internal/ids"
	"github.com/mindfabric/eventcore/internal/jsoncodec"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
	"github.com/mindfabric/eventcore/transport"
)

// binaryValueMarker replaces original payloads that are not valid UTF-8 text.
const binaryValueMarker = "<binary>"

// Record is the JSON document published to the dead letter topic. It is
// immutable once published and never read back by the core.
type Record struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalTimestamp string `json:"original_timestamp,omitempty"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	ErrorCategory     string `json:"error_category"`
	ErrorTimestamp    string `json:"error_timestamp"`
	ConsumerGroup     string `json:"consumer_group"`
}

// FailedMessage carries everything the router needs about the original
// message. Payload is the raw wire bytes, not the decoded envelope.
type FailedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       string
	Payload   []byte
}

// Router publishes dead letter records. It owns the publisher handed to it
// and closes it on Close.
type Router struct {
	publisher     message.Publisher
	consumerGroup string
	suffix        string
	logger        loggingpkg.ServiceLogger

	routedTotal     *prometheus.CounterVec
	publishFailures prometheus.Counter

	registerer prometheus.Registerer
}

// NewRouter creates a dead letter router publishing to "<topic><suffix>".
func NewRouter(publisher message.Publisher, consumerGroup, suffix string, logger loggingpkg.ServiceLogger, registerer prometheus.Registerer) *Router {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if suffix == "" {
		suffix = ".dlq"
	}

	return &Router{
		publisher:     publisher,
		consumerGroup: consumerGroup,
		suffix:        suffix,
		logger:        logger,
		registerer:    registerer,
		routedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "dlq",
				Name:      "routed_total",
				Help:      "Messages routed to a dead letter topic",
			},
			[]string{"original_topic", "error_type"},
		),
		publishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "dlq",
				Name:      "publish_failures_total",
				Help:      "Dead letter publishes that themselves failed",
			},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (r *Router) Register() error {
	for _, c := range []prometheus.Collector{r.routedTotal, r.publishFailures} {
		if err := r.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Route publishes a dead letter record for fm. It never returns an error: a
// failed publish is logged and counted, nothing more, so the consumption loop
// cannot be taken down by its own failure sink.
func (r *Router) Route(ctx context.Context, fm FailedMessage, errText string) {
	category := Classify(errText)

	rec := Record{
		OriginalTopic:     fm.Topic,
		OriginalPartition: fm.Partition,
		OriginalOffset:    fm.Offset,
		OriginalValue:     decodeOriginalValue(fm.Payload),
		ErrorMessage:      errText,
		ErrorCategory:     category,
		ErrorTimestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		ConsumerGroup:     r.consumerGroup,
	}
	if !fm.Timestamp.IsZero() {
		rec.OriginalTimestamp = fm.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	payload, err := jsoncodec.Marshal(rec)
	if err != nil {
		r.publishFailures.Inc()
		r.logger.Error("Failed to marshal dead letter record", err, loggingpkg.LogFields{
			"original_topic": fm.Topic,
		})
		return
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	msg.SetContext(ctx)
	if fm.Key != "" {
		// Preserve coarse partition affinity for DLQ consumers.
		msg.Metadata.Set(transport.MetadataPartitionKey, fm.Key)
	}

	dlqTopic := fm.Topic + r.suffix
	if err := r.publisher.Publish(dlqTopic, msg); err != nil {
		r.publishFailures.Inc()
		r.logger.Error("Failed to publish dead letter record", err, loggingpkg.LogFields{
			"dlq_topic":      dlqTopic,
			"error_category": category,
		})
		return
	}

	r.routedTotal.WithLabelValues(fm.Topic, category).Inc()
	r.logger.Info("Routed message to dead letter queue", loggingpkg.LogFields{
		"dlq_topic":       dlqTopic,
		"error_category":  category,
		"original_offset": fm.Offset,
	})
}

// Close shuts down the underlying publisher.
func (r *Router) Close() error {
	return r.publisher.Close()
}

func decodeOriginalValue(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	if !utf8.Valid(payload) {
		return binaryValueMarker
	}
	return string(payload)
}
