package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfabric/eventcore/internal/config"
	"github.com/mindfabric/eventcore/internal/dlq"
	errspkg "github.com/mindfabric/eventcore/internal/errs"
	"github.com/mindfabric/eventcore/internal/ids"
	"github.com/mindfabric/eventcore/internal/jsoncodec"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
	"github.com/mindfabric/eventcore/transport"
	_ "github.com/mindfabric/eventcore/transport/channel"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig(topics ...string) *config.Config {
	return &config.Config{
		Transport:          "channel",
		ConsumerGroup:      "test-group",
		Topics:             topics,
		AutoOffsetReset:    config.OffsetResetEarliest,
		MaxInFlight:        8,
		PollTimeout:        time.Second,
		ShutdownGrace:      5 * time.Second,
		DLQSuffix:          ".dlq",
		BatchFlushInterval: 5 * time.Second,
		StoreMaxWriters:    10,
		MetricsEnabled:     true,
	}
}

func newTestDispatcher(t *testing.T, cfg *config.Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, testLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return d
}

func wirePayload(t *testing.T, eventType string, payload map[string]any) []byte {
	t.Helper()
	raw, err := jsoncodec.Marshal(map[string]any{
		"event_type":     eventType,
		"correlation_id": uuid.NewString(),
		"timestamp":      float64(time.Now().Unix()),
		"payload":        payload,
	})
	require.NoError(t, err)
	return raw
}

// recordingHandler collects every envelope it receives and can be told to
// fail on specific payload markers.
type recordingHandler struct {
	name   string
	prefix string
	failOn string

	mu   sync.Mutex
	seen []*Envelope
}

func (h *recordingHandler) CanHandle(eventType string) bool {
	return strings.HasPrefix(eventType, h.prefix)
}

func (h *recordingHandler) Handle(ctx context.Context, env *Envelope) error {
	if h.failOn != "" {
		if marker, _ := env.Payload["marker"].(string); marker == h.failOn {
			return errors.New("boom")
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, env)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type shutdownRecordingHandler struct {
	recordingHandler

	shutdownMu    sync.Mutex
	shutdownCalls int
}

func (h *shutdownRecordingHandler) Shutdown(ctx context.Context) error {
	h.shutdownMu.Lock()
	h.shutdownCalls++
	h.shutdownMu.Unlock()
	return nil
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, testLogger(), prometheus.NewRegistry())
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewDispatcher(testConfig("events.test"), nil, prometheus.NewRegistry())
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewDispatcher(testConfig(), testLogger(), prometheus.NewRegistry())
	assert.ErrorIs(t, err, errspkg.ErrTopicsRequired)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	assert.Equal(t, StateStopped, d.State())

	require.NoError(t, d.Initialize(context.Background()))
	assert.Equal(t, StateInitializing, d.State())

	require.NoError(t, d.Start())
	assert.Equal(t, StateRunning, d.State())

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, StateStopped, d.State())
}

func TestDispatcher_StartWithoutInitialize(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	assert.ErrorIs(t, d.Start(), errspkg.ErrNotInitialized)
}

func TestDispatcher_DoubleStartIsNoOp(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	require.NoError(t, d.Initialize(context.Background()))
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	assert.NoError(t, d.Start())
	assert.Equal(t, StateRunning, d.State())
}

func TestDispatcher_UnknownTransportIsFatal(t *testing.T) {
	cfg := testConfig("events.test")
	cfg.Transport = "carrier-pigeon"

	d := newTestDispatcher(t, cfg)
	err := d.Initialize(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrFatalBroker)
	assert.Equal(t, StateStopped, d.State())
}

func TestDispatcher_ProcessesEvents(t *testing.T) {
	const topic = "prod.patterns.pattern-usage-completed.v1"

	d := newTestDispatcher(t, testConfig(topic))
	handler := &recordingHandler{name: "recorder", prefix: "pattern-usage-"}
	require.NoError(t, d.RegisterHandler(handler))

	require.NoError(t, d.Run(context.Background()))
	defer d.Stop(context.Background())

	for i := 0; i < 5; i++ {
		payload := wirePayload(t, "pattern-usage-completed", map[string]any{
			"pattern_key": fmt.Sprintf("pat-%d", i),
			"agent_id":    "agent-1",
		})
		msg := message.NewMessage(ids.NewMessageID(), payload)
		require.NoError(t, d.tr.Publisher.Publish(topic, msg))
	}

	require.Eventually(t, func() bool {
		return handler.count() == 5
	}, 5*time.Second, 10*time.Millisecond)

	snap := d.Metrics().Snapshot()
	assert.Equal(t, uint64(5), snap.TotalEvents)
	assert.Zero(t, snap.FailedEvents)
}

func TestDispatcher_NoHandlerSkips(t *testing.T) {
	const topic = "prod.docs.doc-created.v1"

	d := newTestDispatcher(t, testConfig(topic))
	require.NoError(t, d.RegisterHandler(&recordingHandler{name: "recorder", prefix: "pattern-usage-"}))

	require.NoError(t, d.Run(context.Background()))
	defer d.Stop(context.Background())

	payload := wirePayload(t, "doc-created", map[string]any{"doc_id": "d1"})
	require.NoError(t, d.tr.Publisher.Publish(topic, message.NewMessage(ids.NewMessageID(), payload)))

	require.Eventually(t, func() bool {
		return d.Metrics().Snapshot().TotalEvents == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, d.Metrics().Snapshot().FailedEvents)
}

func TestDispatcher_MalformedPayloadGoesToDLQ(t *testing.T) {
	const topic = "prod.patterns.pattern-usage-completed.v1"

	d := newTestDispatcher(t, testConfig(topic))
	handler := &recordingHandler{name: "recorder", prefix: "pattern-usage-"}
	require.NoError(t, d.RegisterHandler(handler))

	require.NoError(t, d.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlqMsgs, err := d.tr.Subscriber.Subscribe(ctx, topic+".dlq")
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	msg := message.NewMessage(ids.NewMessageID(), []byte("{not json"))
	require.NoError(t, d.tr.Publisher.Publish(topic, msg))

	select {
	case got := <-dlqMsgs:
		var rec dlq.Record
		require.NoError(t, jsoncodec.Unmarshal(got.Payload, &rec))
		assert.Equal(t, topic, rec.OriginalTopic)
		assert.Equal(t, dlq.CategoryDeserialization, rec.ErrorCategory)
		assert.Equal(t, "{not json", rec.OriginalValue)
		assert.Equal(t, "test-group", rec.ConsumerGroup)
		got.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead letter record")
	}

	// The poison message never reaches a handler.
	assert.Zero(t, handler.count())
	require.Eventually(t, func() bool {
		return d.Metrics().Snapshot().FailedEvents == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_HandlerFailureGoesToDLQ(t *testing.T) {
	const topic = "prod.patterns.pattern-usage-completed.v1"

	d := newTestDispatcher(t, testConfig(topic))
	handler := &recordingHandler{name: "recorder", prefix: "pattern-usage-", failOn: "poison"}
	require.NoError(t, d.RegisterHandler(handler))

	require.NoError(t, d.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlqMsgs, err := d.tr.Subscriber.Subscribe(ctx, topic+".dlq")
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	for i := 0; i < 10; i++ {
		marker := "fine"
		if i == 4 {
			marker = "poison"
		}
		payload := wirePayload(t, "pattern-usage-completed", map[string]any{"marker": marker})
		require.NoError(t, d.tr.Publisher.Publish(topic, message.NewMessage(ids.NewMessageID(), payload)))
	}

	require.Eventually(t, func() bool {
		return handler.count() == 9
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case got := <-dlqMsgs:
		var rec dlq.Record
		require.NoError(t, jsoncodec.Unmarshal(got.Payload, &rec))
		assert.Equal(t, dlq.CategoryHandler, rec.ErrorCategory)
		assert.Contains(t, rec.ErrorMessage, "boom")
		got.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead letter record")
	}

	require.Eventually(t, func() bool {
		snap := d.Metrics().Snapshot()
		return snap.TotalEvents == 10 && snap.FailedEvents == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_HandlerFailureDLQKeepsOriginalKey(t *testing.T) {
	const topic = "prod.patterns.pattern-usage-completed.v1"

	d := newTestDispatcher(t, testConfig(topic))
	handler := &recordingHandler{name: "recorder", prefix: "pattern-usage-", failOn: "poison"}
	require.NoError(t, d.RegisterHandler(handler))

	require.NoError(t, d.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlqMsgs, err := d.tr.Subscriber.Subscribe(ctx, topic+".dlq")
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	payload := wirePayload(t, "pattern-usage-completed", map[string]any{"marker": "poison"})
	require.NoError(t, d.tr.Publisher.Publish(topic, message.NewMessage(ids.NewMessageID(), payload)))

	select {
	case got := <-dlqMsgs:
		// A message consumed without a broker key must not grow one on the
		// way to the dead letter queue.
		assert.Empty(t, got.Metadata.Get(transport.MetadataPartitionKey))
		got.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead letter record")
	}
}

func TestDispatcher_LostSubscriptionTurnsUnhealthy(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	require.NoError(t, d.RegisterHandler(&recordingHandler{name: "recorder", prefix: "events"}))

	require.NoError(t, d.Run(context.Background()))
	defer d.Stop(context.Background())

	require.True(t, d.Health().IsRunning)

	// Tear the broker connection out from under the running dispatcher.
	require.NoError(t, d.tr.Subscriber.Close())

	require.Eventually(t, func() bool {
		h := d.Health()
		return h.Status == StatusUnhealthy && !h.IsRunning
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, d.State())
}

func TestDispatcher_StopDuringEarlyInitialize(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))

	// Simulate Stop winning the race against an Initialize that has claimed
	// the state but not yet created the consume context.
	d.state.Store(int32(StateInitializing))

	assert.NotPanics(t, func() {
		assert.NoError(t, d.Stop(context.Background()))
	})
	assert.Equal(t, StateStopped, d.State())
}

func TestDispatcher_StopRunsShutdownHooksOnce(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	handler := &shutdownRecordingHandler{
		recordingHandler: recordingHandler{name: "hooked", prefix: "events"},
	}
	require.NoError(t, d.RegisterHandler(handler))

	require.NoError(t, d.Run(context.Background()))

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	handler.shutdownMu.Lock()
	defer handler.shutdownMu.Unlock()
	assert.Equal(t, 1, handler.shutdownCalls)
}

func TestDispatcher_Health(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	require.NoError(t, d.RegisterHandler(&recordingHandler{name: "recorder", prefix: "events"}))

	h := d.Health()
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.False(t, h.IsRunning)

	require.NoError(t, d.Run(context.Background()))
	defer d.Stop(context.Background())

	h = d.Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.IsRunning)
	assert.Equal(t, 1, h.HandlersCount)
}

func TestDispatcher_RegisterAfterStartFails(t *testing.T) {
	d := newTestDispatcher(t, testConfig("events.test"))
	require.NoError(t, d.Run(context.Background()))
	defer d.Stop(context.Background())

	err := d.RegisterHandler(&recordingHandler{name: "late", prefix: "events"})
	assert.ErrorIs(t, err, errspkg.ErrRegistrySealed)
}
