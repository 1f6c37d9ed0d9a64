package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindfabric/eventcore/internal/config"
	"github.com/mindfabric/eventcore/internal/dlq"
	errspkg "github.com/mindfabric/eventcore/internal/errs"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
	"github.com/mindfabric/eventcore/transport"
)

// DispatcherState is the lifecycle state of a Dispatcher.
type DispatcherState int32

const (
	StateStopped DispatcherState = iota
	StateInitializing
	StateRunning
	StateStopping
)

func (s DispatcherState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Dispatcher owns the consumption loop: it subscribes to the configured
// topics, bounds concurrency through the gate, routes envelopes through the
// handler registry, and sends failures to the dead letter router. Lifecycle is
// Stopped -> Initializing -> Running -> Stopping -> Stopped; Initialize and
// Start each advance it exactly one step.
type Dispatcher struct {
	cfg      *config.Config
	logger   loggingpkg.ServiceLogger
	registry *Registry
	gate     *Gate
	metrics  *Metrics

	state atomic.Int32

	tr            transport.Transport
	router        *dlq.Router
	subscriptions map[string]<-chan *message.Message

	// liveSubscriptions counts consume loops whose channel is still open.
	// A channel the broker closes underneath a running dispatcher drops the
	// count; Health refuses to report running once any loop has died.
	liveSubscriptions atomic.Int32

	cancelMu      sync.Mutex
	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
}

// NewDispatcher creates a dispatcher. The prometheus registerer may be nil, in
// which case the default registerer is used.
func NewDispatcher(cfg *config.Config, logger loggingpkg.ServiceLogger, registerer prometheus.Registerer) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(cfg.Topics) == 0 {
		return nil, errspkg.ErrTopicsRequired
	}

	metrics := NewMetrics(registerer)

	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(logger),
		gate:     NewGate(cfg.MaxInFlight, metrics),
		metrics:  metrics,
	}, nil
}

// RegisterHandler adds a handler to the registry. Must be called before
// Start; registration order decides match precedence.
func (d *Dispatcher) RegisterHandler(h Handler) error {
	return d.registry.Register(h)
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() DispatcherState {
	return DispatcherState(d.state.Load())
}

func (d *Dispatcher) transitionState(from, to DispatcherState) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}

// Initialize builds the transport, subscribes to every configured topic, and
// prepares the dead letter router. Any broker failure here is fatal: the
// dispatcher returns to Stopped and the error is wrapped so callers can
// distinguish it from handler-level trouble.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	if !d.transitionState(StateStopped, StateInitializing) {
		return fmt.Errorf("%w: dispatcher is %s", errspkg.ErrAlreadyStarted, d.State())
	}

	d.cancelMu.Lock()
	d.consumeCtx, d.consumeCancel = context.WithCancel(context.Background())
	d.cancelMu.Unlock()
	d.shutdownOnce = sync.Once{}

	wmLogger := loggingpkg.NewWatermillAdapter(d.logger)

	tr, err := transport.Build(ctx, d.cfg, wmLogger)
	if err != nil {
		d.abortInitialize()
		return fmt.Errorf("%w: build transport: %v", errspkg.ErrFatalBroker, err)
	}
	d.tr = tr

	d.subscriptions = make(map[string]<-chan *message.Message, len(d.cfg.Topics))
	for _, topic := range d.cfg.Topics {
		msgs, err := tr.Subscriber.Subscribe(d.consumeCtx, topic)
		if err != nil {
			d.closeTransport()
			d.abortInitialize()
			return fmt.Errorf("%w: subscribe %s: %v", errspkg.ErrFatalBroker, topic, err)
		}
		d.subscriptions[topic] = msgs
	}

	d.router = dlq.NewRouter(tr.Publisher, d.cfg.ConsumerGroup, d.cfg.DLQSuffix, d.logger, nil)

	if d.cfg.MetricsEnabled {
		if err := d.metrics.Register(); err != nil {
			d.closeTransport()
			d.abortInitialize()
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := d.router.Register(); err != nil {
			d.closeTransport()
			d.abortInitialize()
			return fmt.Errorf("register dlq metrics: %w", err)
		}
	}

	d.logger.Info("Dispatcher initialized", loggingpkg.LogFields{
		"transport":      d.cfg.Transport,
		"topics":         d.cfg.Topics,
		"consumer_group": d.cfg.ConsumerGroup,
		"max_in_flight":  d.cfg.MaxInFlight,
	})
	return nil
}

func (d *Dispatcher) abortInitialize() {
	d.consumeCancel()
	d.state.Store(int32(StateStopped))
}

func (d *Dispatcher) closeTransport() {
	if d.tr.Subscriber != nil {
		_ = d.tr.Subscriber.Close()
	}
	if d.tr.Publisher != nil {
		_ = d.tr.Publisher.Close()
	}
}

// Start seals the handler registry and begins consuming. Calling Start on a
// dispatcher that is already running is a logged no-op.
func (d *Dispatcher) Start() error {
	if d.State() == StateRunning {
		d.logger.Warn("Start called on a running dispatcher", nil)
		return nil
	}
	if !d.transitionState(StateInitializing, StateRunning) {
		return errspkg.ErrNotInitialized
	}

	d.registry.Seal()

	d.liveSubscriptions.Store(int32(len(d.subscriptions)))
	for topic, msgs := range d.subscriptions {
		d.wg.Add(1)
		go d.consumeLoop(topic, msgs)
	}

	d.logger.Info("Dispatcher started", loggingpkg.LogFields{
		"handlers": d.registry.Len(),
		"topics":   len(d.subscriptions),
	})
	return nil
}

// Run is a convenience combining Initialize and Start.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	return d.Start()
}

func (d *Dispatcher) consumeLoop(topic string, msgs <-chan *message.Message) {
	defer d.wg.Done()

	for {
		select {
		case <-d.consumeCtx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				d.subscriptionClosed(topic)
				return
			}
			d.processMessage(topic, msg)
		}
	}
}

// subscriptionClosed records a subscription channel the broker closed while
// the dispatcher was still consuming. During shutdown the close is expected
// and ignored; otherwise the loop is gone for good, so the loss is logged and
// counted where Health can see it.
func (d *Dispatcher) subscriptionClosed(topic string) {
	if d.consumeCtx.Err() != nil {
		return
	}
	remaining := d.liveSubscriptions.Add(-1)
	d.logger.Error("Subscription channel closed while running", errspkg.ErrFatalBroker, loggingpkg.LogFields{
		"topic":                   topic,
		"remaining_subscriptions": remaining,
	})
}

// processMessage resolves a single consumed message. Messages that cannot be
// decoded never reach a handler: they go straight to the dead letter queue and
// are acknowledged so the poison message does not wedge its partition.
func (d *Dispatcher) processMessage(topic string, msg *message.Message) {
	start := time.Now()

	env, err := DecodeEnvelope(msg, topic)
	if err != nil {
		source := ExtractSourceInfo(msg)
		d.router.Route(d.consumeCtx, dlq.FailedMessage{
			Topic:     topic,
			Partition: source.Partition,
			Offset:    source.Offset,
			Timestamp: source.Timestamp,
			Key:       source.Key,
			Payload:   msg.Payload,
		}, err.Error())
		d.metrics.ObserveOutcome(EventTypeUnknown, Failed(FailureDeserialization, err), time.Since(start))
		msg.Ack()
		return
	}

	if err := d.gate.Acquire(d.consumeCtx); err != nil {
		// Shutting down; the unacked message redelivers to the next instance.
		msg.Nack()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.gate.Release()
		d.dispatch(env, msg)
	}()
}

func (d *Dispatcher) dispatch(env *Envelope, msg *message.Message) {
	start := time.Now()
	out := d.registry.Route(d.consumeCtx, env)
	duration := time.Since(start)

	if out.Status == StatusFailed {
		d.router.Route(d.consumeCtx, dlq.FailedMessage{
			Topic:     env.Topic,
			Partition: env.Partition,
			Offset:    env.Offset,
			Timestamp: env.Timestamp,
			Key:       env.Key,
			Payload:   msg.Payload,
		}, out.ErrorText())
	}

	// Ack after any DLQ routing: the message is either fully processed or
	// safely parked, so its offset may be committed.
	msg.Ack()
	d.metrics.ObserveOutcome(env.EventType, out, duration)
}

// Stop drains in-flight work and tears the dispatcher down. Every teardown
// step runs even if an earlier one fails; the returned error joins whatever
// went wrong along the way.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.transitionState(StateRunning, StateStopping) {
		if !d.transitionState(StateInitializing, StateStopping) {
			return nil
		}
	}

	d.logger.Info("Dispatcher stopping", nil)

	var errs []error

	// Stop may race a concurrent Initialize that has claimed the state but
	// not yet created the consume context.
	d.cancelMu.Lock()
	cancel := d.consumeCancel
	d.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	grace := d.cfg.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	if !d.waitWithTimeout(grace) {
		errs = append(errs, fmt.Errorf("shutdown grace of %s elapsed with work still in flight", grace))
	}

	if d.tr.Subscriber != nil {
		if err := d.tr.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}

	d.shutdownOnce.Do(func() {
		for _, h := range d.registry.Handlers() {
			sh, ok := h.(ShutdownHandler)
			if !ok {
				continue
			}
			if err := sh.Shutdown(ctx); err != nil {
				d.logger.Error("Handler shutdown failed", err, loggingpkg.LogFields{
					"handler": h.Name(),
				})
				errs = append(errs, fmt.Errorf("shutdown %s: %w", h.Name(), err))
			}
		}
	})

	if d.router != nil {
		if err := d.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dlq router: %w", err))
		}
	}

	d.state.Store(int32(StateStopped))
	d.logger.Info("Dispatcher stopped", nil)

	return errors.Join(errs...)
}

func (d *Dispatcher) waitWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Publisher returns the transport publisher. Only valid after Initialize;
// useful for producing onto the same connection the consumer uses.
func (d *Dispatcher) Publisher() message.Publisher {
	return d.tr.Publisher
}

// Health reports the dispatcher's current health verdict. A dispatcher whose
// broker closed any of its subscription channels no longer counts as running,
// even though its lifecycle state has not changed.
func (d *Dispatcher) Health() Health {
	running := d.State() == StateRunning &&
		int(d.liveSubscriptions.Load()) == len(d.subscriptions)
	return EvaluateHealth(running, d.registry.Len(), d.metrics.Snapshot())
}

// GateStats exposes the in-flight gate counters.
func (d *Dispatcher) GateStats() GateStats {
	return d.gate.Stats()
}

// Metrics returns the metrics collector, for wiring into HTTP surfaces.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}
