package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/mindfabric/eventcore/internal/errs"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

// Handler is the pluggable unit of business logic. A handler owns its own
// internal state (HTTP clients, DB handles); the core never reaches into it.
type Handler interface {
	// CanHandle reports whether this handler claims the given event type.
	CanHandle(eventType string) bool
	// Handle processes the envelope. A returned error marks the dispatch as
	// failed and routes the message to the dead letter queue.
	Handle(ctx context.Context, env *Envelope) error
	// Name identifies the handler in logs, traces, and metrics.
	Name() string
}

// ShutdownHandler is implemented by handlers that need a teardown hook during
// dispatcher shutdown.
type ShutdownHandler interface {
	Shutdown(ctx context.Context) error
}

// Registry holds the ordered handler list. Registration order is significant:
// the first handler whose CanHandle returns true receives the envelope. The
// registry seals itself when the dispatcher starts and needs no locking on
// the dispatch path after that.
type Registry struct {
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	handlers []Handler
	sealed   bool
}

func NewRegistry(logger loggingpkg.ServiceLogger) *Registry {
	return &Registry{logger: logger}
}

// Register appends a handler. It fails after the registry has been sealed.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if h.Name() == "" {
		return errspkg.ErrHandlerNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errspkg.ErrRegistrySealed
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Seal freezes the handler list. Called once when the dispatcher starts.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Handlers() []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Route dispatches env to the first matching handler and converts every
// possible failure into an Outcome value. This is the single containment
// boundary of the system: nothing a handler does, including panicking, may
// stop the stream.
func (r *Registry) Route(ctx context.Context, env *Envelope) Outcome {
	for _, h := range r.Handlers() {
		if h.CanHandle(env.EventType) {
			return r.invoke(ctx, h, env)
		}
	}

	r.logger.Debug("No handler matched event", loggingpkg.LogFields{
		"event_type":     env.EventType,
		"topic":          env.Topic,
		"handlers_count": r.Len(),
		"correlation_id": env.CorrelationID.String(),
	})
	return Skipped(ReasonNoHandler)
}

func (r *Registry) invoke(ctx context.Context, h Handler, env *Envelope) (out Outcome) {
	tracer := otel.Tracer("eventcore/dispatch")
	ctx, span := tracer.Start(ctx, "handler_invoked", trace.WithAttributes(
		attribute.String("eventcore.handler", h.Name()),
		attribute.String("eventcore.event_type", env.EventType),
		attribute.String("eventcore.correlation_id", env.CorrelationID.String()),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("handler %s panicked: %v", h.Name(), rec)
			span.SetStatus(codes.Error, err.Error())
			span.AddEvent("handler_failed")
			r.logger.Error("Handler panicked", err, loggingpkg.LogFields{
				"handler":        h.Name(),
				"event_type":     env.EventType,
				"correlation_id": env.CorrelationID.String(),
			})
			out = Failed(FailureHandler, err)
		}
	}()

	if err := h.Handle(ctx, env); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.AddEvent("handler_failed")
		r.logger.Error("Handler failed", err, loggingpkg.LogFields{
			"handler":        h.Name(),
			"event_type":     env.EventType,
			"correlation_id": env.CorrelationID.String(),
		})
		return Failed(classifyHandlerError(err), fmt.Errorf("handler %s: %w", h.Name(), err))
	}

	span.AddEvent("handler_completed")
	return Processed()
}

// classifyHandlerError refines the failure kind for outcomes that cross the
// dispatch boundary. Anything unrecognised is a plain handler error.
func classifyHandlerError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureHandler
}
