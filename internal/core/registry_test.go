package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/mindfabric/eventcore/internal/errs"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(
		slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type stubHandler struct {
	name    string
	matches func(string) bool
	handle  func(context.Context, *Envelope) error
	calls   int
}

func (s *stubHandler) CanHandle(eventType string) bool { return s.matches(eventType) }
func (s *stubHandler) Name() string                    { return s.name }
func (s *stubHandler) Handle(ctx context.Context, env *Envelope) error {
	s.calls++
	if s.handle != nil {
		return s.handle(ctx, env)
	}
	return nil
}

func matchAll(string) bool  { return true }
func matchNone(string) bool { return false }

func testEnvelope(eventType string) *Envelope {
	return &Envelope{
		CorrelationID: uuid.New(),
		EventType:     eventType,
		Topic:         testTopic,
		Payload:       map[string]any{},
	}
}

func TestRouteFirstMatchWins(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	first := &stubHandler{name: "first", matches: matchAll}
	second := &stubHandler{name: "second", matches: matchAll}
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	out := reg.Route(context.Background(), testEnvelope("pattern-usage-completed"))

	assert.Equal(t, StatusProcessed, out.Status)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "registration order is significant, first match wins")
}

func TestRouteNoHandlerIsSkippedNotError(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(&stubHandler{name: "other", matches: matchNone}))

	out := reg.Route(context.Background(), testEnvelope("quality-assessment-completed"))

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, ReasonNoHandler, out.Reason)
	assert.Nil(t, out.Err)
}

func TestRouteHandlerErrorBecomesFailedOutcome(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(&stubHandler{
		name:    "broken",
		matches: matchAll,
		handle: func(context.Context, *Envelope) error {
			return errors.New("boom")
		},
	}))

	out := reg.Route(context.Background(), testEnvelope("x-completed"))

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, FailureHandler, out.Kind)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestRoutePanicIsContained(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(&stubHandler{
		name:    "panicky",
		matches: matchAll,
		handle: func(context.Context, *Envelope) error {
			panic("runtime explosion")
		},
	}))

	var out Outcome
	assert.NotPanics(t, func() {
		out = reg.Route(context.Background(), testEnvelope("x-completed"))
	})
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, FailureHandler, out.Kind)
	assert.Contains(t, out.Err.Error(), "panicked")
}

func TestRouteDeadlineExceededClassifiedAsTimeout(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(&stubHandler{
		name:    "slow",
		matches: matchAll,
		handle: func(context.Context, *Envelope) error {
			return context.DeadlineExceeded
		},
	}))

	out := reg.Route(context.Background(), testEnvelope("x-completed"))
	assert.Equal(t, FailureTimeout, out.Kind)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(newTestLogger())

	assert.ErrorIs(t, reg.Register(nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, reg.Register(&stubHandler{name: "", matches: matchAll}), errspkg.ErrHandlerNameEmpty)

	require.NoError(t, reg.Register(&stubHandler{name: "ok", matches: matchAll}))
	reg.Seal()
	assert.ErrorIs(t, reg.Register(&stubHandler{name: "late", matches: matchAll}), errspkg.ErrRegistrySealed)
	assert.Equal(t, 1, reg.Len())
}
