// Package patternusage provides the built-in handler that feeds pattern
// usage events into the batched usage writer.
package patternusage

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindfabric/eventcore/internal/core"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

// EventTypePrefix is the event type family this handler claims.
const EventTypePrefix = "pattern-usage-"

// Tracker accumulates pattern usage observations. *batch.Writer satisfies it.
type Tracker interface {
	Track(patternKey, contributorID string) error
}

// Handler records which agent used which pattern. It never writes to the
// store directly; everything funnels through the tracker's flush cycle.
type Handler struct {
	tracker Tracker
	logger  loggingpkg.ServiceLogger
}

// New creates a pattern usage handler.
func New(tracker Tracker, logger loggingpkg.ServiceLogger) *Handler {
	return &Handler{tracker: tracker, logger: logger}
}

// CanHandle claims all pattern-usage event phases.
func (h *Handler) CanHandle(eventType string) bool {
	return strings.HasPrefix(eventType, EventTypePrefix)
}

// Handle extracts the pattern key and contributing agent from the payload and
// tracks the observation. Missing fields are validation errors.
func (h *Handler) Handle(ctx context.Context, env *core.Envelope) error {
	patternKey, ok := env.Payload["pattern_key"].(string)
	if !ok || patternKey == "" {
		return fmt.Errorf("payload validation failed: missing pattern_key")
	}
	agentID, ok := env.Payload["agent_id"].(string)
	if !ok || agentID == "" {
		return fmt.Errorf("payload validation failed: missing agent_id")
	}

	if err := h.tracker.Track(patternKey, agentID); err != nil {
		return fmt.Errorf("track pattern usage: %w", err)
	}

	h.logger.Debug("Tracked pattern usage", loggingpkg.LogFields{
		"pattern_key":    patternKey,
		"agent_id":       agentID,
		"event_type":     env.EventType,
		"correlation_id": env.CorrelationID.String(),
	})
	return nil
}

// Name identifies the handler in logs and traces.
func (h *Handler) Name() string {
	return "pattern-usage-tracker"
}
