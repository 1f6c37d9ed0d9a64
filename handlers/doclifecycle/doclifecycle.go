// Package doclifecycle provides the built-in handler observing document
// processing lifecycle events.
package doclifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mindfabric/eventcore/internal/core"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

// EventTypePrefix is the event type family this handler claims.
const EventTypePrefix = "document-processing-"

// Handler tracks document processing transitions. It keeps the last observed
// phase per document so out-of-order deliveries are visible in the logs.
type Handler struct {
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	lastPhase map[string]string
}

// New creates a document lifecycle handler.
func New(logger loggingpkg.ServiceLogger) *Handler {
	return &Handler{
		logger:    logger,
		lastPhase: make(map[string]string),
	}
}

// CanHandle claims all document-processing event phases.
func (h *Handler) CanHandle(eventType string) bool {
	return strings.HasPrefix(eventType, EventTypePrefix)
}

// Handle validates the payload and records the lifecycle transition.
func (h *Handler) Handle(ctx context.Context, env *core.Envelope) error {
	docID, ok := env.Payload["document_id"].(string)
	if !ok || docID == "" {
		return fmt.Errorf("payload validation failed: missing document_id")
	}

	phase := strings.TrimPrefix(env.EventType, EventTypePrefix)

	h.mu.Lock()
	previous := h.lastPhase[docID]
	h.lastPhase[docID] = phase
	h.mu.Unlock()

	fields := loggingpkg.LogFields{
		"document_id":    docID,
		"phase":          phase,
		"correlation_id": env.CorrelationID.String(),
	}
	if previous != "" {
		fields["previous_phase"] = previous
	}

	if phase == "failed" {
		reason, _ := env.Payload["error"].(string)
		fields["reason"] = reason
		h.logger.Warn("Document processing failed", fields)
		return nil
	}

	h.logger.Info("Document lifecycle transition", fields)
	return nil
}

// Name identifies the handler in logs and traces.
func (h *Handler) Name() string {
	return "document-lifecycle"
}

// LastPhase returns the most recent phase observed for a document and whether
// the document has been seen at all.
func (h *Handler) LastPhase(docID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	phase, ok := h.lastPhase[docID]
	return phase, ok
}

// Shutdown clears the tracked state.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.lastPhase = make(map[string]string)
	h.mu.Unlock()
	return nil
}
