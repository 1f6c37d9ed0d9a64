package core

import "time"

// HealthStatus is the overall verdict of a health evaluation.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const (
	// degradedErrorRatePercent is the failure share above which a running
	// consumer is reported degraded.
	degradedErrorRatePercent = 50.0

	// minSampleForErrorRate avoids flagging a consumer that has only seen a
	// handful of events.
	minSampleForErrorRate = 10

	// recentActivityWindow is how long the consumer may sit idle after
	// having processed events before being reported degraded.
	recentActivityWindow = 5 * time.Minute
)

// Health is the point-in-time health report of a dispatcher.
type Health struct {
	Status            HealthStatus `json:"status"`
	IsRunning         bool         `json:"is_running"`
	HandlersCount     int          `json:"handlers_count"`
	TotalEvents       uint64       `json:"total_events"`
	ErrorRatePercent  float64      `json:"error_rate_percent"`
	HasRecentActivity bool         `json:"has_recent_activity"`
}

// EvaluateHealth derives the health verdict from the run state and the
// metrics snapshot. A stopped dispatcher is always unhealthy; a running one
// degrades on a sustained error rate or on silence after prior activity.
func EvaluateHealth(running bool, handlersCount int, snap MetricsSnapshot) Health {
	h := Health{
		IsRunning:     running,
		HandlersCount: handlersCount,
		TotalEvents:   snap.TotalEvents,
	}

	if snap.TotalEvents > 0 {
		h.ErrorRatePercent = float64(snap.FailedEvents) / float64(snap.TotalEvents) * 100
	}

	h.HasRecentActivity = !snap.LastActivityAt.IsZero() &&
		time.Since(snap.LastActivityAt) < recentActivityWindow

	switch {
	case !running:
		h.Status = StatusUnhealthy
	case snap.TotalEvents >= minSampleForErrorRate && h.ErrorRatePercent > degradedErrorRatePercent:
		h.Status = StatusDegraded
	case snap.TotalEvents > 0 && !h.HasRecentActivity:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}

	return h
}
