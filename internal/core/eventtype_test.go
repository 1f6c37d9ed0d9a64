package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveEventType(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"prod.intelligence.document-processing-completed.v1", "document-processing-completed"},
		{"prod.intelligence.pattern-usage-requested.v2", "pattern-usage-requested"},
		{"staging.quality.assessment-failed.v12", "assessment-failed"},
		{"dev.freshness.check-requested.v1", "check-requested"},

		// Grammar violations all derive to "unknown", never an error.
		{"", EventTypeUnknown},
		{"prod.intelligence", EventTypeUnknown},
		{"prod.intelligence.document-processing-completed.v1.extra", EventTypeUnknown},
		{"prod.intelligence.document-processing-completed.1", EventTypeUnknown},
		{"prod.intelligence.document-processing-completed.vX", EventTypeUnknown},
		{"prod.intelligence.document-processing-started.v1", EventTypeUnknown},
		{"prod.intelligence.completed.v1", EventTypeUnknown},
		{"prod.intelligence.-completed.v1", EventTypeUnknown},
		{"prod.intelligence.document-.v1", EventTypeUnknown},
		{"..document-completed.v1", EventTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveEventType(tt.topic))
		})
	}
}
