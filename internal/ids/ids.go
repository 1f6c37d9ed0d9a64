// Package ids generates the identifiers used on the wire: ULIDs for message
// ids and UUIDs for correlation ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID encoded as a 26-character string.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a fresh random correlation UUID.
func NewCorrelationID() uuid.UUID {
	return uuid.New()
}

// ParseCorrelationID parses s into a UUID. An empty or malformed value yields
// a fresh UUID so a bad producer never breaks dispatch.
func ParseCorrelationID(s string) uuid.UUID {
	if s == "" {
		return uuid.New()
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.New()
	}
	return id
}
