package core

import (
	"strings"
)

// EventTypeUnknown is the classification for topics that do not follow the
// platform naming grammar. Derivation never fails with an error.
const EventTypeUnknown = "unknown"

var knownPhases = map[string]struct{}{
	"requested": {},
	"completed": {},
	"failed":    {},
}

// DeriveEventType derives an event type from a topic following the grammar
//
//	{env}.{domain}.{action}-{phase}.v{N}
//
// with phase one of requested, completed, or failed. The derived type is the
// {action}-{phase} segment, e.g.
//
//	prod.intelligence.document-processing-completed.v1
//	  -> document-processing-completed
//
// Topics outside the grammar derive to EventTypeUnknown.
func DeriveEventType(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) != 4 {
		return EventTypeUnknown
	}
	env, domain, actionPhase, version := parts[0], parts[1], parts[2], parts[3]
	if env == "" || domain == "" {
		return EventTypeUnknown
	}
	if !validVersion(version) {
		return EventTypeUnknown
	}

	sep := strings.LastIndex(actionPhase, "-")
	if sep <= 0 || sep == len(actionPhase)-1 {
		return EventTypeUnknown
	}
	phase := actionPhase[sep+1:]
	if _, ok := knownPhases[phase]; !ok {
		return EventTypeUnknown
	}
	return actionPhase
}

func validVersion(v string) bool {
	if len(v) < 2 || v[0] != 'v' {
		return false
	}
	for _, r := range v[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
