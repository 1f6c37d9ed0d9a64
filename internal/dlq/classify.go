package dlq

import (
	"regexp"
	"strings"
)

// Error categories written into dead-letter records.
const (
	CategoryDeserialization = "deserialization_error"
	CategoryTimeout         = "timeout_error"
	CategoryHandler         = "handler_error"
	CategoryValidation      = "validation_error"
	CategoryProcessing      = "processing_error"
)

// leadingErrorToken matches messages of the form "SomeError: details".
var leadingErrorToken = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*Error):`)

// camelBoundary finds lower-to-upper transitions for snake_casing a token.
var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Classify maps an error message onto the failure taxonomy using substring
// heuristics. The heuristics are documented, not exhaustive: anything
// unrecognised falls back to the generic processing category.
func Classify(errText string) string {
	lower := strings.ToLower(errText)

	switch {
	case strings.Contains(lower, "json"), strings.Contains(lower, "deserializ"):
		return CategoryDeserialization
	case strings.Contains(lower, "timeout"):
		return CategoryTimeout
	// Validation outranks handler: handler errors arrive wrapped with the
	// handler name, which would otherwise shadow the validation marker.
	case strings.Contains(lower, "validation"):
		return CategoryValidation
	case strings.Contains(lower, "handler"):
		return CategoryHandler
	}

	if m := leadingErrorToken.FindStringSubmatch(strings.TrimSpace(errText)); m != nil {
		return camelToSnake(m[1])
	}
	return CategoryProcessing
}

func camelToSnake(token string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(token, "${1}_${2}"))
}
