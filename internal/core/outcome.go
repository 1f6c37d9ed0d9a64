package core

// OutcomeStatus is the resolution of a single dispatch.
type OutcomeStatus string

const (
	StatusProcessed OutcomeStatus = "processed"
	StatusSkipped   OutcomeStatus = "skipped"
	StatusFailed    OutcomeStatus = "failed"
)

// FailureKind categorises a failed dispatch. The values double as the
// error_category written into dead-letter records.
type FailureKind string

const (
	FailureDeserialization FailureKind = "deserialization_error"
	FailureHandler         FailureKind = "handler_error"
	FailureTimeout         FailureKind = "timeout_error"
	FailureValidation      FailureKind = "validation_error"
	FailureProcessing      FailureKind = "processing_error"
)

// ReasonNoHandler marks messages no registered handler claimed. It is a
// normal, committable outcome, not an error.
const ReasonNoHandler = "no_handler_found"

// Outcome is the tagged result of routing one envelope through the handler
// registry. Handler failures are carried as values; no error ever crosses the
// dispatch boundary.
type Outcome struct {
	Status OutcomeStatus
	Reason string
	Kind   FailureKind
	Err    error
}

func Processed() Outcome {
	return Outcome{Status: StatusProcessed}
}

func Skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

func Failed(kind FailureKind, err error) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, Err: err}
}

func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
