// Package errs holds the sentinel errors shared across eventcore packages.
package errs

import "errors"

var (
	ErrConfigRequired     = errors.New("eventcore: config is required")
	ErrLoggerRequired     = errors.New("eventcore: logger is required")
	ErrHandlerRequired    = errors.New("eventcore: handler is required")
	ErrHandlerNameEmpty   = errors.New("eventcore: handler name must not be empty")
	ErrTopicsRequired     = errors.New("eventcore: at least one topic is required")
	ErrPublisherRequired  = errors.New("eventcore: publisher is required")
	ErrStoreRequired      = errors.New("eventcore: usage store is required")
	ErrAlreadyStarted     = errors.New("eventcore: dispatcher already started")
	ErrNotInitialized     = errors.New("eventcore: dispatcher is not initialized")
	ErrRegistrySealed     = errors.New("eventcore: registry is sealed after start")
	ErrFatalBroker        = errors.New("eventcore: fatal broker error")
	ErrWriterStopped      = errors.New("eventcore: batch writer is stopped")
)
