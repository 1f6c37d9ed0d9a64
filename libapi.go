package eventcore

import (
	batchpkg "github.com/mindfabric/eventcore/internal/batch"
	configpkg "github.com/mindfabric/eventcore/internal/config"
	corepkg "github.com/mindfabric/eventcore/internal/core"
	dlqpkg "github.com/mindfabric/eventcore/internal/dlq"
	errspkg "github.com/mindfabric/eventcore/internal/errs"
	idspkg "github.com/mindfabric/eventcore/internal/ids"
	jsoncodec "github.com/mindfabric/eventcore/internal/jsoncodec"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
	obspkg "github.com/mindfabric/eventcore/internal/obs"
	storagepkg "github.com/mindfabric/eventcore/internal/storage"
	transportpkg "github.com/mindfabric/eventcore/transport"
)

type (
	Config = configpkg.Config

	Envelope   = corepkg.Envelope
	SourceInfo = corepkg.SourceInfo

	Handler         = corepkg.Handler
	ShutdownHandler = corepkg.ShutdownHandler
	Registry        = corepkg.Registry

	Dispatcher      = corepkg.Dispatcher
	DispatcherState = corepkg.DispatcherState

	Outcome       = corepkg.Outcome
	OutcomeStatus = corepkg.OutcomeStatus
	FailureKind   = corepkg.FailureKind

	Gate      = corepkg.Gate
	GateStats = corepkg.GateStats

	Metrics         = corepkg.Metrics
	MetricsSnapshot = corepkg.MetricsSnapshot
	Health          = corepkg.Health
	HealthStatus    = corepkg.HealthStatus

	DLQRecord = dlqpkg.Record
	DLQRouter = dlqpkg.Router

	BatchWriter = batchpkg.Writer
	UsageStore  = batchpkg.UsageStore
	UsageUpdate = batchpkg.UsageUpdate
	UsageResult = batchpkg.UsageResult

	PostgresStore = storagepkg.PostgresStore
	SQLiteStore   = storagepkg.SQLiteStore

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ObsServer = obspkg.Server

	// Modular transport types
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	FromEnv        = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewDispatcher  = corepkg.NewDispatcher
	NewRegistry    = corepkg.NewRegistry
	NewGate        = corepkg.NewGate
	NewMetrics     = corepkg.NewMetrics
	EvaluateHealth = corepkg.EvaluateHealth

	DecodeEnvelope    = corepkg.DecodeEnvelope
	ExtractSourceInfo = corepkg.ExtractSourceInfo
	DeriveEventType   = corepkg.DeriveEventType

	Processed = corepkg.Processed
	Skipped   = corepkg.Skipped
	Failed    = corepkg.Failed

	NewDLQRouter  = dlqpkg.NewRouter
	ClassifyError = dlqpkg.Classify

	NewBatchWriter = batchpkg.NewWriter

	NewPostgresStore = storagepkg.NewPostgresStore
	NewSQLiteStore   = storagepkg.NewSQLiteStore

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	NewObsServer  = obspkg.NewServer
	HealthHandler = obspkg.HealthHandler

	NewMessageID     = idspkg.NewMessageID
	NewCorrelationID = idspkg.NewCorrelationID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	// Modular transport registry. Import individual transports via:
	//   _ "github.com/mindfabric/eventcore/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetTransportCapabilities = transportpkg.GetCapabilities

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrHandlerNameEmpty  = errspkg.ErrHandlerNameEmpty
	ErrTopicsRequired    = errspkg.ErrTopicsRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrAlreadyStarted    = errspkg.ErrAlreadyStarted
	ErrNotInitialized    = errspkg.ErrNotInitialized
	ErrRegistrySealed    = errspkg.ErrRegistrySealed
	ErrFatalBroker       = errspkg.ErrFatalBroker
	ErrWriterStopped     = errspkg.ErrWriterStopped
)

// Dispatcher lifecycle states.
const (
	StateStopped      = corepkg.StateStopped
	StateInitializing = corepkg.StateInitializing
	StateRunning      = corepkg.StateRunning
	StateStopping     = corepkg.StateStopping
)

// Dispatch outcome statuses.
const (
	StatusProcessed = corepkg.StatusProcessed
	StatusSkipped   = corepkg.StatusSkipped
	StatusFailed    = corepkg.StatusFailed
)

// Failure kinds, doubling as DLQ error categories.
const (
	FailureDeserialization = corepkg.FailureDeserialization
	FailureHandler         = corepkg.FailureHandler
	FailureTimeout         = corepkg.FailureTimeout
	FailureValidation      = corepkg.FailureValidation
	FailureProcessing      = corepkg.FailureProcessing
)

// Health verdicts.
const (
	StatusHealthy   = corepkg.StatusHealthy
	StatusDegraded  = corepkg.StatusDegraded
	StatusUnhealthy = corepkg.StatusUnhealthy
)

const (
	// EventTypeUnknown is the derived type for topics outside the
	// {env}.{domain}.{action}-{phase}.v{N} grammar.
	EventTypeUnknown = corepkg.EventTypeUnknown

	// ReasonNoHandler marks skipped dispatches no handler claimed.
	ReasonNoHandler = corepkg.ReasonNoHandler

	// MetadataPartitionKey is the message metadata key carrying the
	// partitioning key for published messages.
	MetadataPartitionKey = transportpkg.MetadataPartitionKey
)
