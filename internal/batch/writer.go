// Package batch accumulates pattern usage in memory and flushes it to the
// usage store on a fixed interval. Batching deliberately trades counter
// precision for write volume: however often a pattern was seen between two
// flushes, its usage counter advances by one per flush.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/mindfabric/eventcore/internal/errs"
	loggingpkg "github.com/mindfabric/eventcore/internal/logging"
)

// DefaultFlushInterval is used when no interval is configured.
const DefaultFlushInterval = 5 * time.Second

// UsageUpdate is one pattern's accumulated usage for a single flush.
type UsageUpdate struct {
	// PatternKey identifies the pattern row to update.
	PatternKey string

	// Contributors is the deduplicated set of agent ids observed since the
	// last flush, in no particular order.
	Contributors []string

	// HitCount is how many Track calls were folded into this update. The
	// store still advances the usage counter by exactly one; the count is
	// surfaced so the undercount stays visible in logs.
	HitCount uint64
}

// UsageResult reports what a store did with a batch of updates.
type UsageResult struct {
	// Applied is the number of pattern rows that were updated.
	Applied int

	// Missing lists pattern keys that had no matching row.
	Missing []string
}

// UsageStore persists accumulated usage. Implementations apply the whole
// batch in one transaction.
type UsageStore interface {
	ApplyUsage(ctx context.Context, updates []UsageUpdate) (UsageResult, error)
}

// Writer accumulates usage between flushes. Track is safe for concurrent use
// from handler goroutines; the flush loop runs on its own goroutine once
// Start is called.
type Writer struct {
	store    UsageStore
	logger   loggingpkg.ServiceLogger
	interval time.Duration

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	hits    map[string]uint64
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	flushDuration prometheus.Histogram
	keysFlushed   prometheus.Counter
	flushErrors   prometheus.Counter
	missingKeys   prometheus.Counter

	registerer prometheus.Registerer
}

// NewWriter creates a usage writer flushing every interval.
func NewWriter(store UsageStore, interval time.Duration, logger loggingpkg.ServiceLogger, registerer prometheus.Registerer) (*Writer, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Writer{
		store:      store,
		logger:     logger,
		interval:   interval,
		pending:    make(map[string]map[string]struct{}),
		hits:       make(map[string]uint64),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		registerer: registerer,
		flushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "eventcore",
				Subsystem: "batch",
				Name:      "flush_duration_seconds",
				Help:      "Wall time of one usage flush",
				Buckets:   prometheus.DefBuckets,
			},
		),
		keysFlushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "batch",
				Name:      "keys_flushed_total",
				Help:      "Pattern keys written across all flushes",
			},
		),
		flushErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "batch",
				Name:      "flush_errors_total",
				Help:      "Flushes that failed at the store",
			},
		),
		missingKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "batch",
				Name:      "missing_keys_total",
				Help:      "Tracked pattern keys with no matching store row",
			},
		),
	}, nil
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (w *Writer) Register() error {
	for _, c := range []prometheus.Collector{w.flushDuration, w.keysFlushed, w.flushErrors, w.missingKeys} {
		if err := w.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Track records one observation of patternKey by contributorID. Duplicate
// contributors within a flush window collapse into one set entry.
func (w *Writer) Track(patternKey, contributorID string) error {
	if patternKey == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errspkg.ErrWriterStopped
	}

	set, ok := w.pending[patternKey]
	if !ok {
		set = make(map[string]struct{})
		w.pending[patternKey] = set
	}
	if contributorID != "" {
		set[contributorID] = struct{}{}
	}
	w.hits[patternKey]++
	return nil
}

// PendingKeys returns the number of pattern keys waiting for the next flush.
func (w *Writer) PendingKeys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start launches the periodic flush loop. Subsequent calls are no-ops.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.flushLoop()
	})
}

func (w *Writer) flushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Error("Usage flush failed", err, nil)
			}
		case <-w.stopCh:
			return
		}
	}
}

// Flush writes everything accumulated so far in one store transaction. The
// pending state is snapshotted and cleared up front; if the store rejects the
// batch it is merged back so the next flush retries it.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	pending := w.pending
	hits := w.hits
	w.pending = make(map[string]map[string]struct{})
	w.hits = make(map[string]uint64)
	w.mu.Unlock()

	updates := make([]UsageUpdate, 0, len(pending))
	var totalHits uint64
	for key, contributors := range pending {
		list := make([]string, 0, len(contributors))
		for c := range contributors {
			list = append(list, c)
		}
		updates = append(updates, UsageUpdate{
			PatternKey:   key,
			Contributors: list,
			HitCount:     hits[key],
		})
		totalHits += hits[key]
	}

	start := time.Now()
	result, err := w.store.ApplyUsage(ctx, updates)
	w.flushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.flushErrors.Inc()
		w.remerge(pending, hits)
		return err
	}

	w.keysFlushed.Add(float64(result.Applied))
	if len(result.Missing) > 0 {
		w.missingKeys.Add(float64(len(result.Missing)))
		w.logger.Warn("Tracked patterns missing from store", loggingpkg.LogFields{
			"missing_keys": result.Missing,
		})
	}

	w.logger.Info("Flushed usage batch", loggingpkg.LogFields{
		"keys":     len(updates),
		"hits":     totalHits,
		"applied":  result.Applied,
		"duration": time.Since(start).String(),
	})
	return nil
}

// remerge folds a failed snapshot back into the pending state, preserving
// anything tracked while the flush was in flight.
func (w *Writer) remerge(pending map[string]map[string]struct{}, hits map[string]uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, contributors := range pending {
		set, ok := w.pending[key]
		if !ok {
			w.pending[key] = contributors
			w.hits[key] += hits[key]
			continue
		}
		for c := range contributors {
			set[c] = struct{}{}
		}
		w.hits[key] += hits[key]
	}
}

// Stop halts the loop and performs a final flush so nothing tracked is lost.
// Track calls after Stop return ErrWriterStopped.
func (w *Writer) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.startOnce.Do(func() { close(w.doneCh) })
		<-w.doneCh

		err = w.Flush(ctx)

		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	})
	return err
}
