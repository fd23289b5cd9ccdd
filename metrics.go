package edgevec

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordStore is called after each local store operation.
	// duration is the total time taken, err is nil if successful.
	RecordStore(duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// limit is the number of results requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(limit int, duration time.Duration, err error)

	// RecordUpload is called after each upload batch.
	// count is the number of points in the batch, err is nil if the
	// authority accepted the whole batch.
	RecordUpload(count int, duration time.Duration, err error)

	// RecordResync is called after each resync attempt, full or partial.
	RecordResync(full bool, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordStore(time.Duration, error)       {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordUpload(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordResync(bool, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	StoreCount       atomic.Int64
	StoreErrors      atomic.Int64
	StoreTotalNanos  atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	UploadBatches    atomic.Int64
	UploadPoints     atomic.Int64
	UploadErrors     atomic.Int64
	ResyncCount      atomic.Int64
	ResyncErrors     atomic.Int64
}

// RecordStore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStore(duration time.Duration, err error) {
	b.StoreCount.Add(1)
	b.StoreTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.StoreErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(limit int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordUpload implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpload(count int, duration time.Duration, err error) {
	b.UploadBatches.Add(1)
	b.UploadPoints.Add(int64(count))
	if err != nil {
		b.UploadErrors.Add(1)
	}
}

// RecordResync implements MetricsCollector.
func (b *BasicMetricsCollector) RecordResync(full bool, duration time.Duration, err error) {
	b.ResyncCount.Add(1)
	if err != nil {
		b.ResyncErrors.Add(1)
	}
}
