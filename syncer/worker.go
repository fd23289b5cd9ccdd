// Package syncer runs the background upload loop of an edge node: it leases
// batches from the durable queue, pushes them to the central authority, and
// acknowledges only what the authority accepted.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/edgevec/model"
	"github.com/hupe1980/edgevec/queue"
)

const (
	// DefaultBatchSize is the maximum number of points uploaded per request.
	DefaultBatchSize = 10
	// DefaultInterval is the poll interval while the queue is empty.
	DefaultInterval = 5 * time.Second
	// DefaultMaxBackoff caps the retry interval after repeated failures.
	DefaultMaxBackoff = 60 * time.Second
)

// Uploader pushes a batch to the authority. A nil return means the whole
// batch was accepted. *remote.Client satisfies this.
type Uploader interface {
	Upsert(ctx context.Context, points []model.Point) error
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, points []model.Point) error

// Upsert implements Uploader.
func (f UploaderFunc) Upsert(ctx context.Context, points []model.Point) error {
	return f(ctx, points)
}

// Config configures a Worker.
type Config struct {
	Queue    *queue.Queue
	Uploader Uploader

	// BatchSize is the maximum points per upload. Defaults to DefaultBatchSize.
	BatchSize int
	// Interval is the idle poll interval. Defaults to DefaultInterval.
	Interval time.Duration
	// MaxBackoff caps the failure retry interval. Defaults to DefaultMaxBackoff.
	MaxBackoff time.Duration
	// Limiter optionally throttles uploaded points per second.
	Limiter *rate.Limiter
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Worker drains the upload queue in the background. Start, Stop and Flush
// are safe to call from different goroutines; Stop joins the loop before
// returning, so no upload is in flight afterwards.
type Worker struct {
	queue    *queue.Queue
	uploader Uploader

	batchSize int
	interval  time.Duration
	backoff   *Backoff
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu      sync.Mutex // serializes drain cycles between loop and Flush
	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped worker. Call Start to begin draining.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("syncer: queue is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("syncer: uploader is required")
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		queue:     cfg.Queue,
		uploader:  cfg.Uploader,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		backoff:   NewBackoff(cfg.Interval, cfg.MaxBackoff),
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
	}, nil
}

// Start launches the drain loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, w.done)
}

// Running reports whether the drain loop is active.
func (w *Worker) Running() bool {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	return w.done != nil
}

// Stop signals the loop and waits for it to exit. Stopping a stopped worker
// is a no-op.
func (w *Worker) Stop() {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.done == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := w.interval
		if _, err := w.drainBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = w.backoff.Next()
			w.logger.Warn("upload batch failed, backing off",
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
		} else {
			w.backoff.Reset()
		}

		timer.Reset(wait)
	}
}

// drain uploads batches until the queue has no pending entries or a batch
// fails. The background loop paces itself to one batch per interval; this
// is only for Flush.
func (w *Worker) drain(ctx context.Context) error {
	for {
		n, err := w.drainBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// drainBatch leases one batch, uploads it, and acks or nacks it whole.
func (w *Worker) drainBatch(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	items, err := w.queue.DequeueBatch(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("syncer: dequeue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, len(items)); err != nil {
			w.nack(items)
			return 0, err
		}
	}

	points := make([]model.Point, 0, len(items))
	for _, it := range items {
		points = append(points, it.Point)
	}

	if err := w.uploader.Upsert(ctx, points); err != nil {
		w.nack(items)
		return 0, err
	}

	if err := w.queue.Ack(ctx, items); err != nil {
		return 0, fmt.Errorf("syncer: ack: %w", err)
	}

	w.logger.Debug("uploaded batch", slog.Int("points", len(points)))
	return len(items), nil
}

// nack returns a leased batch to pending. Uses a fresh context: the lease
// must be released even when the worker is shutting down.
func (w *Worker) nack(items []queue.Item) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.queue.Nack(ctx, items); err != nil {
		w.logger.Error("failed to release leased batch", slog.String("error", err.Error()))
	}
}

// Flush synchronously drains the queue until it is empty or a batch fails.
// Callers typically Stop the worker first so the flush owns the queue.
func (w *Worker) Flush(ctx context.Context) error {
	return w.drain(ctx)
}
