// Package edgevec provides an embedded vector storage node for edge devices
// in a streaming perception pipeline.
//
// An edgevec node accepts a continuous stream of image embeddings, keeps
// them durably on local disk, answers diversity-aware similarity queries,
// and uploads every accepted point to a central authority with at-least-once
// semantics. Periodically the node resynchronizes its read tier from the
// authority's snapshots without ever pausing ingest.
//
// # Storage layout
//
// Data lives in two tiers under one data directory:
//
//   - mutable/   small WAL-backed segment receiving all local writes
//   - immutable/ read-only segment restored wholesale from snapshots
//   - queue.db   durable upload queue
//   - manifest.json  lineage descriptor of the current immutable baseline
//
// # Quick start
//
//	storage, err := edgevec.New("./data",
//	    edgevec.WithDimension(512),
//	    edgevec.WithServer("http://authority:8000", apiKey),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer storage.Close()
//
//	if err := storage.Initialize(ctx); err != nil {
//	    panic(err)
//	}
//
//	id, err := storage.Store("frames/0001.jpg", embedding)
//	results, err := storage.Search(ctx, query, 3)
package edgevec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/edgevec/distance"
	"github.com/hupe1980/edgevec/model"
	"github.com/hupe1980/edgevec/persistence"
	"github.com/hupe1980/edgevec/queue"
	"github.com/hupe1980/edgevec/remote"
	"github.com/hupe1980/edgevec/segment"
	"github.com/hupe1980/edgevec/syncer"
)

const (
	mutableDirName   = "mutable"
	immutableDirName = "immutable"
	queueFileName    = "queue.db"
	manifestFileName = "manifest.json"
)

// VisionStorage is the embedded vector storage node. All methods are safe
// for concurrent use.
type VisionStorage struct {
	dataDir string
	opts    options
	logger  *Logger
	metrics MetricsCollector

	client *remote.Client
	queue  *queue.Queue
	worker *syncer.Worker

	mu        sync.RWMutex // guards the immutable handle during swaps
	mutable   *segment.Segment
	immutable *segment.Segment // nil until the first full sync

	stampMu   sync.Mutex
	lastStamp float64

	syncing atomic.Bool
	closed  atomic.Bool
}

// New opens or creates a storage node in dataDir. The node is fully
// recovered (WAL replay, queue lease recovery, baseline reload) when New
// returns; call Initialize to start the background upload worker.
func New(dataDir string, optFns ...Option) (*VisionStorage, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.dim <= 0 {
		return nil, fmt.Errorf("edgevec: invalid dimension %d", opts.dim)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	vs := &VisionStorage{
		dataDir: dataDir,
		opts:    opts,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
	}

	mutable, err := segment.Open(filepath.Join(dataDir, mutableDirName), &segment.Config{
		Dim:               opts.dim,
		Metric:            distance.MetricCosine,
		Compression:       opts.compression,
		Durability:        opts.durability,
		AutoCheckpointOps: opts.autoCheckpointOps,
	})
	if err != nil {
		return nil, fmt.Errorf("edgevec: open mutable segment: %w", translateError(err))
	}
	vs.mutable = mutable

	if err := vs.loadBaseline(); err != nil {
		mutable.Close()
		return nil, err
	}

	q, err := queue.Open(filepath.Join(dataDir, queueFileName))
	if err != nil {
		vs.closeSegments()
		return nil, err
	}
	vs.queue = q

	if opts.serverURL != "" {
		var clientOpts []remote.Option
		if opts.httpClient != nil {
			clientOpts = append(clientOpts, remote.WithHTTPClient(opts.httpClient))
		}
		vs.client = remote.New(opts.serverURL, opts.apiKey, clientOpts...)

		var limiter *rate.Limiter
		if opts.uploadRate > 0 {
			burst := opts.batchSize
			if burst <= 0 {
				burst = syncer.DefaultBatchSize
			}
			limiter = rate.NewLimiter(opts.uploadRate, burst)
		}

		worker, err := syncer.New(syncer.Config{
			Queue:      q,
			Uploader:   &meteredUploader{client: vs.client, metrics: vs.metrics},
			BatchSize:  opts.batchSize,
			Interval:   opts.syncInterval,
			MaxBackoff: opts.maxBackoff,
			Limiter:    limiter,
			Logger:     vs.logger.WithComponent("syncer").Logger,
		})
		if err != nil {
			vs.closeAll()
			return nil, err
		}
		vs.worker = worker
	}

	vs.logger.Info("storage opened",
		"data_dir", dataDir,
		"dim", opts.dim,
		"mutable_points", mutable.Count(),
		"has_baseline", vs.immutable != nil,
	)

	return vs, nil
}

// loadBaseline reopens the immutable segment recorded in the manifest file.
// A missing manifest means the node never completed a full sync.
func (vs *VisionStorage) loadBaseline() error {
	manifestPath := filepath.Join(vs.dataDir, manifestFileName)
	if _, err := os.Stat(manifestPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	seg, err := segment.Open(filepath.Join(vs.dataDir, immutableDirName), nil)
	if err != nil {
		if errors.Is(err, segment.ErrNotFound) {
			// Manifest without a segment: a swap was interrupted after the
			// old directory was moved away. Start without a baseline.
			vs.logger.Warn("baseline manifest present but segment missing, dropping manifest")
			return os.Remove(manifestPath)
		}
		return fmt.Errorf("edgevec: open immutable segment: %w", translateError(err))
	}
	vs.immutable = seg
	return nil
}

// Initialize provisions the remote collection (when a server is configured)
// and starts the background upload worker. An unreachable authority is not
// fatal: the worker keeps retrying and the queue holds everything until then.
func (vs *VisionStorage) Initialize(ctx context.Context) error {
	if vs.closed.Load() {
		return ErrClosed
	}

	if vs.client != nil {
		if err := vs.client.EnsureCollection(ctx, vs.opts.dim); err != nil {
			if !errors.Is(err, remote.ErrUnavailable) {
				return translateError(err)
			}
			vs.logger.Warn("authority unreachable during initialize, continuing offline",
				"error", err.Error(),
			)
		}
	}

	if vs.worker != nil {
		vs.worker.Start()
	}
	return nil
}

// Store accepts one embedding. The point is durable locally and enqueued
// for upload before Store returns; it is immediately searchable.
func (vs *VisionStorage) Store(imagePath string, vector []float32) (_ uuid.UUID, err error) {
	start := time.Now()
	defer func() {
		vs.metrics.RecordStore(time.Since(start), err)
	}()

	if vs.closed.Load() {
		return uuid.Nil, ErrClosed
	}

	point := model.Point{
		ID:     uuid.New(),
		Vector: vector,
		Payload: model.Payload{
			ImagePath:     imagePath,
			SyncTimestamp: vs.nextTimestamp(),
		},
	}

	if err := vs.mutable.Upsert([]model.Point{point}); err != nil {
		return uuid.Nil, translateError(err)
	}
	if err := vs.queue.Enqueue(context.Background(), point); err != nil {
		return uuid.Nil, fmt.Errorf("edgevec: enqueue for upload: %w", err)
	}

	return point.ID, nil
}

// Search returns up to limit points ranked by Maximal Marginal Relevance
// across both storage tiers. limit <= 0 uses the configured default. When a
// point exists in both tiers, the mutable version wins.
func (vs *VisionStorage) Search(ctx context.Context, vector []float32, limit int) (_ []model.ScoredPoint, err error) {
	start := time.Now()
	defer func() {
		vs.metrics.RecordSearch(limit, time.Since(start), err)
	}()

	if vs.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = vs.opts.searchLimit
	}

	vs.mu.RLock()
	mutable, immutable := vs.mutable, vs.immutable
	vs.mu.RUnlock()

	var (
		g            errgroup.Group
		mutableRes   []model.ScoredPoint
		immutableRes []model.ScoredPoint
	)
	g.Go(func() error {
		var qerr error
		mutableRes, qerr = mutable.Query(vector, vs.opts.mmrLambda, vs.opts.candidatePool, limit)
		return qerr
	})
	if immutable != nil {
		g.Go(func() error {
			var qerr error
			immutableRes, qerr = immutable.Query(vector, vs.opts.mmrLambda, vs.opts.candidatePool, limit)
			return qerr
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(err)
	}

	return mergeResults(mutableRes, immutableRes, limit), nil
}

// mergeResults combines per-tier result lists, deduplicates by id with the
// mutable tier winning, and returns the top entries by score.
func mergeResults(mutable, immutable []model.ScoredPoint, limit int) []model.ScoredPoint {
	merged := make(map[uuid.UUID]model.ScoredPoint, len(mutable)+len(immutable))
	for _, r := range immutable {
		merged[r.ID] = r
	}
	for _, r := range mutable {
		merged[r.ID] = r
	}

	results := make([]model.ScoredPoint, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// QueueDepth reports how many points still await upload, pending plus
// in flight.
func (vs *VisionStorage) QueueDepth() (int, error) {
	if vs.closed.Load() {
		return 0, ErrClosed
	}
	return vs.queue.Size(context.Background())
}

// Stats describes the node's current state.
type Stats struct {
	MutablePoints   int
	ImmutablePoints int
	QueueDepth      int
	HasBaseline     bool
}

// Stats returns a point-in-time view of both tiers and the upload queue.
func (vs *VisionStorage) Stats() (Stats, error) {
	if vs.closed.Load() {
		return Stats{}, ErrClosed
	}

	depth, err := vs.queue.Size(context.Background())
	if err != nil {
		return Stats{}, err
	}

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	s := Stats{
		MutablePoints: vs.mutable.Count(),
		QueueDepth:    depth,
	}
	if vs.immutable != nil {
		s.HasBaseline = true
		s.ImmutablePoints = vs.immutable.Count()
	}
	return s, nil
}

// Close stops the upload worker and releases all resources. In-flight queue
// leases return to pending on the next open.
func (vs *VisionStorage) Close() error {
	if !vs.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if vs.worker != nil {
		vs.worker.Stop()
	}

	var errs []error
	if err := vs.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, vs.closeSegmentsErr()...)
	return errors.Join(errs...)
}

func (vs *VisionStorage) closeSegments() {
	for _, err := range vs.closeSegmentsErr() {
		vs.logger.Error("failed to close segment", "error", err.Error())
	}
}

func (vs *VisionStorage) closeSegmentsErr() []error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	var errs []error
	if vs.mutable != nil {
		if err := vs.mutable.Close(); err != nil && !errors.Is(err, segment.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if vs.immutable != nil {
		if err := vs.immutable.Close(); err != nil && !errors.Is(err, segment.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errs
}

func (vs *VisionStorage) closeAll() {
	_ = vs.queue.Close()
	vs.closeSegments()
}

// nextTimestamp returns a wall-clock stamp that is strictly increasing,
// even across clock adjustments. Strictness matters: the resync cutoff is a
// stamp from this sequence, and a later store must never collide with it or
// the purge would take the point before it was uploaded.
func (vs *VisionStorage) nextTimestamp() float64 {
	vs.stampMu.Lock()
	defer vs.stampMu.Unlock()

	stamp := model.Timestamp(time.Now())
	if stamp <= vs.lastStamp {
		stamp = math.Nextafter(vs.lastStamp, math.Inf(1))
	}
	vs.lastStamp = stamp
	return stamp
}

// saveManifest persists the immutable baseline descriptor at the data-dir
// root.
func (vs *VisionStorage) saveManifest(m model.Manifest) error {
	data, err := vs.opts.codec.Marshal(m)
	if err != nil {
		return err
	}
	return persistence.SaveToFile(filepath.Join(vs.dataDir, manifestFileName), func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
}

// meteredUploader records upload metrics around the remote client.
type meteredUploader struct {
	client  *remote.Client
	metrics MetricsCollector
}

func (m *meteredUploader) Upsert(ctx context.Context, points []model.Point) error {
	start := time.Now()
	err := m.client.Upsert(ctx, points)
	m.metrics.RecordUpload(len(points), time.Since(start), err)
	return err
}
