package edgevec

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/edgevec/blobstore"
	"github.com/hupe1980/edgevec/codec"
	"github.com/hupe1980/edgevec/segment"
	"github.com/hupe1980/edgevec/wal"
)

const (
	// DefaultDimension is the vector dimensionality of the perception model.
	DefaultDimension = 512
	// DefaultMMRLambda balances relevance against diversity in search.
	DefaultMMRLambda = 0.8
	// DefaultCandidatePool is how many raw nearest neighbors feed the
	// diversity re-ranking.
	DefaultCandidatePool = 100
	// DefaultSearchLimit is the result count when the caller passes none.
	DefaultSearchLimit = 3
)

type options struct {
	dim           int
	mmrLambda     float32
	candidatePool int
	searchLimit   int

	serverURL string
	apiKey    string
	shardID   int

	batchSize    int
	syncInterval time.Duration
	maxBackoff   time.Duration
	uploadRate   rate.Limit

	compression       segment.Compression
	durability        wal.Durability
	autoCheckpointOps int

	archive    blobstore.BlobStore
	httpClient *http.Client
	codec      codec.Codec

	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures VisionStorage constructor behavior.
type Option func(*options)

// WithDimension sets the vector dimensionality. All stored and queried
// vectors must have exactly this length. Defaults to DefaultDimension.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dim = dim
	}
}

// WithMMRLambda sets the relevance/diversity trade-off for search.
// 1.0 means pure similarity ranking, 0.0 means maximum diversity.
// Values outside [0, 1] are clamped.
func WithMMRLambda(lambda float32) Option {
	return func(o *options) {
		o.mmrLambda = lambda
	}
}

// WithCandidatePool sets how many nearest neighbors are collected before the
// diversity re-ranking. Defaults to DefaultCandidatePool.
func WithCandidatePool(n int) Option {
	return func(o *options) {
		o.candidatePool = n
	}
}

// WithSearchLimit sets the default number of search results.
func WithSearchLimit(n int) Option {
	return func(o *options) {
		o.searchLimit = n
	}
}

// WithServer configures the central authority endpoint and its API key.
// Without a server the node runs standalone: points accumulate in the
// upload queue until one is configured.
func WithServer(url, apiKey string) Option {
	return func(o *options) {
		o.serverURL = url
		o.apiKey = apiKey
	}
}

// WithShardID selects the authority shard this node belongs to.
func WithShardID(id int) Option {
	return func(o *options) {
		o.shardID = id
	}
}

// WithBatchSize sets the maximum points per upload request.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithSyncInterval sets the upload worker's idle poll interval.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

// WithMaxBackoff caps the upload retry interval after repeated failures.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *options) {
		o.maxBackoff = d
	}
}

// WithUploadRateLimit throttles uploads to at most pointsPerSecond.
// Zero or negative disables throttling.
func WithUploadRateLimit(pointsPerSecond float64) Option {
	return func(o *options) {
		o.uploadRate = rate.Limit(pointsPerSecond)
	}
}

// WithCompression selects the snapshot block compression. Defaults to ZSTD.
func WithCompression(c segment.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithAsyncWAL trades durability for write latency: WAL appends are not
// fsynced individually. A power loss can drop the most recent writes.
func WithAsyncWAL() Option {
	return func(o *options) {
		o.durability = wal.DurabilityAsync
	}
}

// WithAutoCheckpointOps sets how many WAL operations accumulate before the
// mutable segment checkpoints automatically.
func WithAutoCheckpointOps(n int) Option {
	return func(o *options) {
		o.autoCheckpointOps = n
	}
}

// WithSnapshotArchive configures a blob store that keeps a copy of the last
// good immutable snapshot, enabling RestoreFromArchive.
func WithSnapshotArchive(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.archive = store
	}
}

// WithHTTPClient replaces the HTTP client used for authority requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithCodec configures the codec used for manifest and queue payloads.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging. Pass nil to keep the default
// text logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

func defaultOptions() options {
	return options{
		dim:              DefaultDimension,
		mmrLambda:        DefaultMMRLambda,
		candidatePool:    DefaultCandidatePool,
		searchLimit:      DefaultSearchLimit,
		batchSize:        0, // syncer defaults apply
		codec:            codec.Default,
		logger:           NewLogger(nil),
		metricsCollector: NoopMetricsCollector{},
	}
}
