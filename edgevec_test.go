package edgevec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/edgevec/blobstore"
	"github.com/hupe1980/edgevec/model"
	"github.com/hupe1980/edgevec/segment"
)

const testAPIKey = "test-key"

// fakeAuthority emulates the central server: it accepts uploads into its own
// writable segment and serves snapshots of it.
type fakeAuthority struct {
	t   *testing.T
	mu  sync.Mutex
	seg *segment.Segment

	uploads         int
	failUploads     bool
	failSnapshots   bool
	snapshotGate    chan struct{} // when set, full-snapshot requests block on it
	snapshotWaiting chan struct{} // receives once per request parked on the gate
}

func newFakeAuthority(t *testing.T, dim int) (*fakeAuthority, *httptest.Server) {
	t.Helper()

	seg, err := segment.Open(t.TempDir(), &segment.Config{Dim: dim})
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	a := &fakeAuthority{t: t, seg: seg}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-Key") != testAPIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/api/upsert":
		a.handleUpsert(w, r)
	case "/api/collection":
		w.WriteHeader(http.StatusOK)
	case "/api/snapshots/full":
		a.handleFullSnapshot(w, r)
	case "/api/snapshots/partial":
		a.handlePartialSnapshot(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *fakeAuthority) handleUpsert(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failUploads {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	var points []model.Point
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.seg.Upsert(points); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.uploads += len(points)
	w.WriteHeader(http.StatusOK)
}

func (a *fakeAuthority) handleFullSnapshot(w http.ResponseWriter, r *http.Request) {
	if gate := a.snapshotGate; gate != nil {
		if a.snapshotWaiting != nil {
			select {
			case a.snapshotWaiting <- struct{}{}:
			default:
			}
		}
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failSnapshots {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	if err := a.seg.WriteSnapshot(w); err != nil {
		a.t.Errorf("write snapshot: %v", err)
	}
}

func (a *fakeAuthority) handlePartialSnapshot(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failSnapshots {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	var body struct {
		Manifest model.Manifest `json:"manifest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.seg.WriteDelta(w, body.Manifest); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

func (a *fakeAuthority) uploadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploads
}

// addPoint writes a point directly into the authority, bypassing uploads.
func (a *fakeAuthority) addPoint(imagePath string, ts float64, vec []float32) model.Point {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := model.Point{
		ID:     uuid.New(),
		Vector: vec,
		Payload: model.Payload{
			ImagePath:     imagePath,
			SyncTimestamp: ts,
		},
	}
	require.NoError(a.t, a.seg.Upsert([]model.Point{p}))
	return p
}

func newTestStorage(t *testing.T, serverURL string, extra ...Option) *VisionStorage {
	t.Helper()

	opts := []Option{
		WithDimension(3),
		WithLogger(NoopLogger()),
		WithSyncInterval(10 * time.Millisecond),
		WithMaxBackoff(20 * time.Millisecond),
	}
	if serverURL != "" {
		opts = append(opts, WithServer(serverURL, testAPIKey))
	}
	opts = append(opts, extra...)

	vs, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	vs := newTestStorage(t, "")
	require.NoError(t, vs.Initialize(ctx))

	id1, err := vs.Store("frames/a.jpg", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = vs.Store("frames/b.jpg", []float32{0, 1, 0})
	require.NoError(t, err)

	t.Run("read your writes", func(t *testing.T) {
		res, err := vs.Search(ctx, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, id1, res[0].ID)
		assert.Equal(t, "frames/a.jpg", res[0].ImagePath)
	})

	t.Run("default limit", func(t *testing.T) {
		res, err := vs.Search(ctx, []float32{1, 0, 0}, 0)
		require.NoError(t, err)
		assert.Len(t, res, 2)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := vs.Store("frames/c.jpg", []float32{1, 0})
		var dimErr *ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
		assert.Equal(t, 3, dimErr.Expected)
	})

	t.Run("queue holds everything without a server", func(t *testing.T) {
		depth, err := vs.QueueDepth()
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
	})
}

func TestStorageReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	vs, err := New(dir, WithDimension(3), WithLogger(NoopLogger()))
	require.NoError(t, err)
	id, err := vs.Store("frames/a.jpg", []float32{1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, vs.Close())

	vs2, err := New(dir, WithDimension(3), WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer vs2.Close()

	res, err := vs2.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, id, res[0].ID)

	depth, err := vs2.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestStorageClosed(t *testing.T) {
	vs := newTestStorage(t, "")
	require.NoError(t, vs.Close())

	_, err := vs.Store("frames/a.jpg", []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = vs.Search(context.Background(), []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, vs.Close(), ErrClosed)
	assert.ErrorIs(t, vs.FullSyncFromServer(context.Background()), ErrClosed)
}

func TestFullSyncFromServer(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)
	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	_, err := vs.Store("frames/a.jpg", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = vs.Store("frames/b.jpg", []float32{0, 1, 0})
	require.NoError(t, err)

	require.NoError(t, vs.FullSyncFromServer(ctx))

	stats, err := vs.Stats()
	require.NoError(t, err)
	assert.True(t, stats.HasBaseline)
	assert.Equal(t, 2, stats.ImmutablePoints, "flushed points must be in the snapshot")
	assert.Equal(t, 0, stats.MutablePoints, "synced points must leave the mutable tier")
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 2, authority.uploadCount())

	t.Run("still searchable after swap", func(t *testing.T) {
		res, err := vs.Search(ctx, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "frames/a.jpg", res[0].ImagePath)
	})

	t.Run("writes after sync stay mutable", func(t *testing.T) {
		_, err := vs.Store("frames/c.jpg", []float32{0, 0, 1})
		require.NoError(t, err)

		stats, err := vs.Stats()
		require.NoError(t, err)
		assert.Equal(t, 1, stats.MutablePoints)

		res, err := vs.Search(ctx, []float32{0, 0, 1}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "frames/c.jpg", res[0].ImagePath)
	})
}

func TestFullSyncSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAuthority(t, 3)

	dir := t.TempDir()
	vs, err := New(dir,
		WithDimension(3),
		WithLogger(NoopLogger()),
		WithServer(srv.URL, testAPIKey),
	)
	require.NoError(t, err)
	require.NoError(t, vs.Initialize(ctx))

	_, err = vs.Store("frames/a.jpg", []float32{1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, vs.FullSyncFromServer(ctx))
	require.NoError(t, vs.Close())

	vs2, err := New(dir, WithDimension(3), WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer vs2.Close()

	stats, err := vs2.Stats()
	require.NoError(t, err)
	assert.True(t, stats.HasBaseline)
	assert.Equal(t, 1, stats.ImmutablePoints)

	res, err := vs2.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "frames/a.jpg", res[0].ImagePath)
}

func TestPartialSync(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)
	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	authority.addPoint("frames/base.jpg", 1.0, []float32{1, 0, 0})
	require.NoError(t, vs.FullSyncFromServer(ctx))

	authority.addPoint("frames/delta.jpg", 2.0, []float32{0, 1, 0})
	require.NoError(t, vs.SyncFromServer(ctx))

	stats, err := vs.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ImmutablePoints)

	res, err := vs.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "frames/delta.jpg", res[0].ImagePath)

	t.Run("empty delta is fine", func(t *testing.T) {
		require.NoError(t, vs.SyncFromServer(ctx))
	})
}

func TestPartialSyncWithoutBaseline(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAuthority(t, 3)
	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	_, err := vs.Store("frames/a.jpg", []float32{1, 0, 0})
	require.NoError(t, err)

	require.ErrorIs(t, vs.SyncFromServer(ctx), ErrNoBaseline)

	// State untouched: the point still lives in the mutable tier.
	stats, err := vs.Stats()
	require.NoError(t, err)
	assert.False(t, stats.HasBaseline)
	assert.Equal(t, 1, stats.MutablePoints)
}

func TestSyncWithoutServer(t *testing.T) {
	vs := newTestStorage(t, "")
	require.ErrorIs(t, vs.FullSyncFromServer(context.Background()), ErrNoServer)
}

func TestConcurrentSyncRejected(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)

	gate := make(chan struct{})
	authority.snapshotGate = gate

	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- vs.FullSyncFromServer(ctx)
	}()

	// Wait until the first sync is holding the guard, then race a second one.
	require.Eventually(t, func() bool {
		return vs.syncing.Load()
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, vs.FullSyncFromServer(ctx), ErrAlreadySyncing)

	close(gate)
	require.NoError(t, <-firstDone)
}

func TestStoreDuringFullSync(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)
	authority.addPoint("frames/remote.jpg", 1.0, []float32{1, 0, 0})

	gate := make(chan struct{})
	authority.snapshotGate = gate
	authority.snapshotWaiting = make(chan struct{}, 1)

	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	syncDone := make(chan error, 1)
	go func() { syncDone <- vs.FullSyncFromServer(ctx) }()

	// The snapshot download is parked, so the cutoff is already stamped;
	// this store lands mid-sync and must outlive the purge.
	<-authority.snapshotWaiting
	mid, err := vs.Store("frames/during.jpg", []float32{0, 0, 1})
	require.NoError(t, err)

	close(gate)
	require.NoError(t, <-syncDone)

	res, err := vs.Search(ctx, []float32{0, 0, 1}, 10)
	require.NoError(t, err)
	hits := 0
	for _, r := range res {
		if r.ID == mid {
			hits++
		}
	}
	assert.Equal(t, 1, hits, "mid-sync point must surface exactly once")

	stats, err := vs.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MutablePoints, "mid-sync point stays in the mutable tier")
	assert.Equal(t, 1, stats.ImmutablePoints)

	t.Run("restarted worker uploads it", func(t *testing.T) {
		require.Eventually(t, func() bool {
			depth, derr := vs.QueueDepth()
			return derr == nil && depth == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestCloseDuringSyncStopsWorker(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)

	gate := make(chan struct{})
	authority.snapshotGate = gate
	authority.snapshotWaiting = make(chan struct{}, 1)

	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	syncDone := make(chan error, 1)
	go func() { syncDone <- vs.FullSyncFromServer(ctx) }()

	<-authority.snapshotWaiting
	require.NoError(t, vs.Close())
	close(gate)

	// Whatever the parked sync returns, it must not revive the worker.
	<-syncDone
	assert.False(t, vs.worker.Running())
}

func TestNextTimestampMonotonic(t *testing.T) {
	vs := &VisionStorage{}
	vs.lastStamp = model.Timestamp(time.Now().Add(time.Hour))

	ahead := vs.lastStamp
	a := vs.nextTimestamp()
	b := vs.nextTimestamp()
	assert.Greater(t, a, ahead, "stamps never repeat, even when the clock lags")
	assert.Greater(t, b, a)
}

func TestFullSyncFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)
	vs := newTestStorage(t, srv.URL)
	require.NoError(t, vs.Initialize(ctx))

	authority.addPoint("frames/base.jpg", 1.0, []float32{1, 0, 0})
	require.NoError(t, vs.FullSyncFromServer(ctx))

	authority.mu.Lock()
	authority.failSnapshots = true
	authority.mu.Unlock()

	err := vs.FullSyncFromServer(ctx)
	var rejected *ErrRemoteRejected
	require.ErrorAs(t, err, &rejected)

	t.Run("previous baseline still serves", func(t *testing.T) {
		res, err := vs.Search(ctx, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "frames/base.jpg", res[0].ImagePath)
	})

	t.Run("worker was restarted", func(t *testing.T) {
		_, err := vs.Store("frames/later.jpg", []float32{0, 0, 1})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			depth, derr := vs.QueueDepth()
			return derr == nil && depth == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestRestoreFromArchive(t *testing.T) {
	ctx := context.Background()
	authority, srv := newFakeAuthority(t, 3)

	archive, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	vs := newTestStorage(t, srv.URL, WithSnapshotArchive(archive))
	require.NoError(t, vs.Initialize(ctx))

	authority.addPoint("frames/base.jpg", 1.0, []float32{1, 0, 0})
	require.NoError(t, vs.FullSyncFromServer(ctx))

	ok, err := archive.Exists(ctx, "immutable.snapshot")
	require.NoError(t, err)
	require.True(t, ok, "full sync must archive the snapshot")

	// A fresh node with no server rebuilds its read tier from the archive.
	cold := newTestStorage(t, "", WithSnapshotArchive(archive))
	require.NoError(t, cold.Initialize(ctx))
	require.NoError(t, cold.RestoreFromArchive(ctx))

	stats, err := cold.Stats()
	require.NoError(t, err)
	assert.True(t, stats.HasBaseline)
	assert.Equal(t, 1, stats.ImmutablePoints)

	res, err := cold.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "frames/base.jpg", res[0].ImagePath)
}

func TestRestoreFromArchiveUnconfigured(t *testing.T) {
	vs := newTestStorage(t, "")
	require.ErrorIs(t, vs.RestoreFromArchive(context.Background()), ErrNoArchive)
}

func TestMergeResults(t *testing.T) {
	shared := uuid.New()
	mutable := []model.ScoredPoint{
		{ID: shared, Score: 0.9, ImagePath: "mutable/latest.jpg"},
	}
	immutable := []model.ScoredPoint{
		{ID: shared, Score: 0.8, ImagePath: "immutable/stale.jpg"},
		{ID: uuid.New(), Score: 0.7, ImagePath: "immutable/other.jpg"},
	}

	res := mergeResults(mutable, immutable, 10)
	require.Len(t, res, 2)
	assert.Equal(t, "mutable/latest.jpg", res[0].ImagePath, "mutable tier must win on id overlap")
	assert.Equal(t, "immutable/other.jpg", res[1].ImagePath)
}
