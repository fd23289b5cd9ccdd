package segment

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/edgevec/model"
)

func buildSegment(t *testing.T, points ...model.Point) *Segment {
	t.Helper()
	s, err := Open(t.TempDir(), &Config{Dim: len(points[0].Vector)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Upsert(points))
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	p1 := testPoint("frames/a.jpg", 1.0, 1, 0, 0)
	p2 := testPoint("frames/b.jpg", 2.0, 0, 1, 0)
	src := buildSegment(t, p1, p2)

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf))

	restored, err := Restore(&buf, filepath.Join(t.TempDir(), "immutable"))
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 2, restored.Count())
	assert.Equal(t, src.Manifest(), restored.Manifest())

	res, err := restored.Query([]float32{0, 1, 0}, 1.0, 10, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, p2.ID, res[0].ID)
	assert.Equal(t, "frames/b.jpg", res[0].ImagePath)
}

func TestSnapshotCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			s, err := Open(t.TempDir(), &Config{Dim: 8, Compression: c})
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Upsert([]model.Point{
				testPoint("a", 1.0, 1, 1, 1, 1, 1, 1, 1, 1),
			}))

			var buf bytes.Buffer
			require.NoError(t, s.WriteSnapshot(&buf))

			restored, err := Restore(&buf, filepath.Join(t.TempDir(), "r"))
			require.NoError(t, err)
			defer restored.Close()
			assert.Equal(t, 1, restored.Count())
		})
	}
}

func TestRestoreCorruptStream(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := Restore(bytes.NewReader([]byte("not a snapshot at all")), filepath.Join(t.TempDir(), "r"))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("flipped byte", func(t *testing.T) {
		src := buildSegment(t, testPoint("a", 1.0, 1, 0))
		var buf bytes.Buffer
		require.NoError(t, src.WriteSnapshot(&buf))

		data := buf.Bytes()
		data[len(data)-10] ^= 0xFF
		_, err := Restore(bytes.NewReader(data), filepath.Join(t.TempDir(), "r"))
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})
}

func TestApplyPartialSnapshot(t *testing.T) {
	p1 := testPoint("frames/a.jpg", 1.0, 1, 0)
	authority := buildSegment(t, p1)

	// Edge restores the baseline.
	var full bytes.Buffer
	require.NoError(t, authority.WriteSnapshot(&full))
	edge, err := Restore(&full, filepath.Join(t.TempDir(), "immutable"))
	require.NoError(t, err)
	defer edge.Close()

	base := edge.Manifest()

	// Authority advances: one new point, one overwrite of p1.
	p2 := testPoint("frames/b.jpg", 2.0, 0, 1)
	p1b := p1
	p1b.Vector = []float32{1, 1}
	p1b.Payload.SyncTimestamp = 3.0
	require.NoError(t, authority.Upsert([]model.Point{p2, p1b}))

	var delta bytes.Buffer
	require.NoError(t, authority.WriteDelta(&delta, base))
	require.NoError(t, edge.ApplyPartialSnapshot(&delta))

	assert.Equal(t, 2, edge.Count())
	assert.Equal(t, authority.Manifest(), edge.Manifest())

	// The overwrite must win over the baseline row.
	res, err := edge.Query([]float32{1, 1}, 1.0, 10, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, p1.ID, res[0].ID)

	// A second apply of the same delta no longer matches the base version.
	var again bytes.Buffer
	require.NoError(t, authority.WriteDelta(&again, base))
	require.ErrorIs(t, edge.ApplyPartialSnapshot(&again), ErrCorruptSnapshot)
}

func TestApplyPartialSnapshotLineageMismatch(t *testing.T) {
	a := buildSegment(t, testPoint("a", 1.0, 1, 0))
	b := buildSegment(t, testPoint("b", 1.0, 0, 1))

	var full bytes.Buffer
	require.NoError(t, a.WriteSnapshot(&full))
	edge, err := Restore(&full, filepath.Join(t.TempDir(), "immutable"))
	require.NoError(t, err)
	defer edge.Close()

	var delta bytes.Buffer
	require.NoError(t, b.WriteDelta(&delta, b.Manifest()))
	require.ErrorIs(t, edge.ApplyPartialSnapshot(&delta), ErrCorruptSnapshot)
	assert.Equal(t, 1, edge.Count(), "failed apply must leave the segment unchanged")
}

func TestApplyPartialSnapshotSurvivesReopen(t *testing.T) {
	authority := buildSegment(t, testPoint("a", 1.0, 1, 0))

	var full bytes.Buffer
	require.NoError(t, authority.WriteSnapshot(&full))
	dir := filepath.Join(t.TempDir(), "immutable")
	edge, err := Restore(&full, dir)
	require.NoError(t, err)

	base := edge.Manifest()
	require.NoError(t, authority.Upsert([]model.Point{testPoint("b", 2.0, 0, 1)}))

	var delta bytes.Buffer
	require.NoError(t, authority.WriteDelta(&delta, base))
	require.NoError(t, edge.ApplyPartialSnapshot(&delta))
	require.NoError(t, edge.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Count())
	assert.Equal(t, authority.Manifest(), reopened.Manifest())
}

// stallingReader yields one byte, then blocks further reads until released.
type stallingReader struct {
	r       *bytes.Reader
	stalled chan struct{}
	release chan struct{}

	once  sync.Once
	first bool
}

func (sr *stallingReader) Read(p []byte) (int, error) {
	if !sr.first {
		sr.first = true
		return sr.r.Read(p[:1])
	}
	sr.once.Do(func() { close(sr.stalled) })
	<-sr.release
	return sr.r.Read(p)
}

func TestApplyPartialSnapshotDoesNotBlockQueries(t *testing.T) {
	authority := buildSegment(t, testPoint("a", 1.0, 1, 0))

	var full bytes.Buffer
	require.NoError(t, authority.WriteSnapshot(&full))
	edge, err := Restore(&full, filepath.Join(t.TempDir(), "immutable"))
	require.NoError(t, err)
	defer edge.Close()

	base := edge.Manifest()
	require.NoError(t, authority.Upsert([]model.Point{testPoint("b", 2.0, 0, 1)}))

	var delta bytes.Buffer
	require.NoError(t, authority.WriteDelta(&delta, base))

	sr := &stallingReader{
		r:       bytes.NewReader(delta.Bytes()),
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}

	applied := make(chan error, 1)
	go func() { applied <- edge.ApplyPartialSnapshot(sr) }()

	<-sr.stalled

	// The delta stream is stalled; queries must still be served.
	queried := make(chan struct{})
	go func() {
		defer close(queried)
		res, err := edge.Query([]float32{1, 0}, 1.0, 10, 1)
		assert.NoError(t, err)
		assert.Len(t, res, 1)
	}()

	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("query blocked behind a stalled delta stream")
	}

	close(sr.release)
	require.NoError(t, <-applied)
	assert.Equal(t, 2, edge.Count())
}

func TestWriteDeltaAfterCompaction(t *testing.T) {
	s := buildSegment(t, testPoint("a", 1.0, 1, 0))
	base := s.Manifest()

	p := testPoint("b", 2.0, 0, 1)
	p.ID = s.rows[0].id
	require.NoError(t, s.Upsert([]model.Point{p}))
	require.NoError(t, s.Checkpoint())

	var delta bytes.Buffer
	err := s.WriteDelta(&delta, base)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorruptSnapshot)
}
