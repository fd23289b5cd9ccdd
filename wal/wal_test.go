package wal

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/edgevec/model"
)

func testPoint(path string, ts float64) model.Point {
	return model.Point{
		ID:     uuid.New(),
		Vector: []float32{0.1, 0.2, 0.3, 0.4},
		Payload: model.Payload{
			ImagePath:     path,
			SyncTimestamp: ts,
		},
	}
}

func TestWALAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.wal")

	w, err := Open(path, DefaultOptions())
	require.NoError(t, err)

	p1 := testPoint("frames/0001.jpg", 1.0)
	p2 := testPoint("frames/0002.jpg", 2.0)

	require.NoError(t, w.Append(&Record{Type: RecordTypeUpsert, Point: p1}))
	require.NoError(t, w.Append(&Record{Type: RecordTypeUpsert, Point: p2}))
	require.NoError(t, w.Append(&Record{Type: RecordTypeDeleteBefore, Watermark: 1.5}))
	require.NoError(t, w.Close())

	// Reopen and replay, as segment recovery does.
	w2, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	var recs []*Record
	require.NoError(t, w2.Replay(func(rec *Record) error {
		recs = append(recs, rec)
		return nil
	}))

	require.Len(t, recs, 3)
	assert.Equal(t, RecordTypeUpsert, recs[0].Type)
	assert.Equal(t, p1.ID, recs[0].Point.ID)
	assert.Equal(t, p1.Payload.ImagePath, recs[0].Point.Payload.ImagePath)
	assert.Equal(t, p1.Vector, recs[0].Point.Vector)
	assert.Equal(t, p2.ID, recs[1].Point.ID)
	assert.Equal(t, RecordTypeDeleteBefore, recs[2].Type)
	assert.Equal(t, 1.5, recs[2].Watermark)
}

func TestWALTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.wal")

	w, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(&Record{Type: RecordTypeUpsert, Point: testPoint("a.jpg", 1)}))
	assert.Equal(t, 1, w.Ops())

	require.NoError(t, w.Truncate())
	assert.Equal(t, 0, w.Ops())

	count := 0
	require.NoError(t, w.Replay(func(*Record) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestWALCorruptTailIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.wal")

	w, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypeUpsert, Point: testPoint("a.jpg", 1)}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: garbage at the end of the file.
	appendGarbage(t, path)

	w2, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	count := 0
	require.NoError(t, w2.Replay(func(*Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestWALRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.wal")
	writeFile(t, path, []byte("not a wal file at all"))

	_, err := Open(path, DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidHeader)
}
