package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "snapshot.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "snapshot.bin", strings.NewReader("snapshot-bytes")))

	ok, err = s.Exists(ctx, "snapshot.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "snapshot.bin")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", string(data))
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx := context.Background()

	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "snapshot.bin", strings.NewReader("v1")))
	require.NoError(t, s.Put(ctx, "snapshot.bin", strings.NewReader("v2")))

	rc, err := s.Get(ctx, "snapshot.bin")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestLocalStoreMissing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "missing.bin")
	require.ErrorIs(t, err, ErrNotFound)
}
