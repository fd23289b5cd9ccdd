package edgevec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/edgevec/blobstore"
	"github.com/hupe1980/edgevec/persistence"
	"github.com/hupe1980/edgevec/segment"
)

// archiveObjectName is the blob key of the last good immutable snapshot.
const archiveObjectName = "immutable.snapshot"

// SyncFromServer refreshes the immutable tier incrementally: the authority
// returns only the rows appended since the local baseline. Requires a prior
// full sync; returns ErrNoBaseline otherwise.
//
// Ingest keeps running during the whole operation. The upload queue is
// flushed first so the snapshot covers everything this node produced before
// the cutoff.
func (vs *VisionStorage) SyncFromServer(ctx context.Context) error {
	return vs.resync(ctx, false)
}

// FullSyncFromServer replaces the immutable tier wholesale with a fresh
// snapshot from the authority. The previous baseline stays on disk until the
// new one opens cleanly, so a failure at any point leaves the node serving
// its prior state.
func (vs *VisionStorage) FullSyncFromServer(ctx context.Context) error {
	return vs.resync(ctx, true)
}

func (vs *VisionStorage) resync(ctx context.Context, full bool) (err error) {
	start := time.Now()
	defer func() {
		vs.metrics.RecordResync(full, time.Since(start), err)
	}()

	if vs.closed.Load() {
		return ErrClosed
	}
	if vs.client == nil {
		return ErrNoServer
	}
	if !vs.syncing.CompareAndSwap(false, true) {
		return ErrAlreadySyncing
	}
	defer vs.syncing.Store(false)

	s := &snapshotSync{vs: vs}
	return s.run(ctx, full)
}

// snapshotSync executes one resync cycle. It exists so the multi-step
// protocol reads top to bottom instead of being folded into VisionStorage.
type snapshotSync struct {
	vs *VisionStorage
}

func (s *snapshotSync) run(ctx context.Context, full bool) error {
	vs := s.vs

	// The worker owns the queue while running. Stop it for the duration and
	// bring it back no matter how the sync ends, unless the node was closed
	// in the meantime. The second check catches a Close that lands between
	// the first check and the restart.
	if vs.worker != nil {
		vs.worker.Stop()
		defer func() {
			if vs.closed.Load() {
				return
			}
			vs.worker.Start()
			if vs.closed.Load() {
				vs.worker.Stop()
			}
		}()

		if err := vs.worker.Flush(ctx); err != nil {
			return fmt.Errorf("edgevec: flush before sync: %w", translateError(err))
		}
	}

	// Everything stamped at or before the cutoff is covered by the snapshot
	// we are about to fetch; rows stamped later stay in the mutable tier.
	cutoff := vs.nextTimestamp()

	if full {
		if err := s.fullSync(ctx); err != nil {
			return err
		}
	} else {
		if err := s.partialSync(ctx); err != nil {
			return err
		}
	}

	vs.mu.RLock()
	manifest := vs.immutable.Manifest()
	vs.mu.RUnlock()

	if err := vs.saveManifest(manifest); err != nil {
		return fmt.Errorf("edgevec: save manifest: %w", err)
	}

	if err := vs.mutable.DeleteSyncedBefore(cutoff); err != nil {
		return translateError(err)
	}

	if full && vs.opts.archive != nil {
		s.archiveBaseline(ctx)
	}

	vs.logger.Info("resync complete",
		"full", full,
		"cutoff", cutoff,
		"immutable_points", vs.immutable.Count(),
		"mutable_points", vs.mutable.Count(),
	)
	return nil
}

// partialSync extends the existing baseline with a delta stream.
func (s *snapshotSync) partialSync(ctx context.Context) error {
	vs := s.vs

	vs.mu.RLock()
	baseline := vs.immutable
	vs.mu.RUnlock()

	if baseline == nil {
		return ErrNoBaseline
	}

	rc, err := vs.client.FetchPartialSnapshot(ctx, baseline.Manifest(), vs.opts.shardID)
	if err != nil {
		return translateError(err)
	}
	defer rc.Close()

	if err := baseline.ApplyPartialSnapshot(rc); err != nil {
		return translateError(err)
	}
	return nil
}

// fullSync downloads a complete snapshot into a staging directory, validates
// it there, and only then swaps it in.
func (s *snapshotSync) fullSync(ctx context.Context) error {
	rc, err := s.vs.client.FetchFullSnapshot(ctx, s.vs.opts.shardID)
	if err != nil {
		return translateError(err)
	}
	defer rc.Close()

	return s.stageAndSwap(rc)
}

// stageAndSwap restores a full snapshot stream next to the live baseline and
// swaps directories once the restored segment opened cleanly.
func (s *snapshotSync) stageAndSwap(r io.Reader) error {
	vs := s.vs
	staging := filepath.Join(vs.dataDir, immutableDirName+".tmp")

	_ = os.RemoveAll(staging)
	seg, err := segment.Restore(r, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return translateError(err)
	}
	// Reopened after the directory move.
	if err := seg.Close(); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	return s.swapBaseline(staging)
}

// swapBaseline atomically replaces the immutable directory with the staged
// one. The previous baseline is parked under ".old" until the new segment is
// open, then removed; on failure it is moved back.
func (s *snapshotSync) swapBaseline(staging string) error {
	vs := s.vs
	liveDir := filepath.Join(vs.dataDir, immutableDirName)
	parkDir := liveDir + ".old"

	vs.mu.Lock()
	defer vs.mu.Unlock()

	hadBaseline := vs.immutable != nil
	if hadBaseline {
		if err := vs.immutable.Close(); err != nil && !errors.Is(err, segment.ErrClosed) {
			return err
		}
		_ = os.RemoveAll(parkDir)
		if err := os.Rename(liveDir, parkDir); err != nil {
			vs.immutable, _ = segment.Open(liveDir, nil)
			return err
		}
	}

	if err := os.Rename(staging, liveDir); err != nil {
		s.rollback(liveDir, parkDir, hadBaseline)
		return err
	}
	persistence.SyncDir(vs.dataDir)

	seg, err := segment.Open(liveDir, nil)
	if err != nil {
		_ = os.RemoveAll(liveDir)
		s.rollback(liveDir, parkDir, hadBaseline)
		return translateError(err)
	}

	vs.immutable = seg
	if hadBaseline {
		_ = os.RemoveAll(parkDir)
	}
	return nil
}

// rollback reinstates the parked baseline after a failed swap. Caller holds
// the write lock.
func (s *snapshotSync) rollback(liveDir, parkDir string, hadBaseline bool) {
	vs := s.vs
	vs.immutable = nil
	if !hadBaseline {
		return
	}
	if err := os.Rename(parkDir, liveDir); err != nil {
		vs.logger.Error("failed to restore previous baseline", "error", err.Error())
		return
	}
	seg, err := segment.Open(liveDir, nil)
	if err != nil {
		vs.logger.Error("failed to reopen previous baseline", "error", err.Error())
		return
	}
	vs.immutable = seg
}

// archiveBaseline copies the current immutable snapshot to the configured
// blob store. Failures are logged, not fatal: the archive is an extra copy.
func (s *snapshotSync) archiveBaseline(ctx context.Context) {
	vs := s.vs

	vs.mu.RLock()
	baseline := vs.immutable
	vs.mu.RUnlock()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(baseline.WriteSnapshot(pw))
	}()

	if err := vs.opts.archive.Put(ctx, archiveObjectName, pr); err != nil {
		vs.logger.Warn("failed to archive snapshot", "error", err.Error())
		return
	}
	vs.logger.Info("archived baseline snapshot")
}

// RestoreFromArchive rebuilds the immutable tier from the archived snapshot
// without contacting the authority. Intended for cold starts and offline
// recovery; the mutable tier and upload queue are untouched.
func (vs *VisionStorage) RestoreFromArchive(ctx context.Context) error {
	if vs.closed.Load() {
		return ErrClosed
	}
	if vs.opts.archive == nil {
		return ErrNoArchive
	}
	if !vs.syncing.CompareAndSwap(false, true) {
		return ErrAlreadySyncing
	}
	defer vs.syncing.Store(false)

	rc, err := vs.opts.archive.Get(ctx, archiveObjectName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("edgevec: no archived snapshot: %w", err)
		}
		return err
	}
	defer rc.Close()

	s := &snapshotSync{vs: vs}
	if err := s.stageAndSwap(rc); err != nil {
		return err
	}

	vs.mu.RLock()
	manifest := vs.immutable.Manifest()
	vs.mu.RUnlock()

	if err := vs.saveManifest(manifest); err != nil {
		return fmt.Errorf("edgevec: save manifest: %w", err)
	}

	vs.logger.Info("restored baseline from archive", "points", vs.immutable.Count())
	return nil
}
