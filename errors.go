package edgevec

import (
	"errors"
	"fmt"

	"github.com/hupe1980/edgevec/remote"
	"github.com/hupe1980/edgevec/segment"
)

var (
	// ErrClosed is returned when operating on closed storage.
	ErrClosed = errors.New("storage is closed")

	// ErrAlreadySyncing is returned when a resync is requested while another
	// one is still running.
	ErrAlreadySyncing = errors.New("sync already in progress")

	// ErrNoBaseline is returned by incremental sync when no immutable
	// baseline exists yet; run a full sync first.
	ErrNoBaseline = errors.New("no local baseline, full sync required")

	// ErrNoServer is returned when a remote operation is requested but no
	// authority endpoint was configured.
	ErrNoServer = errors.New("no server configured")

	// ErrNoArchive is returned when an archive operation is requested but no
	// blob store was configured.
	ErrNoArchive = errors.New("no snapshot archive configured")

	// ErrCorruptSnapshot is returned when a downloaded snapshot cannot be
	// validated or does not match the local baseline.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrRemoteUnavailable is returned when the authority cannot be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrRemoteRejected indicates the authority answered but refused the request.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrRemoteRejected struct {
	StatusCode int
	cause      error
}

func (e *ErrRemoteRejected) Error() string {
	return fmt.Sprintf("remote rejected request with status %d", e.StatusCode)
}

func (e *ErrRemoteRejected) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *segment.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	if errors.Is(err, segment.ErrCorruptSnapshot) || errors.Is(err, segment.ErrCorrupt) {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if errors.Is(err, segment.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	if errors.Is(err, remote.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	var se *remote.StatusError
	if errors.As(err, &se) {
		return &ErrRemoteRejected{StatusCode: se.StatusCode, cause: err}
	}

	return err
}
