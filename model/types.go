package model

import (
	"time"

	"github.com/google/uuid"
)

// Payload carries the per-point application data stored alongside a vector.
//
// SyncTimestamp is wall-clock seconds since the Unix epoch, stamped at write
// time. It is the watermark the resync protocol uses to purge mutable points
// that have been folded into a downloaded snapshot.
type Payload struct {
	ImagePath     string  `json:"image_path"`
	SyncTimestamp float64 `json:"sync_timestamp"`
}

// Point is a single stored vector. Points are immutable once written;
// identity is the UUID and no two points share an id within a segment.
type Point struct {
	ID      uuid.UUID `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// ScoredPoint is a single search result.
type ScoredPoint struct {
	ID        uuid.UUID `json:"id"`
	Score     float32   `json:"score"`
	ImagePath string    `json:"image_path"`
}

// Timestamp converts a time.Time to the payload timestamp representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
