package capture

import (
	"context"
	"errors"
)

// Acquisition failures split into retryable (capture surface not ready yet)
// and fatal (the user declined or revoked sharing). The recorder's retry
// loop keys off these sentinels.
var (
	ErrNoDisplay        = errors.New("no display available for capture")
	ErrPermissionDenied = errors.New("screen capture permission denied")
)

// RetryableAcquisition reports whether a failed stream acquisition is worth
// another attempt.
func RetryableAcquisition(err error) bool {
	return err != nil && !errors.Is(err, ErrPermissionDenied)
}

type Display struct {
	ID      string
	Width   int
	Height  int
	Primary bool
}

type StreamConfig struct {
	// FrameRate is the capture rate in frames per second; timelines need
	// very few.
	FrameRate int
	// TargetHeight normalizes output height; width follows the display's
	// aspect ratio.
	TargetHeight int
}

// Provider owns the live capture surface.
type Provider interface {
	// Displays enumerates capturable displays. ErrNoDisplay when none are
	// attached yet (retryable); ErrPermissionDenied when the user declined.
	Displays(ctx context.Context) ([]Display, error)
	// OpenStream acquires a capture stream on one display.
	OpenStream(ctx context.Context, display Display, cfg StreamConfig) (Stream, error)
}

// Stream produces fixed-duration H.264-in-MP4 segment files, one at a
// time. The caller owns segment cadence; the stream owns the encoder.
type Stream interface {
	// StartSegment begins writing a new segment file at path.
	StartSegment(ctx context.Context, path string) error
	// FinishSegment finalizes the open segment and reports the number of
	// frames it received. Zero frames means the file is not worth keeping.
	FinishSegment(ctx context.Context) (frames int64, err error)
	// Close releases the capture surface. An open segment is discarded.
	Close() error
}
