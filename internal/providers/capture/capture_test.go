package capture

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameCount(t *testing.T) {
	tests := []struct {
		name string
		line string
		want int64
		ok   bool
	}{
		{name: "stats line", line: "frame=  123 fps=1.0 q=28.0 size=256KiB", want: 123, ok: true},
		{name: "no padding", line: "frame=7 fps=0.9", want: 7, ok: true},
		{name: "unrelated line", line: "Stream #0:0: Video: h264", ok: false},
		{name: "empty", line: "", ok: false},
		{name: "no digits", line: "frame= fps=", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseFrameCount(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// TestFinishSegmentSurfacesWriterFailure uses an encoder stand-in that
// reports frames on stderr but never exits on "q": the finalize must fail
// even though frames were seen, or the chunk would be completed with no
// playable file behind it.
func TestFinishSegmentSurfacesWriterFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub encoder is a shell script")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "encoder.sh")
	script := "#!/bin/sh\necho 'frame=  5 fps=1.0 q=28.0' >&2\nsleep 30\n"
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	provider := NewFFmpegProvider(stub, logrus.NewEntry(log))

	stream, err := provider.OpenStream(context.Background(), Display{ID: ":0"}, StreamConfig{})
	require.NoError(t, err)
	fs := stream.(*ffmpegStream)
	fs.waitTimeout = 200 * time.Millisecond
	defer fs.Close()

	out := filepath.Join(dir, "segment.mp4")
	require.NoError(t, fs.StartSegment(context.Background(), out))

	// Let the stub report its frame count before finalizing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		n := fs.frames
		fs.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames, err := fs.FinishSegment(context.Background())
	require.Error(t, err, "a writer that never finalized must not report success")
	assert.EqualValues(t, 5, frames)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no output file was ever written")
}

func TestRetryableAcquisition(t *testing.T) {
	assert.True(t, RetryableAcquisition(ErrNoDisplay))
	assert.False(t, RetryableAcquisition(ErrPermissionDenied))
	assert.False(t, RetryableAcquisition(nil))
}
