package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const finishTimeout = 10 * time.Second

// FFmpegProvider captures the screen by running one ffmpeg process per
// segment. Grab device depends on the platform: x11grab on Linux,
// avfoundation on macOS, gdigrab on Windows.
type FFmpegProvider struct {
	Binary string
	log    *logrus.Entry
}

func NewFFmpegProvider(binary string, log *logrus.Entry) *FFmpegProvider {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegProvider{Binary: binary, log: log}
}

func (p *FFmpegProvider) Displays(ctx context.Context) ([]Display, error) {
	switch runtime.GOOS {
	case "linux":
		display := os.Getenv("DISPLAY")
		if display == "" {
			return nil, ErrNoDisplay
		}
		return []Display{{ID: display, Primary: true}}, nil
	case "darwin":
		// avfoundation indexes screens after cameras; "Capture screen 0"
		// is device index 1 on a single-camera machine.
		return []Display{{ID: "1", Primary: true}}, nil
	case "windows":
		return []Display{{ID: "desktop", Primary: true}}, nil
	default:
		return nil, ErrNoDisplay
	}
}

func (p *FFmpegProvider) OpenStream(ctx context.Context, display Display, cfg StreamConfig) (Stream, error) {
	if display.ID == "" {
		return nil, ErrNoDisplay
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 1
	}
	if cfg.TargetHeight <= 0 {
		cfg.TargetHeight = 1080
	}
	return &ffmpegStream{
		binary:  p.Binary,
		display: display,
		cfg:     cfg,
		log:     p.log.WithField("display", display.ID),
	}, nil
}

type ffmpegStream struct {
	binary  string
	display Display
	cfg     StreamConfig
	log     *logrus.Entry

	// waitTimeout caps how long FinishSegment waits for a clean exit; zero
	// means finishTimeout.
	waitTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames int64
	path   string
}

func (s *ffmpegStream) StartSegment(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("segment already open at %s", s.path)
	}

	args := grabArgs(s.display, s.cfg)
	args = append(args,
		"-vf", fmt.Sprintf("scale=-2:%d", s.cfg.TargetHeight),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", path,
	)

	cmd := exec.CommandContext(ctx, s.binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.frames = 0
	s.path = path
	go s.watchProgress(stderr)
	return nil
}

// watchProgress scrapes frame counters from ffmpeg's stderr stats lines.
func (s *ffmpegStream) watchProgress(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if n, ok := parseFrameCount(scanner.Text()); ok {
			s.mu.Lock()
			s.frames = n
			s.mu.Unlock()
		}
	}
}

func (s *ffmpegStream) FinishSegment(ctx context.Context) (int64, error) {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if cmd == nil {
		return 0, fmt.Errorf("no open segment")
	}

	// "q" asks ffmpeg to finalize the MP4 moov atom; killing it would
	// leave an unreadable file.
	if stdin != nil {
		_, _ = io.WriteString(stdin, "q")
		_ = stdin.Close()
	}

	timeout := s.waitTimeout
	if timeout <= 0 {
		timeout = finishTimeout
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		waitErr = fmt.Errorf("ffmpeg did not exit within %s", timeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()

	// A writer that did not exit cleanly never wrote the moov atom; frames
	// seen on stderr say nothing about the file on disk.
	if waitErr != nil {
		return frames, fmt.Errorf("segment writer failed: %w", waitErr)
	}
	return frames, nil
}

func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

func grabArgs(display Display, cfg StreamConfig) []string {
	fps := strconv.Itoa(cfg.FrameRate)
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", fps, "-capture_cursor", "1", "-i", display.ID + ":none"}
	case "windows":
		return []string{"-f", "gdigrab", "-framerate", fps, "-i", "desktop"}
	default:
		return []string{"-f", "x11grab", "-framerate", fps, "-i", display.ID}
	}
}

func parseFrameCount(line string) (int64, bool) {
	idx := strings.Index(line, "frame=")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimLeft(line[idx+len("frame="):], " ")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
