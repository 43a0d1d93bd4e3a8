package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/providers/analytics"
	"github.com/retracehq/retrace/internal/providers/capture"
	"github.com/retracehq/retrace/internal/repositories/postgres"
)

// State is the recorder's explicit lifecycle state. All transitions happen
// on the controller's serial run loop.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateFinishing State = "finishing"
	StatePaused    State = "paused"
)

// PauseReason distinguishes the system events that park the recorder; the
// resume settle delay depends on it.
type PauseReason string

const (
	PauseSleep       PauseReason = "sleep"
	PauseLock        PauseReason = "lock"
	PauseScreensaver PauseReason = "screensaver"
)

type Config struct {
	SegmentsDir   string
	SegmentLength time.Duration
	Stream        capture.StreamConfig
	DisplayID     string

	// MaxStartAttempts bounds retries of a failed stream acquisition;
	// RetryBaseDelay scales the linear backoff (1x, 2x, 3x...).
	MaxStartAttempts int
	RetryBaseDelay   time.Duration

	// Settle delays before restarting after a resume event.
	WakeSettleDelay   time.Duration
	UnlockSettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SegmentLength <= 0 {
		c.SegmentLength = time.Minute
	}
	if c.MaxStartAttempts <= 0 {
		c.MaxStartAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.WakeSettleDelay <= 0 {
		c.WakeSettleDelay = 5 * time.Second
	}
	if c.UnlockSettleDelay <= 0 {
		c.UnlockSettleDelay = 500 * time.Millisecond
	}
	return c
}

// Controller wraps the capture segmenter in the lifecycle state machine.
// Every external signal hops onto one serial run loop before touching
// state, so a toggle can never race an in-flight stream start.
type Controller struct {
	provider  capture.Provider
	chunks    postgres.ChunkRepo
	cfg       Config
	analytics analytics.Sink
	log       *logrus.Entry

	cmds chan func()
	done chan struct{}

	// Everything below is owned by the run loop.
	state          State
	wantsRecording bool
	stream         capture.Stream
	display        capture.Display
	pendingDisplay *capture.Display
	segmentPath    string
	segmentTimer   *time.Timer
	startAttempts  int
	pauseReason    PauseReason

	pendingStop    bool
	pendingPause   bool
	pendingRestart bool
	stopWaiters    []chan struct{}

	runCtx context.Context
}

func NewController(provider capture.Provider, chunks postgres.ChunkRepo, sink analytics.Sink, cfg Config, log *logrus.Entry) *Controller {
	return &Controller{
		provider:  provider,
		chunks:    chunks,
		analytics: sink,
		cfg:       cfg.withDefaults(),
		log:       log,
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
}

// Run drives the serial loop until ctx is canceled. It must be running
// before any other method is called.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.drainOnShutdown()
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

// do hops onto the run loop. The channel is buffered, so commands queued
// before Run starts are not lost.
func (c *Controller) do(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// SetWantsRecording flips the user's recording toggle. Turning it on
// attempts a start; turning it off stops after draining the open segment.
func (c *Controller) SetWantsRecording(enabled bool) {
	c.do(func() {
		c.wantsRecording = enabled
		if enabled {
			c.start()
		} else {
			c.beginStop(nil)
		}
	})
}

// Start is a no-op unless the state permits starting and the toggle is
// set; disallowed starts are dropped, not queued.
func (c *Controller) Start() {
	c.do(func() { c.start() })
}

// Stop clears the toggle and blocks until the open segment is completed or
// discarded and the capture surface is released.
func (c *Controller) Stop(ctx context.Context) error {
	done := make(chan struct{})
	c.do(func() {
		c.wantsRecording = false
		c.beginStop(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current lifecycle state, read on the run loop.
func (c *Controller) State() State {
	reply := make(chan State, 1)
	c.do(func() { reply <- c.state })
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return StateIdle
	}
}

// NotifyDisplayChanged tears down and restarts the stream against the new
// display while recording; while idle the change is remembered and applied
// on the next start.
func (c *Controller) NotifyDisplayChanged(d capture.Display) {
	c.do(func() {
		c.pendingDisplay = &d
		if c.state == StateRecording {
			c.pendingRestart = true
			c.finishSegment()
		}
	})
}

// NotifyPause parks the recorder on sleep, lock, or screensaver start.
func (c *Controller) NotifyPause(reason PauseReason) {
	c.do(func() {
		c.pauseReason = reason
		switch c.state {
		case StateRecording:
			c.pendingPause = true
			c.finishSegment()
		case StateFinishing:
			// The segment is already draining; park once it lands.
			c.pendingPause = true
		case StateStarting:
			// Abandon acquisition; a stream arriving later is closed
			// because the state moved on.
			c.state = StatePaused
		}
	})
}

// NotifyResume schedules a restart after the settle delay for the event
// that paused us.
func (c *Controller) NotifyResume(reason PauseReason) {
	c.do(func() {
		if c.state != StatePaused {
			return
		}
		delay := c.cfg.UnlockSettleDelay
		if reason == PauseSleep {
			delay = c.cfg.WakeSettleDelay
		}
		time.AfterFunc(delay, func() {
			c.do(func() {
				if c.state == StatePaused {
					c.start()
				}
			})
		})
	})
}

// --- run-loop internals ---

func (c *Controller) start() {
	if c.state != StateIdle && c.state != StatePaused {
		return
	}
	if !c.wantsRecording {
		return
	}
	c.state = StateStarting
	c.startAttempts = 0
	c.acquire()
}

func (c *Controller) acquire() {
	if c.pendingDisplay != nil {
		c.display = *c.pendingDisplay
		c.pendingDisplay = nil
	}

	go func() {
		stream, display, err := c.openStream()
		c.do(func() { c.onStreamAcquired(stream, display, err) })
	}()
}

func (c *Controller) openStream() (capture.Stream, capture.Display, error) {
	ctx := c.runCtx

	display := c.display
	if display.ID == "" {
		displays, err := c.provider.Displays(ctx)
		if err != nil {
			return nil, capture.Display{}, err
		}
		if len(displays) == 0 {
			return nil, capture.Display{}, capture.ErrNoDisplay
		}
		display = displays[0]
		for _, d := range displays {
			if d.Primary {
				display = d
				break
			}
		}
		if c.cfg.DisplayID != "" {
			for _, d := range displays {
				if d.ID == c.cfg.DisplayID {
					display = d
					break
				}
			}
		}
	}

	stream, err := c.provider.OpenStream(ctx, display, c.cfg.Stream)
	return stream, display, err
}

func (c *Controller) onStreamAcquired(stream capture.Stream, display capture.Display, err error) {
	if c.state != StateStarting {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}

	if err != nil {
		if capture.RetryableAcquisition(err) {
			c.retryStart(err)
			return
		}
		c.giveUp(err)
		return
	}

	c.stream = stream
	c.display = display
	c.state = StateRecording
	c.analytics.Track("recording_started", map[string]any{"display": display.ID})
	c.beginSegment()
}

// retryStart schedules another acquisition attempt with a linear delay, or
// gives up once the attempt budget is spent.
func (c *Controller) retryStart(err error) {
	if c.startAttempts >= c.cfg.MaxStartAttempts {
		c.giveUp(err)
		return
	}
	c.startAttempts++
	delay := time.Duration(c.startAttempts) * c.cfg.RetryBaseDelay
	c.log.WithError(err).WithFields(logrus.Fields{"attempt": c.startAttempts, "delay": delay.String()}).
		Warn("start failed; retrying")
	time.AfterFunc(delay, func() {
		c.do(func() {
			if c.state == StateStarting {
				c.acquire()
			}
		})
	})
}

// giveUp clears the toggle so the user sees the recorder off rather than
// flapping. The user declined capture, or retries ran out.
func (c *Controller) giveUp(err error) {
	c.log.WithError(err).Error("recording start failed permanently")
	c.teardownStream()
	c.wantsRecording = false
	c.state = StateIdle
	c.notifyStopWaiters()
}

func (c *Controller) beginSegment() {
	now := time.Now()
	path := filepath.Join(c.cfg.SegmentsDir, fmt.Sprintf("%d.mp4", now.Unix()))

	if _, err := c.chunks.Register(c.runCtx, path, now.Unix()); err != nil {
		c.log.WithError(err).Error("failed to register chunk")
		c.teardownStream()
		c.state = StateStarting
		c.retryStart(err)
		return
	}

	if err := c.stream.StartSegment(c.runCtx, path); err != nil {
		c.log.WithError(err).Error("failed to start segment")
		if err := c.chunks.MarkFailed(c.runCtx, path); err != nil {
			c.log.WithError(err).Error("failed to mark chunk failed")
		}
		c.teardownStream()
		c.state = StateStarting
		c.retryStart(err)
		return
	}

	c.segmentPath = path
	c.segmentTimer = time.AfterFunc(c.cfg.SegmentLength, func() {
		c.do(c.finishSegment)
	})
}

func (c *Controller) finishSegment() {
	if c.state != StateRecording {
		return
	}
	c.state = StateFinishing
	if c.segmentTimer != nil {
		c.segmentTimer.Stop()
		c.segmentTimer = nil
	}

	stream := c.stream
	go func() {
		// The writer's finalize callback runs on a foreign thread; results
		// re-enter the run loop before touching state.
		frames, err := stream.FinishSegment(c.runCtx)
		c.do(func() { c.onSegmentFinished(frames, err) })
	}()
}

func (c *Controller) onSegmentFinished(frames int64, err error) {
	path := c.segmentPath
	c.segmentPath = ""
	// A full segment cycle refreshes the start budget.
	c.startAttempts = 0

	switch {
	case err != nil:
		c.log.WithError(err).WithField("path", path).Warn("segment writer failed")
		c.markFailed(path)
	case frames == 0:
		// Early-exit guard: never emit an empty file.
		c.log.WithField("path", path).Warn("segment received zero frames; discarding")
		c.markFailed(path)
	default:
		if err := c.chunks.MarkCompleted(c.runCtx, path, time.Now().Unix()); err != nil {
			c.log.WithError(err).Error("failed to mark chunk completed")
		}
	}

	switch {
	case c.pendingStop || !c.wantsRecording:
		c.pendingStop = false
		c.pendingPause = false
		c.pendingRestart = false
		c.teardownStream()
		c.state = StateIdle
		c.analytics.Track("recording_stopped", nil)
		c.notifyStopWaiters()
	case c.pendingPause:
		c.pendingPause = false
		c.teardownStream()
		c.state = StatePaused
	case c.pendingRestart:
		c.pendingRestart = false
		c.teardownStream()
		c.state = StateStarting
		c.startAttempts = 0
		c.acquire()
	default:
		c.state = StateRecording
		c.beginSegment()
	}
}

func (c *Controller) beginStop(done chan struct{}) {
	if done != nil {
		c.stopWaiters = append(c.stopWaiters, done)
	}

	switch c.state {
	case StateIdle:
		c.notifyStopWaiters()
	case StatePaused:
		c.teardownStream()
		c.state = StateIdle
		c.notifyStopWaiters()
	case StateStarting:
		// Abandon acquisition; a late-arriving stream gets closed.
		c.state = StateIdle
		c.notifyStopWaiters()
	case StateRecording:
		c.pendingStop = true
		c.finishSegment()
	case StateFinishing:
		c.pendingStop = true
	}
}

func (c *Controller) markFailed(path string) {
	if err := c.chunks.MarkFailed(c.runCtx, path); err != nil {
		c.log.WithError(err).Error("failed to mark chunk failed")
	}
}

func (c *Controller) teardownStream() {
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
}

func (c *Controller) notifyStopWaiters() {
	for _, w := range c.stopWaiters {
		close(w)
	}
	c.stopWaiters = nil
}

// drainOnShutdown discards the open segment when the process exits with
// the loop still running a segment.
func (c *Controller) drainOnShutdown() {
	if c.segmentPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if c.stream != nil {
			if _, err := c.stream.FinishSegment(ctx); err == nil {
				_ = c.chunks.MarkCompleted(ctx, c.segmentPath, time.Now().Unix())
			} else {
				_ = c.chunks.MarkFailed(ctx, c.segmentPath)
			}
		}
	}
	c.teardownStream()
}
