package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/providers/analytics"
	"github.com/retracehq/retrace/internal/providers/capture"
)

type fakeStream struct {
	mu         sync.Mutex
	frames     int64
	finish     error
	finishGate chan struct{}
	segments   []string
	closed     bool
}

func (s *fakeStream) StartSegment(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, path)
	return nil
}

func (s *fakeStream) FinishSegment(context.Context) (int64, error) {
	s.mu.Lock()
	gate := s.finishGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.finish
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	mu         sync.Mutex
	displays   []capture.Display
	openErrs   []error
	frames     int64
	finishGate chan struct{}
	streams    []*fakeStream
	opened     []capture.Display
}

func (p *fakeProvider) Displays(context.Context) ([]capture.Display, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.displays) == 0 {
		return nil, capture.ErrNoDisplay
	}
	return p.displays, nil
}

func (p *fakeProvider) OpenStream(_ context.Context, d capture.Display, _ capture.StreamConfig) (capture.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeStream{frames: p.frames, finishGate: p.finishGate}
	p.streams = append(p.streams, s)
	p.opened = append(p.opened, d)
	return s, nil
}

func (p *fakeProvider) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakeProvider) lastStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type memChunkRepo struct {
	mu            sync.Mutex
	status        map[string]models.ChunkStatus
	registerErr   error
	registerCalls int
}

func newMemChunkRepo() *memChunkRepo {
	return &memChunkRepo{status: make(map[string]models.ChunkStatus)}
}

func (r *memChunkRepo) Register(_ context.Context, fileURL string, startTs int64) (*models.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerCalls++
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	r.status[fileURL] = models.ChunkRecording
	return &models.Chunk{FileURL: fileURL, StartTs: startTs, Status: models.ChunkRecording}, nil
}

func (r *memChunkRepo) MarkCompleted(_ context.Context, fileURL string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[fileURL] = models.ChunkCompleted
	return nil
}

func (r *memChunkRepo) MarkFailed(_ context.Context, fileURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[fileURL] = models.ChunkFailed
	return nil
}

func (r *memChunkRepo) FetchUnprocessed(context.Context, time.Time) ([]models.Chunk, error) {
	return nil, nil
}

func (r *memChunkRepo) GetByIDs(context.Context, []int64) ([]models.Chunk, error) {
	return nil, nil
}

func (r *memChunkRepo) CountByStatus(_ context.Context, status models.ChunkStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.status {
		if s == status {
			n++
		}
	}
	return n, nil
}

func (r *memChunkRepo) countByStatus(status models.ChunkStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.status {
		if s == status {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, provider capture.Provider, repo *memChunkRepo, cfg Config) (*Controller, context.CancelFunc) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	if cfg.SegmentsDir == "" {
		cfg.SegmentsDir = t.TempDir()
	}
	c := NewController(provider, repo, analytics.Noop{}, cfg, logrus.NewEntry(log))
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c, cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSegmentCycleCompletesChunks(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		frames:   30,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: 30 * time.Millisecond})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return repo.countByStatus(models.ChunkCompleted) >= 2 },
		"two completed chunks")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, repo.countByStatus(models.ChunkRecording), "stop must drain the open segment")
	assert.True(t, provider.lastStream().isClosed())
}

func TestZeroFrameSegmentMarkedFailed(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		frames:   0,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: 20 * time.Millisecond})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return repo.countByStatus(models.ChunkFailed) >= 1 },
		"a failed chunk")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Zero(t, repo.countByStatus(models.ChunkCompleted))
}

func TestAcquisitionRetriesThenRecords(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		openErrs: []error{capture.ErrNoDisplay, capture.ErrNoDisplay},
		frames:   10,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{
		SegmentLength:  time.Hour,
		RetryBaseDelay: 5 * time.Millisecond,
	})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording after retries")
	assert.Equal(t, 1, provider.streamCount())
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		openErrs: []error{capture.ErrPermissionDenied},
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: time.Hour})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateIdle }, "idle after fatal error")

	// The toggle was cleared: a plain start does nothing.
	c.Start()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, provider.streamCount())
}

func TestExhaustedRetriesGiveUp(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		openErrs: []error{
			capture.ErrNoDisplay, capture.ErrNoDisplay, capture.ErrNoDisplay,
		},
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{
		SegmentLength:    time.Hour,
		MaxStartAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
	})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateIdle }, "idle after exhausted retries")
	assert.Zero(t, provider.streamCount())
}

func TestPauseDrainsSegmentAndResumeRestarts(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		frames:   10,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{
		SegmentLength:     time.Hour,
		UnlockSettleDelay: 5 * time.Millisecond,
	})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording")

	c.NotifyPause(PauseLock)
	waitFor(t, func() bool { return c.State() == StatePaused }, "paused")
	assert.Equal(t, 1, repo.countByStatus(models.ChunkCompleted), "pause drains the open segment")
	assert.True(t, provider.lastStream().isClosed())

	c.NotifyResume(PauseLock)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording after resume")
	assert.Equal(t, 2, provider.streamCount())
}

func TestPauseDuringFinishLandsPaused(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{
		displays:   []capture.Display{{ID: "main", Primary: true}},
		frames:     10,
		finishGate: gate,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: 20 * time.Millisecond})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateFinishing }, "segment draining")

	// The sleep event arrives while the segment is still draining; it must
	// not be dropped on the floor.
	c.NotifyPause(PauseSleep)
	close(gate)

	waitFor(t, func() bool { return c.State() == StatePaused }, "paused after drain")
	assert.Equal(t, 1, repo.countByStatus(models.ChunkCompleted))
	assert.True(t, provider.lastStream().isClosed())
}

func TestRegisterFailureRetriesBoundedThenGivesUp(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		frames:   10,
	}
	repo := newMemChunkRepo()
	repo.registerErr = assert.AnError
	c, _ := newTestController(t, provider, repo, Config{
		SegmentLength:    time.Hour,
		MaxStartAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
	})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateIdle }, "idle after persistent store failure")

	repo.mu.Lock()
	calls := repo.registerCalls
	repo.mu.Unlock()
	assert.Equal(t, 3, calls, "initial attempt plus the bounded retries")

	// The toggle was cleared: no tight restart loop keeps running.
	time.Sleep(20 * time.Millisecond)
	repo.mu.Lock()
	after := repo.registerCalls
	repo.mu.Unlock()
	assert.Equal(t, calls, after)
	assert.True(t, provider.lastStream().isClosed())
}

func TestResumeWithoutToggleStaysPaused(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{{ID: "main", Primary: true}},
		frames:   10,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{
		SegmentLength:     time.Hour,
		UnlockSettleDelay: time.Millisecond,
	})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording")

	c.NotifyPause(PauseScreensaver)
	waitFor(t, func() bool { return c.State() == StatePaused }, "paused")

	c.SetWantsRecording(false)
	waitFor(t, func() bool { return c.State() == StateIdle }, "idle")

	c.NotifyResume(PauseScreensaver)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, provider.streamCount())
}

func TestDisplayChangeRestartsStream(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{
			{ID: "main", Primary: true},
			{ID: "aux"},
		},
		frames: 10,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: time.Hour})

	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording")

	c.NotifyDisplayChanged(capture.Display{ID: "aux"})
	waitFor(t, func() bool { return provider.streamCount() == 2 }, "second stream opened")
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording on new display")

	provider.mu.Lock()
	last := provider.opened[len(provider.opened)-1]
	provider.mu.Unlock()
	assert.Equal(t, "aux", last.ID)
	assert.Equal(t, 1, repo.countByStatus(models.ChunkCompleted), "segment drained before restart")
}

func TestDisplayChangeWhileIdleIsRemembered(t *testing.T) {
	provider := &fakeProvider{
		displays: []capture.Display{
			{ID: "main", Primary: true},
			{ID: "aux"},
		},
		frames: 10,
	}
	repo := newMemChunkRepo()
	c, _ := newTestController(t, provider, repo, Config{SegmentLength: time.Hour})

	c.NotifyDisplayChanged(capture.Display{ID: "aux"})
	c.SetWantsRecording(true)
	waitFor(t, func() bool { return c.State() == StateRecording }, "recording")

	provider.mu.Lock()
	first := provider.opened[0]
	provider.mu.Unlock()
	assert.Equal(t, "aux", first.ID)
}
