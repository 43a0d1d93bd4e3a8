package orchestrator

import (
	"context"
	"time"

	"github.com/retracehq/retrace/internal/faults"
)

const (
	transportBackoffBase = 2 * time.Second
	quotaBackoffBase     = 30 * time.Second
)

// retryState tracks one logical call across its attempts. Backoff counters
// advance per error class, and the capacity downgrade fires at most once.
type retryState struct {
	attempt           int
	downgraded        bool
	transportBackoffs int
	quotaBackoffs     int
}

// nextDelay decides whether the error is retryable and how long to wait,
// and flags when the call should switch to the fallback model first:
//
//	protocol / semantic  retry immediately
//	transport            exponential backoff from 2s
//	quota                downgrade once with no delay, then backoff from 30s
//	anything else        surface immediately
func (s *retryState) nextDelay(err error, haveFallback bool) (delay time.Duration, downgrade, retryable bool) {
	kind := faults.KindOf(err)
	if !faults.Retryable(kind) {
		return 0, false, false
	}

	switch kind {
	case faults.KindTransport:
		delay = transportBackoffBase << s.transportBackoffs
		s.transportBackoffs++
		return delay, false, true
	case faults.KindQuota:
		if haveFallback && !s.downgraded {
			s.downgraded = true
			return 0, true, true
		}
		delay = quotaBackoffBase << s.quotaBackoffs
		s.quotaBackoffs++
		return delay, false, true
	default:
		// Protocol and semantic defects retry immediately with a
		// corrected prompt.
		return 0, false, true
	}
}

// sleeper lets tests replace real delays.
type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
