package orchestrator

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/repositories/postgres"
	"github.com/retracehq/retrace/internal/synthesis"
)

// Options bounds the retry/validation loop shared by both operations.
type Options struct {
	PrimaryModel  string
	FallbackModel string
	MaxAttempts   int
	// ContainmentTolerance is the slack allowed when checking that
	// observations fall inside the batch duration.
	ContainmentTolerance time.Duration
	// GapToleranceMinutes and MinCardMinutes parameterize the semantic
	// validation of generated cards.
	GapToleranceMinutes float64
	MinCardMinutes      float64
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ContainmentTolerance <= 0 {
		o.ContainmentTolerance = 15 * time.Second
	}
	if o.GapToleranceMinutes <= 0 {
		o.GapToleranceMinutes = synthesis.DefaultGapTolerance
	}
	if o.MinCardMinutes <= 0 {
		o.MinCardMinutes = synthesis.DefaultMinCardMinutes
	}
	return o
}

// Orchestrator owns all model-call retry, downgrade, and validation logic.
// It issues one network call at a time per operation; retries block inside
// the same logical call.
type Orchestrator struct {
	provider llm.Provider
	opts     Options
	calls    postgres.LLMCallRepo
	log      *logrus.Entry
	sleep    sleeper
}

func New(provider llm.Provider, calls postgres.LLMCallRepo, opts Options, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		opts:     opts.withDefaults(),
		calls:    calls,
		log:      log,
		sleep:    realSleep,
	}
}
