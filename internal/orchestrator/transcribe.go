package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/providers/llm"
)

const transcribeInstructions = "Watch this screen recording and describe what the user is doing as an ordered " +
	"list of observations. For each observation report start_seconds and end_seconds relative to the start of " +
	"the video and a concrete description of the activity on screen."

// Transcribe turns a batch's video into observations. Relative timestamps
// are anchored at the batch start; every resulting range must fall inside
// the batch duration (plus tolerance) or the attempt is retried as a
// protocol failure.
func (o *Orchestrator) Transcribe(ctx context.Context, batch *models.AnalysisBatch, videoPath string) ([]models.Observation, error) {
	const op = "Orchestrator.Transcribe"

	groupID := uuid.NewString()
	model := o.opts.PrimaryModel
	state := &retryState{}
	log := o.log.WithFields(logrus.Fields{"batch_id": batch.ID, "call_group": groupID})

	var lastErr error
	for state.attempt = 1; state.attempt <= o.opts.MaxAttempts; state.attempt++ {
		started := time.Now()
		resp, err := o.provider.TranscribeVideo(ctx, model, llm.TranscribeRequest{
			VideoPath:    videoPath,
			Instructions: transcribeInstructions,
		})

		var obs []models.Observation
		if err == nil {
			obs, err = o.convertObservations(batch, model, resp.Observations)
		}
		o.audit(ctx, groupID, model, "transcribe", videoPath, resp, started, err)

		if err == nil {
			return obs, nil
		}
		lastErr = err

		delay, downgrade, retryable := state.nextDelay(err, o.opts.FallbackModel != "")
		if !retryable {
			return nil, err
		}
		if downgrade {
			log.WithError(err).WithField("fallback", o.opts.FallbackModel).Warn("capacity error; downgrading model")
			model = o.opts.FallbackModel
			continue
		}
		log.WithError(err).WithFields(logrus.Fields{"attempt": state.attempt, "delay": delay.String()}).
			Warn("transcription attempt failed")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, faults.E(faults.KindTransport, op, "canceled during backoff", err)
		}
	}
	return nil, fmt.Errorf("%s: exhausted %d attempts: %w", op, o.opts.MaxAttempts, lastErr)
}

// convertObservations anchors model-relative timestamps at the batch start
// and validates containment. Out-of-range output is retryable: the model is
// non-deterministic, so the next attempt may place its timestamps
// correctly.
func (o *Orchestrator) convertObservations(batch *models.AnalysisBatch, model string, rels []llm.RelativeObservation) ([]models.Observation, error) {
	const op = "Orchestrator.Transcribe"

	if len(rels) == 0 {
		return nil, faults.E(faults.KindProtocol, op, "model returned no observations", nil)
	}

	duration := float64(batch.BatchEndTs - batch.BatchStartTs)
	tolerance := o.opts.ContainmentTolerance.Seconds()

	now := time.Now().UTC()
	obs := make([]models.Observation, 0, len(rels))
	for i, rel := range rels {
		if rel.EndSeconds <= rel.StartSeconds {
			return nil, faults.E(faults.KindProtocol, op,
				fmt.Sprintf("observation %d has non-positive duration", i), nil)
		}
		if rel.StartSeconds < -tolerance || rel.EndSeconds > duration+tolerance {
			return nil, faults.E(faults.KindProtocol, op,
				fmt.Sprintf("observation %d [%.0fs, %.0fs] falls outside the %.0fs batch", i, rel.StartSeconds, rel.EndSeconds, duration), nil)
		}
		obs = append(obs, models.Observation{
			BatchID:     batch.ID,
			StartTs:     batch.BatchStartTs + int64(rel.StartSeconds),
			EndTs:       batch.BatchStartTs + int64(rel.EndSeconds),
			Observation: rel.Description,
			LLMModel:    model,
			CreatedAt:   now,
		})
	}
	return obs, nil
}

// audit records one attempt in the llm_calls table. Best-effort: an audit
// failure is logged, never surfaced.
func (o *Orchestrator) audit(ctx context.Context, groupID, model, operation, request string, response any, started time.Time, callErr error) {
	status := "ok"
	errorInfo := ""
	if callErr != nil {
		status = string(faults.KindOf(callErr))
		errorInfo = callErr.Error()
	}

	responseBody := ""
	if response != nil {
		if b, err := json.Marshal(response); err == nil {
			responseBody = string(b)
		}
	}

	call := &models.LLMCall{
		CallGroupID:  groupID,
		Provider:     o.provider.Name(),
		Model:        model,
		Operation:    operation,
		Status:       status,
		LatencyMS:    time.Since(started).Milliseconds(),
		RequestBody:  request,
		ResponseBody: responseBody,
		ErrorInfo:    errorInfo,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.calls.Insert(ctx, call); err != nil {
		o.log.WithError(err).Warn("failed to audit llm call")
	}
}
