package llm

import "context"

// RelativeObservation is one transcription fact with timestamps relative to
// the start of the submitted video, in seconds.
type RelativeObservation struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Description  string  `json:"description"`
}

type TranscribeRequest struct {
	VideoPath    string
	Instructions string
}

type TranscribeResponse struct {
	Observations []RelativeObservation
}

// CategoryOption is one taxonomy entry offered to the model.
type CategoryOption struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Idle        bool   `json:"is_idle"`
}

// CardPayload is the wire form of a timeline card in both directions:
// existing cards go out as context, generated cards come back. Start/End
// are clock-time strings; the store resolves them to absolute timestamps.
type CardPayload struct {
	Start           string               `json:"start"`
	End             string               `json:"end"`
	Category        string               `json:"category"`
	Subcategory     string               `json:"subcategory"`
	Title           string               `json:"title"`
	Summary         string               `json:"summary"`
	DetailedSummary string               `json:"detailed_summary"`
	Distractions    []DistractionPayload `json:"distractions,omitempty"`
	AppSites        []string             `json:"app_sites,omitempty"`
}

type DistractionPayload struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type ObservationPayload struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Observation string `json:"observation"`
}

type CardsRequest struct {
	ExistingCards []CardPayload
	Observations  []ObservationPayload
	Categories    []CategoryOption
	Instructions  string
	// Correction describes the exact defect of the previous attempt
	// (missed ranges, short card) when retrying a semantic failure. Empty
	// on the first attempt.
	Correction string
}

type CardsResponse struct {
	Cards []CardPayload
}

type MergeRequest struct {
	Earlier      CardPayload
	Later        CardPayload
	Instructions string
}

// MergeDecision is the binary combine-or-append verdict. Callers require
// Confidence at or above their threshold before acting on ShouldMerge.
type MergeDecision struct {
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// Provider is the model gateway. The model name is an argument on every
// call so the orchestrator can downgrade mid-retry; implementations map
// their errors onto the faults taxonomy for the retry policy.
type Provider interface {
	Name() string
	TranscribeVideo(ctx context.Context, model string, req TranscribeRequest) (*TranscribeResponse, error)
	GenerateCards(ctx context.Context, model string, req CardsRequest) (*CardsResponse, error)
	DecideMerge(ctx context.Context, model string, req MergeRequest) (*MergeDecision, error)
}
