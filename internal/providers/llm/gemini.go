package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/retracehq/retrace/internal/faults"
)

const (
	fileActivePollInterval = 2 * time.Second
	fileActiveTimeout      = 2 * time.Minute
)

// Gemini talks to the Gemini API: video upload through the Files API, then
// schema-constrained JSON generation.
type Gemini struct {
	client *genai.Client
	log    *logrus.Entry
}

func NewGemini(ctx context.Context, apiKey string, log *logrus.Entry) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, log: log}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) TranscribeVideo(ctx context.Context, model string, req TranscribeRequest) (*TranscribeResponse, error) {
	const op = "Gemini.TranscribeVideo"

	file, err := g.uploadAndWait(ctx, req.VideoPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, err := g.client.Files.Delete(context.WithoutCancel(ctx), file.Name, nil); err != nil {
			g.log.WithError(err).WithField("file", file.Name).Debug("failed to delete uploaded video")
		}
	}()

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromURI(file.URI, file.MIMEType),
		genai.NewPartFromText(req.Instructions),
	}, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   observationSchema,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	var observations []RelativeObservation
	if err := decodeStrict(resp.Text(), &observations); err != nil {
		return nil, faults.E(faults.KindProtocol, op, "undecodable transcription response", err)
	}
	return &TranscribeResponse{Observations: observations}, nil
}

func (g *Gemini) GenerateCards(ctx context.Context, model string, req CardsRequest) (*CardsResponse, error) {
	const op = "Gemini.GenerateCards"

	prompt, err := cardsPrompt(req)
	if err != nil {
		return nil, faults.E(faults.KindInternal, op, "failed to build prompt", err)
	}

	resp, err := g.client.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   cardListSchema,
		})
	if err != nil {
		return nil, classify(op, err)
	}

	var cards []CardPayload
	if err := decodeStrict(resp.Text(), &cards); err != nil {
		return nil, faults.E(faults.KindProtocol, op, "undecodable card response", err)
	}
	return &CardsResponse{Cards: cards}, nil
}

func (g *Gemini) DecideMerge(ctx context.Context, model string, req MergeRequest) (*MergeDecision, error) {
	const op = "Gemini.DecideMerge"

	earlier, err := json.Marshal(req.Earlier)
	if err != nil {
		return nil, faults.E(faults.KindInternal, op, "failed to encode merge request", err)
	}
	later, err := json.Marshal(req.Later)
	if err != nil {
		return nil, faults.E(faults.KindInternal, op, "failed to encode merge request", err)
	}
	prompt := fmt.Sprintf("%s\n\nEarlier card:\n%s\n\nLater card:\n%s\n", req.Instructions, earlier, later)

	resp, err := g.client.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   mergeSchema,
		})
	if err != nil {
		return nil, classify(op, err)
	}

	var decision MergeDecision
	if err := decodeStrict(resp.Text(), &decision); err != nil {
		return nil, faults.E(faults.KindProtocol, op, "undecodable merge decision", err)
	}
	return &decision, nil
}

func (g *Gemini) uploadAndWait(ctx context.Context, path string) (*genai.File, error) {
	const op = "Gemini.Upload"

	file, err := g.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: "video/mp4"})
	if err != nil {
		return nil, classify(op, err)
	}

	deadline := time.Now().Add(fileActiveTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return nil, faults.E(faults.KindTransport, op, "uploaded video never became active", nil)
		}
		select {
		case <-ctx.Done():
			return nil, faults.E(faults.KindTransport, op, "context canceled while waiting for upload", ctx.Err())
		case <-time.After(fileActivePollInterval):
		}
		file, err = g.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, classify(op, err)
		}
	}
	if file.State != genai.FileStateActive {
		return nil, faults.E(faults.KindTransport, op, fmt.Sprintf("uploaded video in state %s", file.State), nil)
	}
	return file, nil
}

func cardsPrompt(req CardsRequest) (string, error) {
	existing, err := json.Marshal(req.ExistingCards)
	if err != nil {
		return "", err
	}
	observations, err := json.Marshal(req.Observations)
	if err != nil {
		return "", err
	}
	categories, err := json.Marshal(req.Categories)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(req.Instructions)
	b.WriteString("\n\nCategories:\n")
	b.Write(categories)
	b.WriteString("\n\nExisting cards:\n")
	b.Write(existing)
	b.WriteString("\n\nNew observations:\n")
	b.Write(observations)
	if req.Correction != "" {
		b.WriteString("\n\nYour previous answer was rejected. Fix exactly this and change nothing else:\n")
		b.WriteString(req.Correction)
	}
	return b.String(), nil
}

// decodeStrict rejects unknown fields and trailing garbage; anything the
// schema didn't ask for is a protocol error, not something to tolerate.
func decodeStrict(body string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

// classify maps transport-layer errors onto the retry taxonomy. Quota-class
// responses additionally drive the orchestrator's model downgrade.
func classify(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code == http.StatusServiceUnavailable:
			return faults.E(faults.KindQuota, op, "model capacity exhausted", err)
		case apiErr.Code == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "quota"):
			return faults.E(faults.KindQuota, op, "quota exceeded", err)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return faults.E(faults.KindInvalid, op, "request rejected by model backend", err)
		default:
			return faults.E(faults.KindTransport, op, "model backend error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return faults.E(faults.KindTransport, op, "network error", err)
	}
	return faults.E(faults.KindTransport, op, "call failed", err)
}

var observationSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"start_seconds": {Type: genai.TypeNumber},
			"end_seconds":   {Type: genai.TypeNumber},
			"description":   {Type: genai.TypeString},
		},
		Required: []string{"start_seconds", "end_seconds", "description"},
	},
}

var cardListSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"start":            {Type: genai.TypeString},
			"end":              {Type: genai.TypeString},
			"category":         {Type: genai.TypeString},
			"subcategory":      {Type: genai.TypeString},
			"title":            {Type: genai.TypeString},
			"summary":          {Type: genai.TypeString},
			"detailed_summary": {Type: genai.TypeString},
			"distractions": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"start":   {Type: genai.TypeString},
						"end":     {Type: genai.TypeString},
						"title":   {Type: genai.TypeString},
						"summary": {Type: genai.TypeString},
					},
					Required: []string{"start", "end", "title", "summary"},
				},
			},
			"app_sites": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"start", "end", "category", "subcategory", "title", "summary", "detailed_summary"},
	},
}

var mergeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"should_merge": {Type: genai.TypeBoolean},
		"confidence":   {Type: genai.TypeNumber},
		"reason":       {Type: genai.TypeString},
	},
	Required: []string{"should_merge", "confidence"},
}
