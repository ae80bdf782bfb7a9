package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"act-placemat/backend/internal/constants"
	"act-placemat/backend/internal/identity"
	"act-placemat/backend/pkg/logger"
)

// ChatClient is the part of the OpenAI client the researcher uses
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Researcher fills missing company and position fields of person records
// through an OpenAI-compatible chat endpoint (Groq by default).
type Researcher struct {
	client     ChatClient
	model      string
	mu         sync.RWMutex // Protects model field for concurrent access
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

const researchPrompt = `You help a community organisation keep its contact records current.
Given what is known about a person, reply with a JSON object
{"company": string, "position": string} naming their current organisation
and role. Use empty strings for anything you are not confident about.`

// NewResearcher creates a researcher against baseURL
func NewResearcher(baseURL, apiKey, modelID string) *Researcher {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/")
	return NewResearcherWithClient(openai.NewClientWithConfig(config), modelID)
}

// NewResearcherWithClient creates a researcher over an existing client
func NewResearcherWithClient(client ChatClient, modelID string) *Researcher {
	return &Researcher{
		client:     client,
		model:      modelID,
		logger:     logger.Named("research"),
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// SetModel updates the model used for research
func (a *Researcher) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("Research model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *Researcher) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

type researchResult struct {
	Company  string `json:"company"`
	Position string `json:"position"`
}

// needsResearch reports whether rec is a named person record missing a
// company or position.
func needsResearch(rec identity.RawRecord) bool {
	kind, ok := rec.SourceKind.EntityKind()
	if !ok || kind != identity.KindPerson || strings.TrimSpace(rec.DisplayName) == "" {
		return false
	}
	return strings.TrimSpace(rec.Company) == "" || strings.TrimSpace(rec.Position) == ""
}

// Enrich returns rec with empty company and position filled from research.
// Fields that already hold a value are never replaced. The bool reports
// whether anything was filled.
func (a *Researcher) Enrich(ctx context.Context, rec identity.RawRecord) (identity.RawRecord, bool, error) {
	if !needsResearch(rec) {
		return rec, false, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", rec.DisplayName)
	if len(rec.Emails) > 0 {
		fmt.Fprintf(&b, "Emails: %s\n", strings.Join(rec.Emails, ", "))
	}
	if rec.Company != "" {
		fmt.Fprintf(&b, "Known organisation: %s\n", rec.Company)
	}
	if rec.Position != "" {
		fmt.Fprintf(&b, "Known role: %s\n", rec.Position)
	}

	req := openai.ChatCompletionRequest{
		Model: a.GetModel(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: researchPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.1,
	}

	// Retry logic with linear backoff
	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying research request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return rec, false, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		a.logger.Error("Research request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", req.Model),
		)
	}
	if err != nil {
		return rec, false, fmt.Errorf("research failed after %d attempts: %w", a.maxRetries, err)
	}
	if len(resp.Choices) == 0 {
		return rec, false, fmt.Errorf("no choices in research response")
	}

	found, err := parseResearch(resp.Choices[0].Message.Content)
	if err != nil {
		return rec, false, err
	}

	filled := false
	if strings.TrimSpace(rec.Company) == "" && found.Company != "" {
		rec.Company = found.Company
		filled = true
	}
	if strings.TrimSpace(rec.Position) == "" && found.Position != "" {
		rec.Position = found.Position
		filled = true
	}

	a.logger.Debug("Research complete",
		zap.String("source", rec.Ref().String()),
		zap.Bool("filled", filled),
	)
	return rec, filled, nil
}

// EnrichAll researches records with bounded concurrency. A failed lookup
// leaves that record as it was.
func (a *Researcher) EnrichAll(ctx context.Context, records []identity.RawRecord, maxConcurrency int) []identity.RawRecord {
	if maxConcurrency <= 0 {
		maxConcurrency = constants.DefaultMaxConcurrency
	}
	out := make([]identity.RawRecord, len(records))
	copy(out, records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i := range out {
		i := i
		if !needsResearch(out[i]) {
			continue
		}
		g.Go(func() error {
			enriched, _, err := a.Enrich(gctx, out[i])
			if err != nil {
				a.logger.Warn("Research skipped for record",
					zap.String("source", out[i].Ref().String()),
					zap.Error(err))
				return nil
			}
			out[i] = enriched
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// parseResearch reads the model's JSON answer, tolerating a fenced block
func parseResearch(content string) (researchResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var result researchResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &result); err != nil {
		return researchResult{}, fmt.Errorf("failed to parse research response: %w", err)
	}
	result.Company = strings.TrimSpace(result.Company)
	result.Position = strings.TrimSpace(result.Position)
	return result, nil
}
