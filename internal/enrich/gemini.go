// Package enrich implements the optional AI risk-enrichment collaborator.
// The client is strictly best effort: a failed or timed-out call leaves the
// heuristic assessment unchanged, and the merge rules guarantee enrichment
// can only raise the risk picture, never soften it.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/config"
)

// Client implements schemas.RiskEnricher against the Gemini generateContent API.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.EnrichmentConfig
}

// -- Gemini API Request/Response Structures (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// assessmentDelta is the structured verdict the model returns. All fields are
// additive; the merge rules below enforce that.
type assessmentDelta struct {
	RiskScore                  float64  `json:"risk_score"`
	AdditionalAreas            []string `json:"additional_areas"`
	AdditionalFailureScenarios []string `json:"additional_failure_scenarios"`
	Reasoning                  string   `json:"reasoning"`
}

const systemPrompt = `You are a CI risk analyst. Given a code change and a heuristic risk assessment,
respond with a JSON object: {"risk_score": number in [0,1], "additional_areas": [string],
"additional_failure_scenarios": [string], "reasoning": string}. Only report areas and
scenarios not already present, and only raise the risk score when evidence supports it.`

// NewClient initializes the enrichment client.
func NewClient(cfg config.EnrichmentConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("enrichment API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("enrich.gemini"),
	}, nil
}

// Enrich asks the model to sharpen a heuristic assessment. The returned
// assessment obeys the merge rules: score only goes up, areas and scenarios
// are appended, confidence rises slightly. Errors leave the caller free to
// keep the original assessment.
func (c *Client) Enrich(ctx context.Context, assessment schemas.RiskAssessment, change schemas.CodeChange) (schemas.RiskAssessment, error) {
	payload := c.buildRequestPayload(assessment, change)

	body, err := json.Marshal(payload)
	if err != nil {
		return assessment, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.config.APITimeout
	b.MaxInterval = 5 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during enrichment request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason))
		}

		c.logger.Debug("Enrichment call complete",
			zap.Duration("duration", duration),
			zap.String("file", change.FilePath),
			zap.Int("total_tokens", responsePayload.UsageMetadata.TotalTokenCount),
		)

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return assessment, err
	}

	var delta assessmentDelta
	if err := json.Unmarshal([]byte(stripCodeFences(responseContent)), &delta); err != nil {
		return assessment, fmt.Errorf("failed to parse enrichment verdict: %w", err)
	}

	return Merge(assessment, delta.RiskScore, delta.AdditionalAreas, delta.AdditionalFailureScenarios, delta.Reasoning), nil
}

func (c *Client) buildRequestPayload(assessment schemas.RiskAssessment, change schemas.CodeChange) geminiRequestPayload {
	heuristic, _ := json.Marshal(assessment)

	userPrompt := fmt.Sprintf(
		"File: %s\nChange type: %s\nLines added/removed/modified: %d/%d/%d\nDescription: %s\n\nHeuristic assessment:\n%s",
		change.FilePath, change.ChangeType,
		change.LinesAdded, change.LinesRemoved, change.LinesModified,
		change.Description, heuristic,
	)

	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: userPrompt}},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      c.config.Temperature,
			ResponseMimeType: "application/json",
			MaxOutputTokens:  c.config.MaxTokens,
		},
	}
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}

// Merge applies an enrichment delta under the collaborator contract: the
// score may only rise, areas and failure scenarios are appended and
// deduplicated, reasoning is appended, and confidence is raised by 0.1
// capped at 1.0.
func Merge(assessment schemas.RiskAssessment, score float64, areas, scenarios []string, reasoning string) schemas.RiskAssessment {
	if score > 1 {
		score = 1
	}
	if score > assessment.RiskScore {
		assessment.RiskScore = score
		assessment.RiskLevel = schemas.RiskLevelFromScore(score)
	}

	assessment.ImpactedAreas = appendUnique(assessment.ImpactedAreas, areas)
	assessment.FailureScenarios = appendUnique(assessment.FailureScenarios, scenarios)

	if reasoning != "" {
		assessment.Reasoning = assessment.Reasoning + " AI enrichment: " + reasoning
	}

	assessment.Confidence += 0.1
	if assessment.Confidence > 1.0 {
		assessment.Confidence = 1.0
	}
	return assessment
}

func appendUnique(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	for _, e := range existing {
		seen[e] = struct{}{}
	}
	for _, e := range extra {
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		existing = append(existing, e)
	}
	return existing
}

// stripCodeFences removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
