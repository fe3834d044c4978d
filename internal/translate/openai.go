package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAITranslator talks to any OpenAI-compatible chat completion endpoint
// in JSON mode and parses the structured translation out of the reply.
type OpenAITranslator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAITranslator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	payload, err := buildChatPayload(t.model, t.temperature, req)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(rawBody))
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, errors.New("empty chat completion choices")
	}

	result, err := parseTranslation(parsed.Choices[0].Message.Content)
	if err != nil {
		return Result{}, err
	}
	result.Provider = "openai-compatible"
	result.Model = t.model
	return result, nil
}

func buildChatPayload(model string, temperature float64, req Request) (map[string]any, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema context: %w", err)
	}
	systemPrompt := fmt.Sprintf(
		"You convert natural language data requests into a single %s query. "+
			"Use only entities and fields present in the supplied schema. "+
			"Respond with a JSON object: {\"query\": \"...\", \"confidence\": 0.0-1.0, \"rationale\": \"...\"}. "+
			"No markdown, no text outside the JSON object.",
		languageDescription(req.Language),
	)
	userPrompt := fmt.Sprintf(
		"Schema (JSON):\n%s\n\nUser request:\n%s\n\nRules:\n- Use only listed entities and fields.\n- Prefer explicit field lists over wildcards.\n- Bound result size unless the user asks otherwise.\n- Output exactly one query.",
		string(schemaJSON),
		strings.TrimSpace(req.Prompt),
	)

	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature":     temperature,
		"response_format": map[string]string{"type": "json_object"},
	}, nil
}

func languageDescription(tag string) string {
	switch {
	case strings.HasPrefix(tag, "sql/"):
		return strings.TrimPrefix(tag, "sql/") + " SQL"
	case tag == "mongodb_pipeline":
		return "MongoDB aggregation pipeline (JSON array)"
	case tag == "cypher":
		return "Cypher graph"
	default:
		return tag
	}
}

func parseTranslation(content string) (Result, error) {
	trimmed := stripMarkdownFence(content)
	var parsed struct {
		Query      string  `json:"query"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return Result{}, fmt.Errorf("decode translation payload: %w", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return Result{}, errors.New("model returned empty query")
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return Result{
		QueryText:  strings.TrimSpace(parsed.Query),
		Confidence: parsed.Confidence,
		Rationale:  strings.TrimSpace(parsed.Rationale),
	}, nil
}

func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
