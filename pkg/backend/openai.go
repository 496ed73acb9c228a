package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAICompatBackend is the cheap-cloud adapter for any OpenAI-compatible
// chat completions API (Kimi, DeepSeek, OpenRouter, and friends).
type OpenAICompatBackend struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompat creates an adapter for an OpenAI-compatible API.
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatBackend {
	return &OpenAICompatBackend{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

func (b *OpenAICompatBackend) Name() string { return b.name }

func (b *OpenAICompatBackend) CostClass() CostClass { return CostCheapCloud }

func (b *OpenAICompatBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []map[string]string
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]interface{}{
		"model":       b.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: ErrTimeout, Provider: b.name, Message: err.Error()}
		}
		return nil, &Error{Kind: ErrRefused, Provider: b.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: b.name, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:       kindFromStatus(resp.StatusCode),
			Provider:   b.name,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: b.name, Message: err.Error()}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &Error{Kind: ErrMalformed, Provider: b.name, Message: "empty choices"}
	}

	return &Result{
		Content:      oaiResp.Choices[0].Message.Content,
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck probes the provider's models listing.
func (b *OpenAICompatBackend) HealthCheck(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return Unavailable
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Unavailable
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return Healthy
	case resp.StatusCode >= 500:
		return Unavailable
	default:
		return Degraded
	}
}
