package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ModelState tracks the local model's residency lifecycle. Freeing inference
// memory goes through an explicit unload with a minimum cooldown dwell before
// the model may be loaded again; the dwell lives here, in the adapter, not in
// the router or scheduler.
type ModelState int

const (
	ModelIdle ModelState = iota // not resident
	ModelLoaded
	ModelUnloading
	ModelCooling // unloaded, dwell timer running
)

func (s ModelState) String() string {
	switch s {
	case ModelIdle:
		return "idle"
	case ModelLoaded:
		return "loaded"
	case ModelUnloading:
		return "unloading"
	case ModelCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// LocalBackend is the free/local adapter for an Ollama-style inference server.
type LocalBackend struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client

	minDwell   time.Duration
	mu         sync.Mutex
	state      ModelState
	cooledFrom time.Time
}

// NewLocal creates a local inference adapter. minDwell is the cooldown
// enforced between an unload and the next load (0 means no dwell).
func NewLocal(name, baseURL, model string, minDwell time.Duration) *LocalBackend {
	if name == "" {
		name = "local"
	}
	return &LocalBackend{
		name:     name,
		baseURL:  baseURL,
		model:    model,
		minDwell: minDwell,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (b *LocalBackend) Name() string { return b.name }

func (b *LocalBackend) CostClass() CostClass { return CostLocal }

// State returns the current model residency state, resolving an elapsed
// cooldown to idle.
func (b *LocalBackend) State() ModelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveLocked()
}

func (b *LocalBackend) resolveLocked() ModelState {
	if b.state == ModelCooling && time.Since(b.cooledFrom) >= b.minDwell {
		b.state = ModelIdle
	}
	return b.state
}

// waitForLoad blocks while the cooldown dwell is still running.
func (b *LocalBackend) waitForLoad(ctx context.Context) error {
	for {
		b.mu.Lock()
		state := b.resolveLocked()
		var remaining time.Duration
		if state == ModelCooling {
			remaining = b.minDwell - time.Since(b.cooledFrom)
		}
		b.mu.Unlock()

		if state != ModelCooling && state != ModelUnloading {
			return nil
		}
		if remaining <= 0 {
			remaining = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

func (b *LocalBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := b.waitForLoad(ctx); err != nil {
		return nil, &Error{Kind: ErrTimeout, Provider: b.name, Message: err.Error()}
	}

	prompt := buildPrompt(req)
	body := map[string]interface{}{
		"model":  b.model,
		"prompt": prompt,
		"stream": false,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["options"] = map[string]interface{}{"temperature": req.Temperature}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: ErrTimeout, Provider: b.name, Message: err.Error()}
		}
		return nil, &Error{Kind: ErrRefused, Provider: b.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Kind:       kindFromStatus(resp.StatusCode),
			Provider:   b.name,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var localResp struct {
		Model           string `json:"model"`
		Response        string `json:"response"`
		Done            bool   `json:"done"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&localResp); err != nil {
		return nil, &Error{Kind: ErrMalformed, Provider: b.name, Message: err.Error()}
	}

	b.mu.Lock()
	b.state = ModelLoaded
	b.mu.Unlock()

	return &Result{
		Content:      localResp.Response,
		Model:        localResp.Model,
		InputTokens:  localResp.PromptEvalCount,
		OutputTokens: localResp.EvalCount,
	}, nil
}

// Unload asks the server to evict the model and starts the cooldown dwell.
// Safe to call when already idle.
func (b *LocalBackend) Unload(ctx context.Context) error {
	b.mu.Lock()
	if b.resolveLocked() != ModelLoaded {
		b.mu.Unlock()
		return nil
	}
	b.state = ModelUnloading
	b.mu.Unlock()

	body, _ := json.Marshal(map[string]interface{}{
		"model":      b.model,
		"keep_alive": 0,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(body))
	if err == nil {
		httpReq.Header.Set("Content-Type", "application/json")
		if resp, doErr := b.httpClient.Do(httpReq); doErr == nil {
			resp.Body.Close()
		} else {
			err = doErr
		}
	}

	b.mu.Lock()
	b.state = ModelCooling
	b.cooledFrom = time.Now()
	b.mu.Unlock()

	if err != nil {
		slog.Warn("local model unload request failed", "backend", b.name, "error", err)
	}
	slog.Info("local model unloaded", "backend", b.name, "dwell", b.minDwell)
	return err
}

// HealthCheck probes the server's tags listing.
func (b *LocalBackend) HealthCheck(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return Unavailable
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Unavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Degraded
	}
	return Healthy
}

// buildPrompt flattens chat messages into a single prompt for servers that
// only take raw text.
func buildPrompt(req Request) string {
	var buf bytes.Buffer
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			buf.WriteString("User: ")
		case "assistant":
			buf.WriteString("Assistant: ")
		}
		buf.WriteString(m.Content)
		buf.WriteString("\n")
	}
	buf.WriteString("Assistant:")
	return buf.String()
}
