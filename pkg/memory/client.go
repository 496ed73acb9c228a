// Package memory provides chat-scoped long-term recall via vector
// embeddings.
//
// An HTTP embedding service (HuggingFace Text Embeddings Inference)
// turns snippets into vectors, pgvector stores and searches them, and a
// background worker keeps the index in sync with the context store.
// Everything here is best-effort: recall failures degrade the prompt,
// never the task.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// PrefixDocument marks texts embedded for storage. Required by
	// nomic-embed-text for best retrieval quality.
	PrefixDocument = "search_document: "
	// PrefixQuery marks texts embedded for lookup.
	PrefixQuery = "search_query: "
)

// EmbedClient calls a Text Embeddings Inference server.
type EmbedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEmbedClient creates a client for the given TEI base URL.
func NewEmbedClient(baseURL string) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embedRequest struct {
	Inputs interface{} `json:"inputs"` // string or []string
}

// Embed generates embeddings for one or more texts with the given task
// prefix.
func (c *EmbedClient) Embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var embeddings [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return embeddings, nil
}

// EmbedQuery embeds a single search query.
func (c *EmbedClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	results, err := c.Embed(ctx, []string{text}, PrefixQuery)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return results[0], nil
}

// EmbedDocuments embeds a batch of texts for storage.
func (c *EmbedClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Embed(ctx, texts, PrefixDocument)
}

// Health checks whether the embedding server is reachable.
func (c *EmbedClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
