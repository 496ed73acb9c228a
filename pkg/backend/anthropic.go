package backend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend is the expensive-cloud adapter for Claude models.
// Streaming is used for every request so large-context generations do not
// trip the SDK's non-streaming timeout; chunks are accumulated and the
// final message returned as one Result.
type AnthropicBackend struct {
	client *anthropic.Client
	name   string
	model  string
}

// NewAnthropic creates an Anthropic adapter with a static API key.
func NewAnthropic(name, apiKey, model string) *AnthropicBackend {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if name == "" {
		name = "anthropic"
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicBackend{client: &client, name: name, model: model}
}

func (b *AnthropicBackend) Name() string { return b.name }

func (b *AnthropicBackend) CostClass() CostClass { return CostExpensiveCloud }

func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &Error{Kind: ErrMalformed, Provider: b.name, Message: err.Error()}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, b.classify(err)
	}

	var content string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}

	return &Result{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// classify maps SDK errors onto the recoverable error taxonomy.
func (b *AnthropicBackend) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Provider: b.name, Message: err.Error()}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       kindFromStatus(apiErr.StatusCode),
			Provider:   b.name,
			StatusCode: apiErr.StatusCode,
			Message:    err.Error(),
		}
	}
	return &Error{Kind: ErrRefused, Provider: b.name, Message: err.Error()}
}

// HealthCheck for the Anthropic API: there is no cheap probe endpoint, so
// health is driven by observed failures. A nil transport check keeps the
// signature honest without spending tokens.
func (b *AnthropicBackend) HealthCheck(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://api.anthropic.com/", nil)
	if err != nil {
		return Healthy
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Unavailable
	}
	resp.Body.Close()
	return Healthy
}
