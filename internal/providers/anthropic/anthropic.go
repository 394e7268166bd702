// Package anthropic adapts the canonical chat schema to Anthropic's Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inferxgate/gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 1024
	anthropicVersion = "2023-06-01"
)

// Provider implements providers.Provider for Anthropic. Credentials arrive
// per-call (one vendor secret per configured model route), so the Provider
// itself holds only transport configuration, never a fixed API key.
type Provider struct {
	baseURL string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SupportedModels() []string {
	return providers.PrimaryModels[providerName]
}

func (p *Provider) clientFor(credential string) (anthropic.Client, error) {
	if credential == "" {
		return anthropic.Client{}, fmt.Errorf("anthropic: no credential configured")
	}
	return anthropic.NewClient(
		option.WithAPIKey(credential),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(providers.NewHTTPClient()),
	), nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	client, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	params, hasSystem := p.buildParams(req)
	opts := p.requestOptions(hasSystem)

	msg, err := client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Model:   string(msg.Model),
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: providers.NewTextContent(sb.String())},
			FinishReason: mapStopReason(string(msg.StopReason)),
		}},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens) + int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (<-chan providers.StreamFrame, error) {
	client, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	params, hasSystem := p.buildParams(req)
	opts := p.requestOptions(hasSystem)

	out := make(chan providers.StreamFrame, 64)
	stream := client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(out)
		var usage *providers.Usage
		for stream.Next() {
			ev := stream.Current()
			switch variant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if td, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
					chunk := providers.ChatCompletionChunk{
						ID:      providers.ChatCompletionID(req.User),
						Object:  "chat.completion.chunk",
						Model:   req.Model,
						Choices: []providers.ChunkChoice{{Index: 0, Delta: providers.Delta{Content: td.Text}}},
					}
					if frame, err := providers.EncodeSSEChunk(chunk); err == nil {
						out <- providers.StreamFrame{Data: frame}
					}
				}
			case anthropic.MessageDeltaEvent:
				u := &providers.Usage{
					CompletionTokens: int(variant.Usage.OutputTokens),
				}
				usage = u
			}
		}
		if err := stream.Err(); err != nil {
			return
		}
		out <- providers.StreamFrame{Data: providers.SSEDone, Usage: usage}
	}()

	return out, nil
}

// buildParams translates the canonical request into Anthropic's wire shape.
// The system message is surfaced through Anthropic's native top-level
// "system" field rather than folded into the turn sequence.
func (p *Provider) buildParams(req *providers.ChatRequest) (anthropic.MessageNewParams, bool) {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content.Text()
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content.Text()))
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	hasSystem := systemPrompt != ""
	if hasSystem {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params, hasSystem
}

// requestOptions sends the anthropic-beta header only when a system message
// is present, matching the narrower surface the upstream API expects.
func (p *Provider) requestOptions(hasSystem bool) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithHeader("anthropic-version", anthropicVersion),
	}
	if hasSystem {
		opts = append(opts, option.WithHeader("anthropic-beta", "prompt-caching-2024-07-31"))
	}
	return opts
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return "stop"
	default:
		return reason
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
