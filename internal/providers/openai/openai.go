// Package openai adapts the canonical chat schema to OpenAI's chat-completions API.
// OpenAI is the pass-through case: the canonical schema is already OpenAI's
// own wire shape, so translation is closer to identity than the other adapters.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/inferxgate/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider implements providers.Provider for OpenAI.
type Provider struct {
	baseURL string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new OpenAI Provider.
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

func (p *Provider) clientFor(credential string) (openaiSDK.Client, error) {
	if credential == "" {
		return openaiSDK.Client{}, fmt.Errorf("openai: no credential configured")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(credential),
		option.WithHTTPClient(providers.NewHTTPClient()),
	}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	return openaiSDK.NewClient(opts...), nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	client, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	params := buildChatCompletionParams(req)

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	finish := "stop"
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
	}

	return &providers.ChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: providers.NewTextContent(content)},
			FinishReason: finish,
		}},
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (<-chan providers.StreamFrame, error) {
	client, err := p.clientFor(credential)
	if err != nil {
		return nil, err
	}
	params := buildChatCompletionParams(req)

	out := make(chan providers.StreamFrame, 64)
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(out)
		var usage *providers.Usage
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				cc := providers.ChatCompletionChunk{
					ID:      chunk.ID,
					Object:  "chat.completion.chunk",
					Model:   chunk.Model,
					Choices: []providers.ChunkChoice{{Index: 0, Delta: providers.Delta{Content: c.Delta.Content}}},
				}
				if frame, err := providers.EncodeSSEChunk(cc); err == nil {
					out <- providers.StreamFrame{Data: frame}
				}
			}
		}
		out <- providers.StreamFrame{Data: providers.SSEDone, Usage: usage}
	}()

	return out, nil
}

func buildChatCompletionParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content.Text()))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}
