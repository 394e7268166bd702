// Package gemini adapts the canonical chat schema to Google's GenAI API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/inferxgate/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/"
	defaultVersion = "v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Gemini. API keys are handed to
// a GenAI client built per call rather than held fixed on the Provider,
// since a single deployment may proxy many tenants' Gemini credentials.
type Provider struct {
	baseURL string
	version string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider.
func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL, version: defaultVersion}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SupportedModels() []string {
	return providers.PrimaryModels[providerName]
}

func (p *Provider) clientFor(ctx context.Context, credential string) (*genai.Client, error) {
	if credential == "" {
		return nil, fmt.Errorf("gemini: no credential configured")
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      credential,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  providers.NewHTTPClient(),
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL, APIVersion: p.version},
	})
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	client, err := p.clientFor(ctx, credential)
	if err != nil {
		return nil, err
	}
	contents, cfg := buildContentsAndConfig(req)

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := providers.ChatCompletionID(req.User)
	if resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	text := ""
	finish := "stop"
	if resp != nil {
		text = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
			finish = mapFinishReason(string(resp.Candidates[0].FinishReason))
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: providers.NewTextContent(text)},
			FinishReason: finish,
		}},
		Usage: providers.Usage{
			PromptTokens:     inTok,
			CompletionTokens: outTok,
			TotalTokens:      inTok + outTok,
		},
	}, nil
}

func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (<-chan providers.StreamFrame, error) {
	client, err := p.clientFor(ctx, credential)
	if err != nil {
		return nil, err
	}
	contents, cfg := buildContentsAndConfig(req)

	out := make(chan providers.StreamFrame, 64)
	go func() {
		defer close(out)
		var usage *providers.Usage
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			text := firstCandidateText(resp.Candidates[0])
			if resp.UsageMetadata != nil {
				usage = &providers.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.PromptTokenCount) + int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if text == "" {
				continue
			}
			chunk := providers.ChatCompletionChunk{
				ID:      providers.ChatCompletionID(req.User),
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []providers.ChunkChoice{{Index: 0, Delta: providers.Delta{Content: text}}},
			}
			if frame, err := providers.EncodeSSEChunk(chunk); err == nil {
				out <- providers.StreamFrame{Data: frame}
			}
		}
		out <- providers.StreamFrame{Data: providers.SSEDone, Usage: usage}
	}()

	return out, nil
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content.Text()
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content.Text(), genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content.Text(), genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
		},
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message, Status: apiErr.Status}
	}
	return err
}
