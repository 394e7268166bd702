// Package azure implements the providers.Provider interface for Azure OpenAI.
// Azure OpenAI has no official Go SDK, so this adapter talks the REST API
// directly over net/http, the way the rest of this gateway's infrastructure
// talks to backends with no first-party client library.
//
// The vendor credential for an Azure route is the single string
// "{resource_name}:{secret}" the Router concatenates at configure time;
// deployment URLs are built from the resource name, never from a fixed
// endpoint held on the Provider.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/inferxgate/gateway/internal/providers"
)

const (
	providerName      = "azure"
	defaultAPIVersion = "2024-10-21"
)

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider implements providers.Provider for Azure OpenAI.
type Provider struct {
	apiVersion string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIVersion overrides the default Azure OpenAI REST api-version.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// New creates a new Azure OpenAI Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		apiVersion: defaultAPIVersion,
		httpClient: providers.NewHTTPClient(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SupportedModels() []string {
	return providers.PrimaryModels[providerName]
}

// parseCredential splits the Router's "resource:secret" credential string.
func parseCredential(credential string) (resource, secret string, err error) {
	resource, secret, ok := strings.Cut(credential, ":")
	if !ok || resource == "" || secret == "" {
		return "", "", fmt.Errorf("azure: credential must be \"resource_name:secret\"")
	}
	return resource, secret, nil
}

func endpointFor(resource string) string {
	return fmt.Sprintf("https://%s.openai.azure.com", resource)
}

// deploymentMappings holds explicit overrides where the canonical model tag,
// once its "azure-" prefix is stripped, does not match the deployment name
// an Azure resource actually uses.
var deploymentMappings = map[string]string{
	"gpt-3.5-turbo": "gpt-35-turbo",
	"gpt-35-turbo":  "gpt-35-turbo",
}

func deploymentName(model string) string {
	stripped := strings.TrimPrefix(model, "azure-")
	if mapped, ok := deploymentMappings[stripped]; ok {
		return mapped
	}
	return stripped
}

func (p *Provider) completionsURL(resource, deployment string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpointFor(resource), deployment, p.apiVersion,
	)
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	resource, secret, err := parseCredential(credential)
	if err != nil {
		return nil, err
	}
	url := p.completionsURL(resource, deploymentName(req.Model))

	body, err := json.Marshal(buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	content := ""
	finish := "stop"
	if len(cr.Choices) > 0 && cr.Choices[0].Message != nil {
		content = cr.Choices[0].Message.Content
		if cr.Choices[0].FinishReason != "" {
			finish = cr.Choices[0].FinishReason
		}
	}

	return &providers.ChatResponse{
		ID:     cr.ID,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: providers.NewTextContent(content)},
			FinishReason: finish,
		}},
		Usage: providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (<-chan providers.StreamFrame, error) {
	resource, secret, err := parseCredential(credential)
	if err != nil {
		return nil, err
	}
	url := p.completionsURL(resource, deploymentName(req.Model))

	body, err := json.Marshal(buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", secret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	out := make(chan providers.StreamFrame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		var usage *providers.Usage
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if cr.Usage.TotalTokens > 0 {
				usage = &providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil || cr.Choices[0].Delta.Content == "" {
				continue
			}
			chunk := providers.ChatCompletionChunk{
				ID:      cr.ID,
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []providers.ChunkChoice{{Index: 0, Delta: providers.Delta{Content: cr.Choices[0].Delta.Content}}},
			}
			if frame, err := providers.EncodeSSEChunk(chunk); err == nil {
				out <- providers.StreamFrame{Data: frame}
			}
		}
		out <- providers.StreamFrame{Data: providers.SSEDone, Usage: usage}
	}()

	return out, nil
}

func buildRequest(req *providers.ChatRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content.Text()}
	}
	return chatRequest{
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		User:        req.User,
	}
}

// ProviderError is a structured error returned by the Azure OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("azure: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "azure_error",
	}
}
