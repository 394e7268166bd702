// Package providers defines the canonical chat-completion schema and the
// common contract implemented by every upstream vendor adapter (Anthropic,
// Gemini, OpenAI, Azure-OpenAI).
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTP client tuning shared by every adapter. The azure adapter builds one
// client at construction time and reuses it across requests; the anthropic,
// gemini and openai adapters build a new client on every call.
const (
	MaxIdleConnsPerHost = 10
	IdleConnTimeout     = 90 * time.Second
	RequestTimeout      = 120 * time.Second
	DialTimeout         = 10 * time.Second
	KeepAlive           = 60 * time.Second
)

// NewHTTPClient builds the pooled, keep-alive HTTP client every adapter uses.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   DialTimeout,
		KeepAlive: KeepAlive,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     IdleConnTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   RequestTimeout,
	}
}

// MessageContent holds either a plain string or a sequence of typed parts
// (text / image_url), mirroring the OpenAI chat-completions content union.
type MessageContent struct {
	raw   string
	parts []ContentPart
}

// ContentPart is one element of a multipart message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an image reference inside a content part.
type ImageURL struct {
	URL string `json:"url"`
}

// Text flattens the content down to its textual portion. Image parts are
// skipped — every adapter, OpenAI included, sends this flattened text
// upstream, so image parts are not forwarded to any provider.
func (c MessageContent) Text() string {
	if c.parts == nil {
		return c.raw
	}
	var sb strings.Builder
	for _, p := range c.parts {
		if p.Type == "text" && p.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// UnmarshalJSON accepts either a JSON string or an array of ContentPart.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.raw = s
		c.parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("providers: message content must be a string or an array of parts: %w", err)
	}
	c.parts = parts
	return nil
}

// MarshalJSON re-emits whichever shape was parsed (or set via NewTextContent).
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.raw)
}

// NewTextContent builds a plain-string MessageContent.
func NewTextContent(text string) MessageContent {
	return MessageContent{raw: text}
}

// Message is one canonical chat turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// ChatRequest is the canonical OpenAI-compatible chat-completions request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	User        string    `json:"user,omitempty"`
}

// Usage carries token accounting shared by responses and stream terminals.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one candidate completion.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the canonical OpenAI-compatible chat-completions response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// StreamFrame is one already-encoded server-sent-event frame ("data: ...\n\n")
// produced by an adapter's StreamComplete. Usage is non-nil only on the
// terminal frame, when the upstream reports token counts, so the gateway can
// debit the TPM rate-limit dimension without re-parsing the frame.
type StreamFrame struct {
	Data  []byte
	Usage *Usage
}

// Provider is the common contract every vendor adapter implements.
type Provider interface {
	Name() string
	SupportedModels() []string
	Complete(ctx context.Context, req *ChatRequest, credential string) (*ChatResponse, error)
	StreamComplete(ctx context.Context, req *ChatRequest, credential string) (<-chan StreamFrame, error)
}

// StatusCoder is implemented by provider errors that carry the upstream HTTP
// status code, so the handler can map it onto the gateway's error taxonomy.
type StatusCoder interface {
	HTTPStatus() int
}

// PrimaryModels lists, per recognized provider tag, the curated model set
// that a /v1/providers/configure call enables by default.
var PrimaryModels = map[string][]string{
	"anthropic": {
		"claude-sonnet-4-5-20250929",
		"claude-haiku-4-5-20251001",
		"claude-opus-4-1-20250805",
		"claude-3-haiku-20240307",
	},
	"gemini": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.5-flash-image",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	},
	"openai": {
		"gpt-5",
		"gpt-5-mini",
		"gpt-5-nano",
		"gpt-5-chat",
		"gpt-4.1",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-4-turbo-preview",
		"gpt-4-vision-preview",
	},
	"azure": {
		"azure-gpt-4o",
		"azure-gpt-4o-mini",
		"azure-gpt-4-turbo",
		"azure-gpt-4",
		"azure-gpt-35-turbo",
	},
}

// ProviderTags is the fixed enumeration of recognized provider tags.
var ProviderTags = []string{"anthropic", "gemini", "openai", "azure"}

// IsRecognizedProvider reports whether tag is one of the four build-time providers.
func IsRecognizedProvider(tag string) bool {
	_, ok := PrimaryModels[tag]
	return ok
}

// ModelToProvider builds a model-name → provider-tag index from PrimaryModels.
func ModelToProvider() map[string]string {
	out := make(map[string]string)
	for provider, models := range PrimaryModels {
		for _, m := range models {
			out[m] = provider
		}
	}
	return out
}

// ChatCompletionID mints an id for a canonical response when the upstream
// vendor does not supply one of its own shape.
func ChatCompletionID(requestID string) string {
	if requestID != "" {
		return "chatcmpl-" + requestID
	}
	return "chatcmpl-unknown"
}

// EncodeSSEChunk serializes v as a single "data: <json>\n\n" SSE frame.
func EncodeSSEChunk(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("providers: encode sse chunk: %w", err)
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// SSEDone is the terminal "[DONE]" frame OpenAI-compatible streams send.
var SSEDone = []byte("data: [DONE]\n\n")

// ChatCompletionChunk mirrors OpenAI's streamed chat.completion.chunk object.
type ChatCompletionChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one streamed delta.
type ChunkChoice struct {
	Index        int   `json:"index"`
	Delta        Delta `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental content of a streamed chunk.
type Delta struct {
	Content string `json:"content,omitempty"`
}
