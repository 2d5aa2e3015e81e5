package providers

import (
	"context"
	"time"

	"github.com/upb/provider-router/models"
)

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Image is an input image for vision tasks, by URL or inline base64 data
type Image struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Payload is the provider-neutral request body. Which fields matter depends
// on the task type: Messages for chat and vision, Input for embed, Query and
// Documents for rerank.
type Payload struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages,omitempty" validate:"omitempty,dive"`
	Images      []Image   `json:"images,omitempty"`
	Input       []string  `json:"input,omitempty"`
	Query       string    `json:"query,omitempty"`
	Documents   []string  `json:"documents,omitempty"`
	TopN        int       `json:"top_n,omitempty" validate:"gte=0"`
	MaxTokens   int       `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature *float64  `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// Ranking is one reranked document
type Ranking struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Result is the provider-neutral response
type Result struct {
	Content    string        `json:"content,omitempty"`
	Embeddings [][]float64   `json:"embeddings,omitempty"`
	Rankings   []Ranking     `json:"rankings,omitempty"`
	Model      string        `json:"model"`
	TokensIn   int           `json:"tokens_in"`
	TokensOut  int           `json:"tokens_out"`
	Latency    time.Duration `json:"-"`
}

// Credential is decrypted key material, valid for a single attempt
type Credential struct {
	Key string
}

// String keeps key material out of logs and fmt output
func (Credential) String() string { return "Credential{redacted}" }

// GoString keeps key material out of %#v output
func (Credential) GoString() string { return "Credential{redacted}" }

// Adapter is a provider implementation. Adapters never retry: a failed call
// returns a *Failure and the routing engine decides what happens next.
type Adapter interface {
	// ID returns the provider id, e.g. "openai"
	ID() string

	// Profile returns the built-in static metadata
	Profile() models.ProviderProfile

	// Invoke performs one call bounded by timeout
	Invoke(ctx context.Context, task models.TaskType, p *Payload, cred Credential, timeout time.Duration) (*Result, error)

	// ValidateKey checks key format without calling the provider
	ValidateKey(key string) error
}

// Chunk is one piece of streamed output
type Chunk struct {
	Delta string `json:"delta"`
}

// StreamCallback is called for each chunk in a streaming response.
// Returning an error aborts the stream.
type StreamCallback func(chunk Chunk) error

// StreamingAdapter extends Adapter with streaming support
type StreamingAdapter interface {
	Adapter

	// InvokeStream streams a chat completion and returns the final usage
	InvokeStream(ctx context.Context, task models.TaskType, p *Payload, cred Credential, timeout time.Duration, cb StreamCallback) (*Result, error)
}
