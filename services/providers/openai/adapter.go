package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
)

const (
	// ProviderID is the registry id of this adapter
	ProviderID = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements providers.StreamingAdapter for the OpenAI API
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new OpenAI adapter
func New(cfg providers.AdapterConfig) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With(zap.String("provider_id", ProviderID)),
	}
}

// Builder adapts New to providers.AdapterBuilder
func Builder(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(cfg), nil
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return ProviderID
}

// Profile returns the built-in profile; prices are per 1K tokens
func (a *Adapter) Profile() models.ProviderProfile {
	return models.ProviderProfile{
		ProviderID:   ProviderID,
		DisplayName:  "OpenAI",
		Capabilities: []models.TaskType{models.TaskChat, models.TaskEmbed, models.TaskVision},
		CostTable: map[models.TaskType]models.UnitCost{
			models.TaskChat:   {Input: decimal.RequireFromString("0.0025"), Output: decimal.RequireFromString("0.01")},
			models.TaskVision: {Input: decimal.RequireFromString("0.0025"), Output: decimal.RequireFromString("0.01")},
			models.TaskEmbed:  {Input: decimal.RequireFromString("0.00002"), Output: decimal.Zero},
		},
		DefaultTimeout: 30 * time.Second,
		DefaultModels: map[models.TaskType]string{
			models.TaskChat:   "gpt-4o-mini",
			models.TaskVision: "gpt-4o",
			models.TaskEmbed:  "text-embedding-3-small",
		},
		DefaultOutputTokens: 1024,
		ComplianceTags:      []string{"soc2"},
	}
}

// ValidateKey checks the key looks like an OpenAI secret key
func (a *Adapter) ValidateKey(key string) error {
	if !strings.HasPrefix(key, "sk-") {
		return errors.New("openai keys start with sk-")
	}
	if len(key) < 20 {
		return errors.New("openai key is too short")
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return errors.New("openai key contains whitespace")
	}
	return nil
}

// Invoke performs one chat, vision or embedding call
func (a *Adapter) Invoke(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	switch task {
	case models.TaskChat, models.TaskVision:
		resp, err := a.post(ctx, "/chat/completions", cred, a.buildChatRequest(task, p, false))
		if err != nil {
			return nil, err
		}
		var out chatResponse
		if err := providers.DecodeJSON(ProviderID, resp, &out); err != nil {
			return nil, err
		}
		if len(out.Choices) == 0 {
			return nil, providers.NewFailure(ProviderID, providers.FailureProviderError, resp.StatusCode, "response has no choices", nil)
		}
		return &providers.Result{
			Content:   out.Choices[0].Message.Content,
			Model:     out.Model,
			TokensIn:  out.Usage.PromptTokens,
			TokensOut: out.Usage.CompletionTokens,
			Latency:   providers.Elapsed(start),
		}, nil

	case models.TaskEmbed:
		resp, err := a.post(ctx, "/embeddings", cred, embeddingRequest{
			Model: a.model(task, p),
			Input: p.Input,
		})
		if err != nil {
			return nil, err
		}
		var out embeddingResponse
		if err := providers.DecodeJSON(ProviderID, resp, &out); err != nil {
			return nil, err
		}
		embeddings := make([][]float64, len(out.Data))
		for _, d := range out.Data {
			if d.Index >= 0 && d.Index < len(embeddings) {
				embeddings[d.Index] = d.Embedding
			}
		}
		return &providers.Result{
			Embeddings: embeddings,
			Model:      out.Model,
			TokensIn:   out.Usage.PromptTokens,
			Latency:    providers.Elapsed(start),
		}, nil
	}

	return nil, providers.Unsupported(ProviderID, task)
}

// InvokeStream streams a chat or vision completion over server-sent events
func (a *Adapter) InvokeStream(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration, cb providers.StreamCallback) (*providers.Result, error) {
	if task != models.TaskChat && task != models.TaskVision {
		return nil, providers.Unsupported(ProviderID, task)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.post(ctx, "/chat/completions", cred, a.buildChatRequest(task, p, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &providers.Result{Model: a.model(task, p)}
	var content strings.Builder
	err = providers.ReadEvents(resp.Body, func(ev providers.Event) error {
		var chunk streamChunk
		if err := jsonUnmarshal(ev.Data, &chunk); err != nil {
			return providers.NewFailure(ProviderID, providers.FailureProviderError, 0, "malformed stream chunk", err)
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.TokensIn = chunk.Usage.PromptTokens
			result.TokensOut = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if err := cb(providers.Chunk{Delta: choice.Delta.Content}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := providers.AsFailure(err); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, providers.Classify(ProviderID, ctx.Err())
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	result.Content = content.String()
	if result.TokensOut == 0 {
		result.TokensOut = providers.ApproxTokens(result.Content)
	}
	result.Latency = providers.Elapsed(start)
	return result, nil
}

func (a *Adapter) post(ctx context.Context, path string, cred providers.Credential, body interface{}) (*http.Response, error) {
	return providers.PostJSON(ctx, a.httpClient, ProviderID, a.baseURL+path, map[string]string{
		"Authorization": "Bearer " + cred.Key,
	}, body)
}

func (a *Adapter) model(task models.TaskType, p *providers.Payload) string {
	if p.Model != "" {
		return p.Model
	}
	profile := a.Profile()
	return profile.ModelFor(task)
}

// buildChatRequest converts the payload to OpenAI format. Vision requests
// carry the images as content parts of the last user message.
func (a *Adapter) buildChatRequest(task models.TaskType, p *providers.Payload, stream bool) *chatRequest {
	req := &chatRequest{
		Model:       a.model(task, p),
		Messages:    make([]message, len(p.Messages)),
		Temperature: p.Temperature,
		Stream:      stream,
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = &p.MaxTokens
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	lastUser := -1
	for i, msg := range p.Messages {
		req.Messages[i] = message{Role: msg.Role, Content: msg.Content}
		if msg.Role == "user" {
			lastUser = i
		}
	}

	if task == models.TaskVision && len(p.Images) > 0 && lastUser >= 0 {
		parts := []contentPart{{Type: "text", Text: p.Messages[lastUser].Content}}
		for _, img := range p.Images {
			url := img.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data)
			}
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		}
		req.Messages[lastUser].Content = parts
	}

	return req
}
