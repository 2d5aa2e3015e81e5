package anthropic

import (
	"context"
	"encoding/json"
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
	ProviderID = "anthropic"

	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Adapter implements providers.StreamingAdapter for the Anthropic Messages API
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new Anthropic adapter
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

// Profile returns the built-in profile
func (a *Adapter) Profile() models.ProviderProfile {
	return models.ProviderProfile{
		ProviderID:   ProviderID,
		DisplayName:  "Anthropic",
		Capabilities: []models.TaskType{models.TaskChat, models.TaskVision},
		CostTable: map[models.TaskType]models.UnitCost{
			models.TaskChat:   {Input: decimal.RequireFromString("0.003"), Output: decimal.RequireFromString("0.015")},
			models.TaskVision: {Input: decimal.RequireFromString("0.003"), Output: decimal.RequireFromString("0.015")},
		},
		DefaultTimeout: 60 * time.Second,
		DefaultModels: map[models.TaskType]string{
			models.TaskChat:   "claude-sonnet-4-5",
			models.TaskVision: "claude-sonnet-4-5",
		},
		DefaultOutputTokens: defaultMaxTokens,
		ComplianceTags:      []string{"soc2", "hipaa"},
	}
}

// ValidateKey checks the key looks like an Anthropic API key
func (a *Adapter) ValidateKey(key string) error {
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("anthropic keys start with sk-ant-")
	}
	if len(key) < 24 || strings.ContainsAny(key, " \t\r\n") {
		return errors.New("malformed anthropic key")
	}
	return nil
}

func (a *Adapter) model(task models.TaskType, p *providers.Payload) string {
	if p.Model != "" {
		return p.Model
	}
	profile := a.Profile()
	return profile.ModelFor(task)
}

func (a *Adapter) headers(cred providers.Credential) map[string]string {
	return map[string]string{
		"x-api-key":         cred.Key,
		"anthropic-version": apiVersion,
	}
}

// Invoke performs one chat or vision call
func (a *Adapter) Invoke(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration) (*providers.Result, error) {
	if task != models.TaskChat && task != models.TaskVision {
		return nil, providers.Unsupported(ProviderID, task)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	body := NewMessagesRequest(p, a.model(task, p), defaultMaxTokens)
	resp, err := providers.PostJSON(ctx, a.httpClient, ProviderID, a.baseURL+"/messages", a.headers(cred), body)
	if err != nil {
		return nil, err
	}

	var out MessagesResponse
	if err := providers.DecodeJSON(ProviderID, resp, &out); err != nil {
		return nil, err
	}

	return &providers.Result{
		Content:   out.Text(),
		Model:     out.Model,
		TokensIn:  out.Usage.InputTokens,
		TokensOut: out.Usage.OutputTokens,
		Latency:   providers.Elapsed(start),
	}, nil
}

// InvokeStream streams a chat or vision completion
func (a *Adapter) InvokeStream(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration, cb providers.StreamCallback) (*providers.Result, error) {
	if task != models.TaskChat && task != models.TaskVision {
		return nil, providers.Unsupported(ProviderID, task)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	body := NewMessagesRequest(p, a.model(task, p), defaultMaxTokens)
	body.Stream = true

	resp, err := providers.PostJSON(ctx, a.httpClient, ProviderID, a.baseURL+"/messages", a.headers(cred), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &providers.Result{Model: body.Model}
	var content strings.Builder
	err = providers.ReadEvents(resp.Body, func(ev providers.Event) error {
		var event StreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return providers.NewFailure(ProviderID, providers.FailureProviderError, 0, "malformed stream event", err)
		}
		switch event.Type {
		case "message_start":
			if event.Message != nil {
				result.Model = event.Message.Model
				result.TokensIn = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				return cb(providers.Chunk{Delta: event.Delta.Text})
			}
		case "message_delta":
			if event.Usage != nil {
				result.TokensOut = event.Usage.OutputTokens
			}
		case "error":
			msg := "stream error"
			kind := providers.FailureProviderError
			if event.Error != nil {
				msg = event.Error.Message
				if event.Error.Type == "rate_limit_error" {
					kind = providers.FailureRateLimited
				}
			}
			return providers.NewFailure(ProviderID, kind, 0, msg, nil)
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
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	result.Content = content.String()
	result.Latency = providers.Elapsed(start)
	return result, nil
}
