package cohere

import (
	"context"
	"errors"
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
	ProviderID = "cohere"

	defaultBaseURL = "https://api.cohere.com/v2"
)

// Adapter implements providers.Adapter for Cohere embed and rerank
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new Cohere adapter
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
		DisplayName:  "Cohere",
		Capabilities: []models.TaskType{models.TaskEmbed, models.TaskRerank},
		CostTable: map[models.TaskType]models.UnitCost{
			models.TaskEmbed:  {Input: decimal.RequireFromString("0.0001"), Output: decimal.Zero},
			models.TaskRerank: {Input: decimal.RequireFromString("0.002"), Output: decimal.Zero},
		},
		DefaultTimeout: 20 * time.Second,
		DefaultModels: map[models.TaskType]string{
			models.TaskEmbed:  "embed-english-v3.0",
			models.TaskRerank: "rerank-v3.5",
		},
	}
}

// ValidateKey checks the key is a plausible Cohere token
func (a *Adapter) ValidateKey(key string) error {
	if len(key) < 20 {
		return errors.New("cohere key is too short")
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return errors.New("cohere key must be alphanumeric")
		}
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

// Invoke performs one embed or rerank call
func (a *Adapter) Invoke(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers := map[string]string{"Authorization": "Bearer " + cred.Key}
	start := time.Now()

	switch task {
	case models.TaskEmbed:
		resp, err := providers.PostJSON(ctx, a.httpClient, ProviderID, a.baseURL+"/embed", headers, embedRequest{
			Model:          a.model(task, p),
			Texts:          p.Input,
			InputType:      "search_document",
			EmbeddingTypes: []string{"float"},
		})
		if err != nil {
			return nil, err
		}
		var out embedResponse
		if err := providers.DecodeJSON(ProviderID, resp, &out); err != nil {
			return nil, err
		}
		return &providers.Result{
			Embeddings: out.Embeddings.Float,
			Model:      a.model(task, p),
			TokensIn:   out.Meta.BilledUnits.InputTokens,
			Latency:    providers.Elapsed(start),
		}, nil

	case models.TaskRerank:
		resp, err := providers.PostJSON(ctx, a.httpClient, ProviderID, a.baseURL+"/rerank", headers, rerankRequest{
			Model:     a.model(task, p),
			Query:     p.Query,
			Documents: p.Documents,
			TopN:      p.TopN,
		})
		if err != nil {
			return nil, err
		}
		var out rerankResponse
		if err := providers.DecodeJSON(ProviderID, resp, &out); err != nil {
			return nil, err
		}
		rankings := make([]providers.Ranking, len(out.Results))
		for i, r := range out.Results {
			rankings[i] = providers.Ranking{Index: r.Index, Score: r.RelevanceScore}
		}
		// rerank bills search units, not tokens; report the prompt size instead
		tokensIn := providers.ApproxTokens(p.Query)
		for _, d := range p.Documents {
			tokensIn += providers.ApproxTokens(d)
		}
		return &providers.Result{
			Rankings: rankings,
			Model:    a.model(task, p),
			TokensIn: tokensIn,
			Latency:  providers.Elapsed(start),
		}, nil
	}

	return nil, providers.Unsupported(ProviderID, task)
}

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type embedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float64 `json:"float"`
	} `json:"embeddings"`
	Meta meta `json:"meta"`
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Meta meta `json:"meta"`
}

type meta struct {
	BilledUnits struct {
		InputTokens int `json:"input_tokens"`
		SearchUnits int `json:"search_units"`
	} `json:"billed_units"`
}
