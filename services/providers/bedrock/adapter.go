package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/anthropic"
)

const (
	// ProviderID is the registry id of this adapter
	ProviderID = "bedrock"

	defaultRegion    = "us-east-1"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 1024
)

// invoker is the subset of the Bedrock runtime client the adapter uses
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Adapter invokes Anthropic models on AWS Bedrock with tenant-supplied
// static credentials. The key material is "ACCESS_KEY_ID:SECRET_ACCESS_KEY".
type Adapter struct {
	region     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	newClient  func(accessKey, secretKey string) invoker
}

// New creates a new Bedrock adapter
func New(cfg providers.AdapterConfig) *Adapter {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	a := &Adapter{
		region:     cfg.Region,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With(zap.String("provider_id", ProviderID)),
	}
	a.newClient = a.sdkClient
	return a
}

// Builder adapts New to providers.AdapterBuilder
func Builder(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(cfg), nil
}

// sdkClient builds a runtime client for one credential. The SDK's own
// retryer is disabled; the routing engine owns fallback.
func (a *Adapter) sdkClient(accessKey, secretKey string) invoker {
	cfg := aws.Config{
		Region:      a.region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		HTTPClient:  a.httpClient,
		Retryer: func() aws.Retryer {
			return aws.NopRetryer{}
		},
	}
	return bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if a.endpoint != "" {
			o.BaseEndpoint = aws.String(a.endpoint)
		}
	})
}

// ID returns the provider id
func (a *Adapter) ID() string {
	return ProviderID
}

// Profile returns the built-in profile
func (a *Adapter) Profile() models.ProviderProfile {
	return models.ProviderProfile{
		ProviderID:   ProviderID,
		DisplayName:  "AWS Bedrock",
		Capabilities: []models.TaskType{models.TaskChat},
		CostTable: map[models.TaskType]models.UnitCost{
			models.TaskChat: {Input: decimal.RequireFromString("0.003"), Output: decimal.RequireFromString("0.015")},
		},
		DefaultTimeout: 60 * time.Second,
		DefaultModels: map[models.TaskType]string{
			models.TaskChat: "anthropic.claude-3-5-sonnet-20240620-v1:0",
		},
		DefaultOutputTokens: defaultMaxTokens,
		ComplianceTags:      []string{"soc2", "hipaa", "aws"},
	}
}

func splitKey(key string) (string, string, error) {
	accessKey, secretKey, ok := strings.Cut(key, ":")
	if !ok || accessKey == "" || secretKey == "" {
		return "", "", errors.New("bedrock keys have the form ACCESS_KEY_ID:SECRET_ACCESS_KEY")
	}
	return accessKey, secretKey, nil
}

// ValidateKey checks the access key id and secret shape
func (a *Adapter) ValidateKey(key string) error {
	accessKey, secretKey, err := splitKey(key)
	if err != nil {
		return err
	}
	if len(accessKey) < 16 || len(accessKey) > 128 {
		return errors.New("access key id has an invalid length")
	}
	if len(secretKey) < 20 || strings.ContainsAny(key, " \t\r\n") {
		return errors.New("malformed secret access key")
	}
	return nil
}

// Invoke performs one chat call via InvokeModel
func (a *Adapter) Invoke(ctx context.Context, task models.TaskType, p *providers.Payload, cred providers.Credential, timeout time.Duration) (*providers.Result, error) {
	if task != models.TaskChat {
		return nil, providers.Unsupported(ProviderID, task)
	}

	accessKey, secretKey, err := splitKey(cred.Key)
	if err != nil {
		return nil, providers.NewFailure(ProviderID, providers.FailureAuth, 0, err.Error(), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	profile := a.Profile()
	modelID := profile.ModelFor(task)
	if p.Model != "" {
		modelID = p.Model
	}

	body := anthropic.NewMessagesRequest(p, "", defaultMaxTokens)
	body.AnthropicVersion = anthropicVersion
	data, err := json.Marshal(body)
	if err != nil {
		return nil, providers.NewFailure(ProviderID, providers.FailureProviderError, 0, "failed to marshal request", err)
	}

	start := time.Now()
	out, err := a.newClient(accessKey, secretKey).InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        data,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classify(err)
	}

	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, providers.NewFailure(ProviderID, providers.FailureProviderError, 0, "failed to unmarshal response", err)
	}

	return &providers.Result{
		Content:   resp.Text(),
		Model:     modelID,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		Latency:   providers.Elapsed(start),
	}, nil
}

// classify maps SDK errors onto failure kinds
func classify(err error) error {
	var (
		throttled *types.ThrottlingException
		denied    *types.AccessDeniedException
		timeout   *types.ModelTimeoutException
	)
	switch {
	case errors.As(err, &throttled):
		return providers.NewFailure(ProviderID, providers.FailureRateLimited, http.StatusTooManyRequests, throttled.ErrorMessage(), err)
	case errors.As(err, &denied):
		return providers.NewFailure(ProviderID, providers.FailureAuth, http.StatusForbidden, denied.ErrorMessage(), err)
	case errors.As(err, &timeout):
		return providers.NewFailure(ProviderID, providers.FailureTimeout, http.StatusRequestTimeout, timeout.ErrorMessage(), err)
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		f := providers.FromStatus(ProviderID, status.HTTPStatusCode(), "")
		f.Cause = err
		if f.Kind == providers.FailureProviderError {
			f.Message = fmt.Sprintf("bedrock returned %d", status.HTTPStatusCode())
		}
		return f
	}

	return providers.Classify(ProviderID, err)
}
