package providers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/stub"
)

func TestRegistry_Register(t *testing.T) {
	r := providers.NewRegistry()

	require.NoError(t, r.Register(stub.New("a", models.TaskChat, models.TaskEmbed)))
	require.NoError(t, r.Register(stub.New("b", models.TaskChat)))

	err := r.Register(stub.New("a"))
	assert.ErrorIs(t, err, providers.ErrProviderAlreadyRegistered)
	assert.Error(t, r.Register(nil))

	assert.Equal(t, []string{"a", "b"}, r.ForTask(models.TaskChat))
	assert.Equal(t, []string{"a"}, r.ForTask(models.TaskEmbed))
	assert.Empty(t, r.ForTask(models.TaskRerank))

	assert.True(t, r.Supports("a", models.TaskEmbed))
	assert.False(t, r.Supports("b", models.TaskEmbed))
	assert.False(t, r.Supports("missing", models.TaskChat))

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, providers.ErrProviderNotFound)
}

func TestRegistry_OverrideProfile(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(stub.New("a", models.TaskChat)))

	require.NoError(t, r.OverrideProfile(models.ProviderProfile{
		ProviderID:   "a",
		Capabilities: []models.TaskType{models.TaskRerank},
		CostTable: map[models.TaskType]models.UnitCost{
			models.TaskRerank: {Input: decimal.NewFromInt(1)},
		},
	}))

	assert.Empty(t, r.ForTask(models.TaskChat))
	assert.Equal(t, []string{"a"}, r.ForTask(models.TaskRerank))

	err := r.OverrideProfile(models.ProviderProfile{ProviderID: "nope"})
	assert.ErrorIs(t, err, providers.ErrProviderNotFound)
}

func TestRegistry_EstimateCost(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(stub.New("a", models.TaskChat, models.TaskEmbed)))

	payload := &providers.Payload{
		Messages:  []providers.Message{{Role: "user", Content: "hello world, how are you today?"}},
		MaxTokens: 500,
	}
	est, err := r.EstimateCost("a", models.TaskChat, payload)
	require.NoError(t, err)
	assert.Positive(t, est.TokensIn)
	assert.Equal(t, 500, est.TokensOut)

	profile, err := r.Profile("a")
	require.NoError(t, err)
	assert.True(t, profile.Cost(models.TaskChat, est.TokensIn, 500).Equal(est.Cost))

	est, err = r.EstimateCost("a", models.TaskChat, &providers.Payload{Messages: payload.Messages})
	require.NoError(t, err)
	assert.Equal(t, 100, est.TokensOut, "falls back to the profile default")

	est, err = r.EstimateCost("a", models.TaskEmbed, &providers.Payload{Input: []string{"one", "two"}})
	require.NoError(t, err)
	assert.Zero(t, est.TokensOut)

	_, err = r.EstimateCost("a", models.TaskRerank, payload)
	f, ok := providers.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, providers.FailureUnsupported, f.Kind)
}

func TestRegistry_ActualCostAndCheckKey(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(stub.New("a")))

	cost, err := r.ActualCost("a", models.TaskChat, 1000, 500)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.002").Equal(cost), "got %s", cost)

	assert.NoError(t, r.CheckKey("a", "good"))
	assert.Error(t, r.CheckKey("a", "invalid-key"))
	assert.ErrorIs(t, r.CheckKey("zzz", "good"), providers.ErrProviderNotFound)
}

func TestRegistryBuilder(t *testing.T) {
	builder := providers.NewRegistryBuilder().
		WithBuilder("stub", stub.Builder).
		WithBuilder("broken", func(cfg providers.AdapterConfig) (providers.Adapter, error) {
			return nil, errors.New("no region")
		}).
		WithAdapter(stub.New("extra"))

	r, err := builder.Build(map[string]providers.AdapterConfig{"stub": {}, "unknown": {}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stub", "extra"}, r.IDs())

	_, err = providers.NewRegistryBuilder().
		WithBuilder("broken", func(cfg providers.AdapterConfig) (providers.Adapter, error) {
			return nil, errors.New("no region")
		}).
		Build(map[string]providers.AdapterConfig{"broken": {}})
	assert.Error(t, err)
}

func TestTokenCounter(t *testing.T) {
	c := providers.NewTokenCounter()

	assert.Zero(t, c.Count("gpt-4o", ""))
	n := c.Count("gpt-4o", "The quick brown fox jumps over the lazy dog")
	assert.InDelta(t, 9, n, 3)

	total := c.CountPayload(&providers.Payload{
		Model:    "claude-sonnet",
		Messages: []providers.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	})
	assert.GreaterOrEqual(t, total, 8)

	assert.Equal(t, 1, providers.ApproxTokens("ab"))
	assert.Equal(t, 25, providers.ApproxTokens(strings.Repeat("x", 100)))
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   providers.FailureKind
	}{
		{401, providers.FailureAuth},
		{403, providers.FailureAuth},
		{429, providers.FailureRateLimited},
		{504, providers.FailureTimeout},
		{500, providers.FailureProviderError},
		{404, providers.FailureProviderError},
	}
	for _, tt := range tests {
		f := providers.FromStatus("p", tt.status, "")
		assert.Equal(t, tt.kind, f.Kind, "status %d", tt.status)
	}

	assert.Equal(t, providers.FailureTimeout, providers.Classify("p", context.DeadlineExceeded).Kind)
	assert.Equal(t, providers.FailureProviderError, providers.Classify("p", errors.New("eof")).Kind)

	echoed := providers.FromStatus("p", 401, "Incorrect API key provided: sk-abcdefghijklmnopqrstuvwxyz123456")
	assert.NotContains(t, echoed.Error(), "abcdefghij")
	assert.Contains(t, echoed.Message, "[REDACTED:openai_key]")

	orig := providers.FromStatus("p", 429, "slow")
	assert.Same(t, orig, providers.Classify("p", orig))

	assert.Equal(t, models.OutcomeAuthError, providers.FailureAuth.Outcome())
	assert.Equal(t, models.OutcomeRateLimited, providers.FailureRateLimited.Outcome())
	assert.Equal(t, models.OutcomeTimeout, providers.FailureTimeout.Outcome())
	assert.Equal(t, models.OutcomeError, providers.FailureUnsupported.Outcome())
}

func TestCredentialRedacted(t *testing.T) {
	cred := providers.Credential{Key: "sk-very-secret"}
	assert.NotContains(t, cred.String(), "secret")
	assert.NotContains(t, cred.GoString(), "secret")
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden key"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := providers.PostJSON(ctx, server.Client(), "p", server.URL+"/ok", map[string]string{"X-Test": "v"}, map[string]string{"a": "b"})
	require.NoError(t, err)
	var out struct{ OK bool }
	require.NoError(t, providers.DecodeJSON("p", resp, &out))
	assert.True(t, out.OK)

	_, err = providers.PostJSON(ctx, server.Client(), "p", server.URL+"/fail", map[string]string{"X-Test": "v"}, nil)
	f, ok := providers.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, providers.FailureAuth, f.Kind)
	assert.Equal(t, "forbidden key", f.Message)
}

func TestReadEvents(t *testing.T) {
	stream := "event: a\ndata: 1\n\n: comment\ndata: 2\ndata: 3\n\ndata: [DONE]\n\ndata: never\n\n"

	var events []providers.Event
	err := providers.ReadEvents(strings.NewReader(stream), func(e providers.Event) error {
		events = append(events, e)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, providers.Event{Name: "a", Data: "1"}, events[0])
	assert.Equal(t, "2\n3", events[1].Data)

	stop := errors.New("stop")
	err = providers.ReadEvents(strings.NewReader("data: x\n\ndata: y\n\n"), func(providers.Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}
