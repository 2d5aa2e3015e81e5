package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
)

var testCred = providers.Credential{Key: "sk-ant-REDACTED"}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(providers.AdapterConfig{BaseURL: server.URL, HTTPClient: server.Client()})
}

func TestNewMessagesRequest(t *testing.T) {
	req := NewMessagesRequest(&providers.Payload{
		Messages: []providers.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "describe"},
		},
		Images: []providers.Image{{MediaType: "image/jpeg", Data: "BBBB"}, {URL: "https://example.com/a.png"}},
	}, "claude-x", 512)

	assert.Equal(t, "be brief", req.System)
	assert.Equal(t, 512, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	blocks := req.Messages[0].Content
	require.Len(t, blocks, 3)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "url", blocks[2].Source.Type)
}

func TestAdapter_ValidateKey(t *testing.T) {
	adapter := New(providers.AdapterConfig{})

	assert.NoError(t, adapter.ValidateKey("sk-ant-REDACTED"))
	assert.Error(t, adapter.ValidateKey("sk-abcdefghijklmnopqrstuvw"))
	assert.Error(t, adapter.ValidateKey("sk-ant-short"))
}

func TestAdapter_Invoke(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, testCred.Key, r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req MessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet-4-5", req.Model)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)

		fmt.Fprint(w, `{"id":"msg_1","model":"claude-sonnet-4-5","content":[{"type":"text","text":"Hi!"}],"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":2}}`)
	})

	result, err := adapter.Invoke(context.Background(), models.TaskChat, &providers.Payload{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}, testCred, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "Hi!", result.Content)
	assert.Equal(t, 9, result.TokensIn)
	assert.Equal(t, 2, result.TokensOut)
}

func TestAdapter_InvokeErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   providers.FailureKind
	}{
		{http.StatusUnauthorized, providers.FailureAuth},
		{http.StatusTooManyRequests, providers.FailureRateLimited},
		{529, providers.FailureProviderError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"type":"error","error":{"type":"x","message":"boom"}}`)
			})

			_, err := adapter.Invoke(context.Background(), models.TaskChat, &providers.Payload{
				Messages: []providers.Message{{Role: "user", Content: "Hello"}},
			}, testCred, 5*time.Second)

			failure, ok := providers.AsFailure(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, failure.Kind)
			assert.Equal(t, "boom", failure.Message)
		})
	}
}

func TestAdapter_InvokeUnsupported(t *testing.T) {
	adapter := New(providers.AdapterConfig{})
	_, err := adapter.Invoke(context.Background(), models.TaskEmbed, &providers.Payload{}, testCred, time.Second)

	failure, ok := providers.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, providers.FailureUnsupported, failure.Kind)
}

func TestAdapter_InvokeStream(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-5\",\"usage\":{\"input_tokens\":7}}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})

	var chunks []string
	result, err := adapter.InvokeStream(context.Background(), models.TaskChat, &providers.Payload{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}, testCred, 5*time.Second, func(c providers.Chunk) error {
		chunks = append(chunks, c.Delta)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", " there"}, chunks)
	assert.Equal(t, "Hi there", result.Content)
	assert.Equal(t, 7, result.TokensIn)
	assert.Equal(t, 3, result.TokensOut)
}

func TestAdapter_InvokeStreamErrorEvent(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})

	var chunks []string
	_, err := adapter.InvokeStream(context.Background(), models.TaskChat, &providers.Payload{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}, testCred, 5*time.Second, func(c providers.Chunk) error {
		chunks = append(chunks, c.Delta)
		return nil
	})

	failure, ok := providers.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, providers.FailureProviderError, failure.Kind)
	assert.Equal(t, []string{"partial"}, chunks)
}
