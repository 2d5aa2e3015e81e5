package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

// NewHTTPClient returns a client whose transport is traced with otelhttp.
// Timeouts come from the per-attempt context, not the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// PostJSON sends body as JSON and returns the open response on 2xx.
// Any other status is drained and classified into a *Failure.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, NewFailure(provider, FailureProviderError, 0, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, NewFailure(provider, FailureProviderError, 0, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, FromStatus(provider, resp.StatusCode, errorMessage(raw))
	}
	return resp, nil
}

// DecodeJSON reads a successful response body into v
func DecodeJSON(provider string, resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return Classify(provider, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// errorMessage pulls a message out of the common {"error":{"message":...}}
// and {"message":...} shapes, or returns the trimmed body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
			return plain
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// Event is one server-sent event
type Event struct {
	Name string
	Data string
}

// ReadEvents parses a text/event-stream body and calls fn per event.
// A "[DONE]" data line ends the stream.
func ReadEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event Event
	var data []string
	flush := func() error {
		if len(data) == 0 {
			event = Event{}
			return nil
		}
		event.Data = strings.Join(data, "\n")
		err := fn(event)
		event = Event{}
		data = data[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return flush()
			}
			data = append(data, payload)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// Elapsed returns the time since start, never zero
func Elapsed(start time.Time) time.Duration {
	d := time.Since(start)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}
