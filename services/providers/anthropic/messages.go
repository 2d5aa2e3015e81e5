package anthropic

import (
	"github.com/upb/provider-router/services/providers"
)

// MessagesRequest is the Messages API body. Bedrock reuses it with
// AnthropicVersion set and Model empty.
type MessagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      *float64  `json:"temperature,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

// Message is one turn; content is always a block list
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a text or image block
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline or URL image
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MessagesResponse is the non-streaming Messages API response
type MessagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage is reported token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text concatenates the text blocks of the response
func (r *MessagesResponse) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// NewMessagesRequest converts a payload. System messages are hoisted into
// System and images are attached to the last user turn.
func NewMessagesRequest(p *providers.Payload, model string, defaultMaxTokens int) *MessagesRequest {
	req := &MessagesRequest{
		Model:       model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	lastUser := -1
	for _, msg := range p.Messages {
		if msg.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += msg.Content
			continue
		}
		req.Messages = append(req.Messages, Message{
			Role:    msg.Role,
			Content: []ContentBlock{{Type: "text", Text: msg.Content}},
		})
		if msg.Role == "user" {
			lastUser = len(req.Messages) - 1
		}
	}

	if lastUser >= 0 {
		for _, img := range p.Images {
			src := &ImageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data}
			if img.URL != "" {
				src = &ImageSource{Type: "url", URL: img.URL}
			}
			req.Messages[lastUser].Content = append(req.Messages[lastUser].Content, ContentBlock{Type: "image", Source: src})
		}
	}

	return req
}

// StreamEvent covers the event payloads of a streaming response
type StreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
		Usage Usage  `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
