package providers

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and separator tokens chat formats add
const perMessageOverhead = 4

// TokenCounter counts prompt tokens with tiktoken encodings
type TokenCounter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewTokenCounter creates a counter with an empty codec cache
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// encodingFor picks o200k for the newer OpenAI families and cl100k for everything else
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}

func (c *TokenCounter) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// Count returns the token count of text, falling back to chars/4
func (c *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.codec(model)
	if err != nil {
		return ApproxTokens(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return ApproxTokens(text)
	}
	return len(ids)
}

// CountPayload sums the prompt tokens of every text field in p
func (c *TokenCounter) CountPayload(p *Payload) int {
	if p == nil {
		return 0
	}
	total := 0
	for _, m := range p.Messages {
		total += perMessageOverhead + c.Count(p.Model, m.Content)
	}
	for _, in := range p.Input {
		total += c.Count(p.Model, in)
	}
	if p.Query != "" {
		total += c.Count(p.Model, p.Query)
	}
	for _, d := range p.Documents {
		total += c.Count(p.Model, d)
	}
	return total
}

// ApproxTokens estimates tokens at four characters each
func ApproxTokens(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
