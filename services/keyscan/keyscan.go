// Package keyscan finds credentials embedded in free text. Provider error
// bodies are redacted with it before they reach logs, and route payloads
// carrying a provider key are refused.
package keyscan

import (
	"regexp"
	"sort"
)

// Kind names a credential format
type Kind string

const (
	KindOpenAIKey    Kind = "openai_key"
	KindAnthropicKey Kind = "anthropic_key"
	KindAWSAccessKey Kind = "aws_access_key"
	KindGCPKey       Kind = "gcp_key"
	KindGitHubToken  Kind = "github_token"
	KindSlackToken   Kind = "slack_token"
	KindPrivateKey   Kind = "private_key"
	KindJWT          Kind = "jwt"
	KindBearer       Kind = "bearer_token"
	KindDatabaseURL  Kind = "database_url"
)

// IsProviderKey reports whether k is a model provider API credential
func (k Kind) IsProviderKey() bool {
	switch k {
	case KindOpenAIKey, KindAnthropicKey, KindAWSAccessKey, KindGCPKey:
		return true
	}
	return false
}

// Detection locates one credential. The matched value is not retained.
type Detection struct {
	Kind  Kind
	Start int
	End   int
}

type pattern struct {
	kind Kind
	re   *regexp.Regexp
	// group selects the submatch to report; 0 is the whole match
	group int
}

// Ordered most specific first: overlapping matches keep the earlier pattern.
var patterns = []pattern{
	{KindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`), 0},
	{KindOpenAIKey, regexp.MustCompile(`\bsk-(?:proj-|svcacct-|admin-)?[A-Za-z0-9_\-]{20,}`), 0},
	{KindAWSAccessKey, regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), 0},
	{KindGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`), 0},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0},
	{KindSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}`), 0},
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), 0},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), 0},
	{KindDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`), 0},
	{KindBearer, regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{20,})`), 1},
}

// Scan returns every credential in text ordered by position
func Scan(text string) []Detection {
	var found []Detection
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 || overlaps(found, start, end) {
				continue
			}
			found = append(found, Detection{Kind: p.kind, Start: start, End: end})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found
}

// ProviderKeys returns the distinct provider key kinds found in texts
func ProviderKeys(texts ...string) []Kind {
	seen := make(map[Kind]bool)
	var kinds []Kind
	for _, text := range texts {
		for _, d := range Scan(text) {
			if d.Kind.IsProviderKey() && !seen[d.Kind] {
				seen[d.Kind] = true
				kinds = append(kinds, d.Kind)
			}
		}
	}
	return kinds
}

// Redact replaces every credential in text with a [REDACTED:kind] marker
func Redact(text string) string {
	found := Scan(text)
	if len(found) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	last := 0
	for _, d := range found {
		out = append(out, text[last:d.Start]...)
		out = append(out, "[REDACTED:"+string(d.Kind)+"]"...)
		last = d.End
	}
	out = append(out, text[last:]...)
	return string(out)
}

func overlaps(found []Detection, start, end int) bool {
	for _, d := range found {
		if start < d.End && end > d.Start {
			return true
		}
	}
	return false
}
