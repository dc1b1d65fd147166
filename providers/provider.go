// Package providers defines the uniform upstream-call interface over
// heterogeneous LLM HTTP APIs (component 5 of the system overview) and the
// provider-name canonicalization table the route stage depends on.
package providers

import (
	"context"
	"strings"

	"github.com/himudigonda/inferencegateway/types"
)

// CompletionRequest carries everything a Provider needs for one upstream
// call. BaseURL and APIKey are resolved by the route stage from the catalog
// and the tenant's (possibly decrypted) credential — providers never read
// configuration directly, keeping them stateless across requests.
type CompletionRequest struct {
	BaseURL  string
	APIKey   string
	Model    string
	Messages []types.ChatMessage
}

// Provider is the uniform interface every upstream protocol family
// implements: OpenAI-wire-compatible providers share one implementation;
// Anthropic and Gemini, whose wire formats diverge, get their own.
type Provider interface {
	// Name returns the canonical protocol-family identifier, e.g. "openai",
	// "anthropic", "gemini".
	Name() string
	// Complete performs a non-streaming chat completion.
	Complete(ctx context.Context, req CompletionRequest) (content string, usage types.Usage, err error)
	// Stream performs a streaming chat completion, yielding upstream chunks
	// on the returned channel until it closes.
	Stream(ctx context.Context, req CompletionRequest) (<-chan types.StreamChunk, error)
}

// Canonicalize maps a catalog display name to the upstream protocol-family
// identifier used to select a Provider implementation. This table must be
// preserved verbatim per the component design for `route`. Unknown display
// names fall through to their lowercased form.
func Canonicalize(displayName string) string {
	if canonical, ok := canonicalNames[displayName]; ok {
		return canonical
	}
	return strings.ToLower(displayName)
}

var canonicalNames = map[string]string{
	"Google AI":  "gemini",
	"OpenAI":     "openai",
	"Anthropic":  "anthropic",
	"Groq":       "groq",
	"Perplexity": "perplexity",
	"Mistral AI": "mistral",
	"Mistral":    "mistral",
	"xAI":        "xai",
}
