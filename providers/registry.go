package providers

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/providers/anthropic"
	"github.com/himudigonda/inferencegateway/providers/gemini"
	"github.com/himudigonda/inferencegateway/providers/openaicompat"
	"github.com/himudigonda/inferencegateway/providers/simulator"
)

// openAICompatFamilies lists the canonical protocol-family identifiers whose
// upstream wire format is OpenAI's /v1/chat/completions. Each of them gets
// its own stateless openaicompat.Provider instance named after the family,
// parametrized per call by CompletionRequest.BaseURL.
var openAICompatFamilies = []string{"openai", "groq", "mistral", "perplexity", "xai", "deepseek"}

// Registry resolves a canonical protocol-family identifier to a Provider.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry builds the registry of every protocol family this gateway
// speaks, given the configured upstream call timeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	byName := make(map[string]Provider)
	for _, name := range openAICompatFamilies {
		byName[name] = openaicompat.New(name, timeout, logger)
	}
	byName["anthropic"] = anthropic.New(timeout, logger)
	byName["gemini"] = gemini.New(timeout, logger)
	byName["simulator"] = simulator.New()
	return &Registry{byName: byName}
}

// Get resolves canonicalName to its Provider. An unknown name returns an
// error; the llm stage reports it as an UpstreamError, which keeps the
// request eligible for fallback.
func (r *Registry) Get(canonicalName string) (Provider, error) {
	if p, ok := r.byName[canonicalName]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("providers: no implementation registered for %q", canonicalName)
}
