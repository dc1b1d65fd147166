// Package simulator provides a deterministic, offline upstream stub,
// registered under the provider name "simulator". It answers with a canned
// response and synthetic token counts so the pipeline can be exercised
// without real upstream credentials. With HIMMI_SIMULATOR set, only the
// shadow-mode call is sent to it; the primary llm call reaches it only when
// route resolved no provider name.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
)

const cannedResponse = "This is a simulated response for offline testing."

// Provider implements providers.Provider with canned, deterministic output.
type Provider struct {
	// ChunkInterval is the delay between streamed words. Defaults to 10ms.
	ChunkInterval time.Duration
}

func New() *Provider {
	return &Provider{ChunkInterval: 10 * time.Millisecond}
}

func (p *Provider) Name() string { return "simulator" }

func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (string, types.Usage, error) {
	return cannedResponse, syntheticUsage(req), nil
}

func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk)
	words := splitWords(cannedResponse)
	interval := p.ChunkInterval
	if interval == 0 {
		interval = 10 * time.Millisecond
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i, word := range words {
			content := word
			if i > 0 {
				content = " " + word
			}
			chunk := types.StreamChunk{
				ID:     fmt.Sprintf("sim-%d", i),
				Model:  req.Model,
				Object: "chat.completion.chunk",
				Choices: []types.StreamChunkChoice{{
					Delta: types.StreamChunkDelta{Content: content},
				}},
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		usage := syntheticUsage(req)
		reason := "stop"
		select {
		case <-ctx.Done():
		case ch <- types.StreamChunk{
			Choices: []types.StreamChunkChoice{{FinishReason: &reason}},
			Usage:   &usage,
		}:
		}
	}()
	return ch, nil
}

func syntheticUsage(req providers.CompletionRequest) types.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4 // crude token-count stand-in
	}
	if prompt == 0 {
		prompt = 1
	}
	return types.Usage{PromptTokens: prompt, CompletionTokens: len(splitWords(cannedResponse))}
}

func splitWords(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if r == ' ' {
			words = append(words, s[start:i])
			start = i + 1
		}
	}
	words = append(words, s[start:])
	return words
}
