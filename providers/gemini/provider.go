// Package gemini implements providers.Provider for Google AI's
// generateContent API, whose wire format diverges from OpenAI's: messages
// are "contents" with role "user"/"model" and a parts array, and usage is
// reported as promptTokenCount/candidatesTokenCount.
package gemini

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

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/internal/tlsutil"
	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
)

// Provider implements providers.Provider for Google AI / Gemini.
type Provider struct {
	client *http.Client
	logger *zap.Logger
}

func New(timeout time.Duration, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: tlsutil.SecureHTTPClient(timeout), logger: logger}
}

func (p *Provider) Name() string { return "gemini" }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type requestBody struct {
	Contents []content `json:"contents"`
}

type responseBody struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// toContents maps OpenAI-shape roles to Gemini's "user"/"model" pair.
// System messages are sent as ordinary "user" turns since this MVP
// provider does not use a separate system_instruction field.
func toContents(messages []types.ChatMessage) []content {
	out := make([]content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return out
}

func (p *Provider) endpoint(baseURL, model, apiKey string, stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent?alt=sse"
	}
	sep := "?"
	if strings.Contains(method, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s%skey=%s", strings.TrimRight(baseURL, "/"), model, method, sep, apiKey)
}

func (p *Provider) upstreamError(err error) *types.Error {
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithProvider(p.Name()).
		WithCause(err)
}

func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (string, types.Usage, error) {
	body := requestBody{Contents: toContents(req.Messages)}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.BaseURL, req.Model, req.APIKey, false), bytes.NewReader(payload))
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", types.Usage{}, p.upstreamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.Usage{}, p.upstreamError(fmt.Errorf("status=%d body=%s", resp.StatusCode, msg))
	}

	var wireResp responseBody
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return "", types.Usage{}, p.upstreamError(err)
	}

	var text strings.Builder
	if len(wireResp.Candidates) > 0 {
		for _, part := range wireResp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	usage := types.Usage{
		PromptTokens:     wireResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: wireResp.UsageMetadata.CandidatesTokenCount,
	}
	return text.String(), usage, nil
}

func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan types.StreamChunk, error) {
	body := requestBody{Contents: toContents(req.Messages)}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.BaseURL, req.Model, req.APIKey, true), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.upstreamError(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.upstreamError(fmt.Errorf("status=%d body=%s", resp.StatusCode, msg))
	}

	ch := make(chan types.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var wireResp responseBody
			if err := json.Unmarshal([]byte(data), &wireResp); err != nil {
				continue
			}

			var chunk types.StreamChunk
			if len(wireResp.Candidates) > 0 {
				c := wireResp.Candidates[0]
				var text strings.Builder
				for _, part := range c.Content.Parts {
					text.WriteString(part.Text)
				}
				var finishReason *string
				if c.FinishReason != "" {
					finishReason = &c.FinishReason
				}
				chunk.Choices = []types.StreamChunkChoice{{
					Delta:        types.StreamChunkDelta{Content: text.String()},
					FinishReason: finishReason,
				}}
			}
			if wireResp.UsageMetadata.PromptTokenCount > 0 || wireResp.UsageMetadata.CandidatesTokenCount > 0 {
				chunk.Usage = &types.Usage{
					PromptTokens:     wireResp.UsageMetadata.PromptTokenCount,
					CompletionTokens: wireResp.UsageMetadata.CandidatesTokenCount,
				}
			}

			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}
