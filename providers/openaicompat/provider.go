// Package openaicompat is the shared implementation for every upstream
// whose wire format is OpenAI's /v1/chat/completions: OpenAI itself, Groq,
// Mistral, Perplexity, xAI, and any future addition that speaks the same
// JSON shape. The registry builds one stateless Provider instance per family
// name — BaseURL and APIKey arrive per-call on providers.CompletionRequest.
package openaicompat

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

// Provider implements providers.Provider for OpenAI-wire-compatible
// upstreams. name is the canonical protocol-family identifier attached to
// errors for attribution.
type Provider struct {
	name   string
	client *http.Client
	logger *zap.Logger
}

// New builds an openaicompat Provider. timeout is the per-call HTTP client
// timeout (the gateway's configured upstream timeout).
func New(name string, timeout time.Duration, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		name:   name,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
	}
}

func (p *Provider) Name() string { return p.name }

type chatRequestBody struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseBody struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toWireMessages(messages []types.ChatMessage) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (p *Provider) endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/chat/completions"
}

func (p *Provider) upstreamError(err error, status int) *types.Error {
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithHTTPStatus(status).
		WithRetryable(true).
		WithProvider(p.name).
		WithCause(err)
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (string, types.Usage, error) {
	body := chatRequestBody{Model: req.Model, Messages: toWireMessages(req.Messages)}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.BaseURL), bytes.NewReader(payload))
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", types.Usage{}, p.upstreamError(err, http.StatusBadGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.Usage{}, p.upstreamError(fmt.Errorf("status=%d body=%s", resp.StatusCode, msg), http.StatusBadGateway)
	}

	var wireResp chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return "", types.Usage{}, p.upstreamError(err, http.StatusBadGateway)
	}

	var content string
	if len(wireResp.Choices) > 0 {
		content = wireResp.Choices[0].Message.Content
	}
	var usage types.Usage
	if wireResp.Usage != nil {
		usage = types.Usage{PromptTokens: wireResp.Usage.PromptTokens, CompletionTokens: wireResp.Usage.CompletionTokens}
	}
	return content, usage, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan types.StreamChunk, error) {
	body := chatRequestBody{Model: req.Model, Messages: toWireMessages(req.Messages), Stream: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.BaseURL), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.upstreamError(err, http.StatusBadGateway)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.upstreamError(fmt.Errorf("status=%d body=%s", resp.StatusCode, msg), http.StatusBadGateway)
	}

	return streamSSE(ctx, resp.Body, p.name), nil
}

// streamSSE parses an OpenAI-compatible SSE response body into a channel of
// types.StreamChunk, closing the channel (and the body) on terminal [DONE],
// EOF or a read error, or context cancellation. Data lines that fail to
// parse as JSON are skipped.
func streamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan types.StreamChunk {
	ch := make(chan types.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
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
			if data == "[DONE]" {
				return
			}

			var wireResp chatResponseBody
			if err := json.Unmarshal([]byte(data), &wireResp); err != nil {
				continue
			}

			chunk := types.StreamChunk{
				ID:      wireResp.ID,
				Object:  "chat.completion.chunk",
				Created: wireResp.Created,
				Model:   wireResp.Model,
			}
			if wireResp.Usage != nil {
				chunk.Usage = &types.Usage{
					PromptTokens:     wireResp.Usage.PromptTokens,
					CompletionTokens: wireResp.Usage.CompletionTokens,
				}
			}
			for _, choice := range wireResp.Choices {
				delta := types.StreamChunkDelta{}
				if choice.Delta != nil {
					delta.Role = choice.Delta.Role
					delta.Content = choice.Delta.Content
				}
				chunk.Choices = append(chunk.Choices, types.StreamChunkChoice{
					Index:        choice.Index,
					Delta:        delta,
					FinishReason: choice.FinishReason,
				})
			}

			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch
}
