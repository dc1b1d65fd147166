// Package anthropic implements providers.Provider for Anthropic's Messages
// API, whose request/response shape diverges from the OpenAI wire format
// (system prompt as a top-level field, content as a block array, usage
// keys named input_tokens/output_tokens).
package anthropic

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

const anthropicVersion = "2023-06-01"

// Provider implements providers.Provider for Anthropic.
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

func (p *Provider) Name() string { return "anthropic" }

type messageBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type requestBody struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseBody struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []messageBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// splitSystem extracts the first "system" message, wherever it appears
// (Anthropic models it as a top-level field rather than a conversation
// turn), and returns the rest, including any later system messages.
func splitSystem(messages []types.ChatMessage) (system string, rest []wireMessage) {
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, wireMessage{Role: m.Role, Content: m.Content})
	}
	return system, rest
}

func (p *Provider) endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/messages"
}

func (p *Provider) newRequest(ctx context.Context, baseURL, apiKey string, payload []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(baseURL), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *Provider) upstreamError(err error) *types.Error {
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithProvider(p.Name()).
		WithCause(err)
}

func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (string, types.Usage, error) {
	system, messages := splitSystem(req.Messages)
	body := requestBody{Model: req.Model, System: system, Messages: messages, MaxTokens: 4096}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.BaseURL, req.APIKey, payload)
	if err != nil {
		return "", types.Usage{}, fmt.Errorf("build request: %w", err)
	}

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

	var content strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	usage := types.Usage{PromptTokens: wireResp.Usage.InputTokens, CompletionTokens: wireResp.Usage.OutputTokens}
	return content.String(), usage, nil
}

// streamEvent models the subset of Anthropic's SSE event types this gateway
// forwards: content deltas and the terminal message_delta carrying usage.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan types.StreamChunk, error) {
	system, messages := splitSystem(req.Messages)
	body := requestBody{Model: req.Model, System: system, Messages: messages, MaxTokens: 4096, Stream: true}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, req.BaseURL, req.APIKey, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
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
		var promptTokens int
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

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			var chunk types.StreamChunk
			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					promptTokens = ev.Message.Usage.InputTokens
				}
				continue
			case "content_block_delta":
				chunk.Choices = []types.StreamChunkChoice{{
					Delta: types.StreamChunkDelta{Content: ev.Delta.Text},
				}}
			case "message_delta":
				reason := ev.Delta.StopReason
				chunk.Choices = []types.StreamChunkChoice{{FinishReason: &reason}}
				if ev.Usage != nil {
					chunk.Usage = &types.Usage{PromptTokens: promptTokens, CompletionTokens: ev.Usage.OutputTokens}
				}
			default:
				continue
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
