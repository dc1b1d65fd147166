package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/types"
)

// StreamSettlement carries the finalized token counts and cost for a
// streamed request, dispatched once the stream-billing wrapper's release
// path determines them, for the settlement worker to update the RequestLog row in
// place (idempotency key: RequestID).
type StreamSettlement struct {
	RequestID        string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	SettledAt        time.Time
}

// StreamBillingWrapper yields the upstream's chunk objects untouched to the
// client while tracking running usage, and guarantees the credit-settlement
// release path runs exactly once regardless of how the stream terminates:
// normal exhaustion, client cancellation, or error. sync.Once is the
// idiomatic Go answer to "guaranteed exactly-once release" that a
// generator's `finally` block gives in a GC'd scripting language.
type StreamBillingWrapper struct {
	chunks <-chan types.StreamChunk
	deps   *Dependencies
	rc     *types.RequestContext

	mu               sync.Mutex
	promptTokens     int
	completionTokens int

	once sync.Once
}

// NewStreamBillingWrapper wraps chunks for the request described by rc. rc
// is read (TenantID, ApiKeyID, InputCost, OutputCost, RequestID, ModelSlug,
// ProviderName) only at release time, after the pipeline has already
// finished mutating it, so no further synchronization on rc is needed.
func NewStreamBillingWrapper(chunks <-chan types.StreamChunk, deps *Dependencies, rc *types.RequestContext) *StreamBillingWrapper {
	return &StreamBillingWrapper{chunks: chunks, deps: deps, rc: rc}
}

// Next returns the next chunk from the upstream channel. ok is false once
// the channel is exhausted, at which point Next has already triggered the
// release path (idempotent with an explicit Close call).
func (w *StreamBillingWrapper) Next(ctx context.Context) (types.StreamChunk, bool) {
	select {
	case chunk, ok := <-w.chunks:
		if !ok {
			w.release(ctx)
			return types.StreamChunk{}, false
		}
		if chunk.Usage != nil {
			w.mu.Lock()
			w.promptTokens = chunk.Usage.PromptTokens
			w.completionTokens = chunk.Usage.CompletionTokens
			w.mu.Unlock()
		}
		return chunk, true
	case <-ctx.Done():
		w.release(context.Background())
		return types.StreamChunk{}, false
	}
}

// Close runs the release path if it has not already run. The HTTP handler
// must defer Close regardless of whether the stream was fully drained,
// cancelled, or errored — this is what guarantees settlement on client
// disconnect.
func (w *StreamBillingWrapper) Close() {
	w.release(context.Background())
}

// release settles the credit deduction and finalizes the RequestLog row
// exactly once. It never blocks the caller on the database: settlement runs
// synchronously against a short-lived context here, but Close/Next are
// themselves always invoked from a background goroutine or a deferred call
// off the client's write path, per the component design.
func (w *StreamBillingWrapper) release(ctx context.Context) {
	w.once.Do(func() {
		w.mu.Lock()
		prompt, completion := w.promptTokens, w.completionTokens
		w.mu.Unlock()

		if prompt == 0 && completion == 0 {
			return
		}

		settleCtx, cancel := context.WithTimeout(detach(ctx), 10*time.Second)
		defer cancel()

		cost, err := Settle(settleCtx, w.deps.DB.WithTransactionRetry, billingRetries,
			w.rc.TenantID, w.rc.ApiKeyID,
			types.Usage{PromptTokens: prompt, CompletionTokens: completion},
			w.rc.InputCost, w.rc.OutputCost)
		if err != nil {
			w.deps.Logger.Error("stream billing settlement failed",
				zap.String("request_id", w.rc.RequestID), zap.Error(err))
			return
		}

		settlement := &StreamSettlement{
			RequestID:        w.rc.RequestID,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			CostUSD:          cost,
			SettledAt:        time.Now(),
		}
		select {
		case w.deps.SettlementLog <- settlement:
		default:
			w.deps.Logger.Warn("settlement log sink saturated, dropping stream settlement update",
				zap.String("request_id", w.rc.RequestID))
		}
	})
}

// detach strips any cancellation from ctx while keeping its values, so the
// release path's own settlement transaction is not itself cancelled by the
// same client-disconnect that triggered it.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
