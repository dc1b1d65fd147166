package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/cache"
	"github.com/himudigonda/inferencegateway/internal/database"
	"github.com/himudigonda/inferencegateway/internal/metrics"
	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
	"github.com/himudigonda/inferencegateway/vault"
)

// DefaultShadowModelSlug is the fixed shadow-mode comparison model, preserved
// verbatim from the original router's LITELLM-era shadow config.
const DefaultShadowModelSlug = "groq/llama3-8b-8192"

// Dependencies bundles every external collaborator the stages need. One
// Dependencies is built at startup and shared read-only across goroutines;
// stages never hold their own handles into these resources. DB is the
// process-wide pool manager: plain reads use DB.DB(), and billing's
// row-locking transaction uses DB.WithTransactionRetry directly, grounded on
// internal/database/pool.go's retry-on-transient-error policy.
type Dependencies struct {
	DB        *database.PoolManager
	Cache     cache.SemanticCache
	Vault     *vault.Vault
	Providers *providers.Registry
	Logger    *zap.Logger

	// Metrics records per-stage/billing/cache observations. Nil is valid
	// (tests construct Dependencies without it); every call site guards it.
	Metrics *metrics.Collector

	// UpstreamTimeout bounds every upstream HTTP call (default 30s).
	UpstreamTimeout time.Duration

	// ShadowEnabled turns on the shadow-mode concurrent comparison call in
	// the llm stage.
	ShadowEnabled   bool
	ShadowModelSlug string
	ShadowProvider  string
	ShadowBaseURL   string

	// PlatformCredentials maps a canonical provider name (e.g. "openai") to
	// the platform's own upstream API key, used when the tenant has no
	// credential of their own (or its decryption failed).
	PlatformCredentials map[string]string

	// LogSink receives completed RequestLog rows for asynchronous
	// persistence by a background worker owned by the HTTP surface, so the
	// log stage never blocks the response on a database write.
	LogSink chan<- *types.RequestLog

	// SettlementLog receives the final token/cost update for a streamed
	// request once the stream-billing wrapper's release path determines
	// the usage totals, keyed by RequestID for the idempotent update.
	SettlementLog chan<- *StreamSettlement

	// EvalSink receives a shadow-mode EvaluationPair whenever both the
	// primary and shadow upstream calls succeed, for offline quality
	// comparison. A shadow failure never produces a pair.
	EvalSink chan<- *types.EvaluationPair
}

// NewStages assembles the full ordered stage list per the component design's
// static graph (§4.1): init, auth, cache_lookup, route, llm, fallback,
// billing, cache_store, log.
func NewStages(deps *Dependencies) []Stage {
	return []Stage{
		NewInitStage(),
		NewAuthStage(deps),
		NewCacheLookupStage(deps),
		NewRouteStage(deps),
		NewLLMStage(deps),
		NewFallbackStage(deps),
		NewBillingStage(deps),
		NewCacheStoreStage(deps),
		NewLogStage(deps),
	}
}
