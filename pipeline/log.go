package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/types"
)

// NewLogStage records a RequestLog row for every request whose identity is
// known, including errored ones — the only requests silently skipped are
// those that failed before auth resolved any api_key_id (MalformedAuth,
// InvalidKey), matching the error-handling design's "never logged" rows.
// Dispatch is a non-blocking send to LogSink so a slow or saturated
// logging worker never adds latency to the client response.
func NewLogStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "log",
		Fn: func(_ context.Context, rc *types.RequestContext) *types.RequestContext {
			rc.LatencyMS = rc.Elapsed().Milliseconds()

			if rc.ApiKeyID == 0 {
				return rc
			}

			entry := &types.RequestLog{
				RequestID:        rc.RequestID,
				UserID:           rc.UserID,
				TenantID:         rc.TenantID,
				ApiKeyID:         rc.ApiKeyID,
				ModelSlug:        rc.ModelSlug,
				ProviderName:     rc.ProviderName,
				PromptTokens:     rc.Usage.PromptTokens,
				CompletionTokens: rc.Usage.CompletionTokens,
				CostUSD:          rc.Cost,
				LatencyMS:        rc.LatencyMS,
				StatusCode:       statusCodeFor(rc),
				IsCached:         rc.IsCached,
				CreatedAt:        time.Now(),
			}

			select {
			case deps.LogSink <- entry:
			default:
				deps.Logger.Warn("log sink saturated, dropping request log", zap.String("request_id", rc.RequestID))
			}

			if rc.ShadowResult != nil && rc.ShadowResult.Err == "" {
				pair := &types.EvaluationPair{
					RequestID:       rc.RequestID,
					PrimaryModel:    rc.ModelSlug,
					PrimaryResponse: rc.ResponseContent,
					ShadowModel:     rc.ShadowResult.Model,
					ShadowResponse:  rc.ShadowResult.ResponseContent,
					CreatedAt:       time.Now(),
				}
				select {
				case deps.EvalSink <- pair:
				default:
					deps.Logger.Warn("evaluation sink saturated, dropping evaluation pair", zap.String("request_id", rc.RequestID))
				}
			}
			return rc
		},
	}
}

func statusCodeFor(rc *types.RequestContext) int {
	if rc.Failed() {
		return rc.Err.HTTPStatus
	}
	return 200
}
