package pipeline

import (
	"context"

	"github.com/himudigonda/inferencegateway/types"
)

// lastMessageContent returns the textual content of the final message in
// the conversation, the sole input to the cache fingerprint (§4.4's
// "intentionally coarse" policy).
func lastMessageContent(messages []types.ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

// NewCacheLookupStage checks the semantic cache for a prior response to the
// same last-message text. A hit short-circuits route/llm/fallback (those
// stages no-op when rc.IsCached is true); a miss or cache error is treated
// identically — cache errors are non-fatal per the error-handling design.
func NewCacheLookupStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "cache_lookup",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if rc.Failed() {
				return rc
			}
			entry, ok := deps.Cache.Get(ctx, lastMessageContent(rc.Messages))
			if !ok {
				rc.IsCached = false
				if deps.Metrics != nil {
					deps.Metrics.RecordCacheMiss("semantic")
				}
				return rc
			}
			rc.IsCached = true
			rc.ResponseContent = entry.ResponseContent
			rc.Usage = types.Usage{}
			if deps.Metrics != nil {
				deps.Metrics.RecordCacheHit("semantic")
			}
			return rc
		},
	}
}
