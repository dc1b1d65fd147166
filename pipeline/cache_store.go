package pipeline

import (
	"context"
	"time"

	"github.com/himudigonda/inferencegateway/cache"
	"github.com/himudigonda/inferencegateway/types"
)

// NewCacheStoreStage inserts the (last-message, response) pair into the
// semantic cache, but only for a fresh, text, non-errored response. Cache
// write failures are non-fatal — RedisCache itself swallows and logs them.
func NewCacheStoreStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "cache_store",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if rc.Failed() || rc.IsCached || rc.ResponseContent == "" {
				return rc
			}
			deps.Cache.Set(ctx, lastMessageContent(rc.Messages), cache.Entry{ResponseContent: rc.ResponseContent, CachedAt: time.Now()})
			return rc
		},
	}
}
