package pipeline

import (
	"context"
	"time"

	"github.com/himudigonda/inferencegateway/types"
)

// NewInitStage stamps a monotonic start timestamp for latency measurement.
// It has no failure modes.
func NewInitStage() Stage {
	return StageFunc{
		StageName: "init",
		Fn: func(_ context.Context, rc *types.RequestContext) *types.RequestContext {
			rc.StartTime = time.Now()
			return rc
		},
	}
}
