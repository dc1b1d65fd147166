// Package pipeline implements the staged request-processing state machine:
// init, auth, cache_lookup, route, llm, fallback, billing, cache_store, log.
// Stages run serially per request; once a stage sets a terminal error,
// subsequent non-terminal stages pass the context through unchanged, except
// log, which still records errored requests when identity is known.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/internal/metrics"
	"github.com/himudigonda/inferencegateway/types"
)

// Stage is one node of the pipeline graph. It receives the accumulated
// context and returns the (possibly mutated) context to hand to the next
// stage. A stage that sets rc.Err marks the request terminally failed.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *types.RequestContext) *types.RequestContext
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, rc *types.RequestContext) *types.RequestContext
}

func (f StageFunc) Name() string { return f.StageName }
func (f StageFunc) Run(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
	return f.Fn(ctx, rc)
}

// Engine drives a fixed, ordered list of stages. The conditional edges in
// the component design's graph (cache hit skips route/llm/fallback; llm
// success skips fallback) are expressed as early-return guards inside the
// individual stage closures built by New, not as branches in the engine
// itself — the engine only ever walks the list in order.
type Engine struct {
	stages  []Stage
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewEngine builds an Engine from an ordered stage list. m may be nil (tests
// construct engines without a metrics collector).
func NewEngine(logger *zap.Logger, m *metrics.Collector, stages ...Stage) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{stages: stages, logger: logger, metrics: m}
}

// Run executes every stage in order. The engine itself never inspects
// rc.Err or rc.IsCached — each stage guards its own applicability (e.g.
// cache_lookup, route, llm no-op once rc.Failed(); fallback no-ops unless
// the error is fallback-eligible; log always runs). It times each stage and,
// once every stage has run, records the request's terminal outcome.
func (e *Engine) Run(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
	for _, stage := range e.stages {
		start := time.Now()
		rc = stage.Run(ctx, rc)
		if e.metrics != nil {
			e.metrics.RecordStageDuration(stage.Name(), time.Since(start))
		}
	}
	if e.metrics != nil {
		e.metrics.RecordPipelineOutcome(outcomeFor(rc))
	}
	return rc
}

// outcomeFor buckets a completed request into "success", "cached", or its
// error code string, for the pipeline_outcomes_total metric.
func outcomeFor(rc *types.RequestContext) string {
	switch {
	case rc.Failed():
		return string(rc.Err.Code)
	case rc.IsCached:
		return "cached"
	default:
		return "success"
	}
}
