package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
)

// NewLLMStage performs the upstream call. It no-ops on a cache hit. The call
// goes to the provider route resolved; the registered simulator provider
// serves it only when no provider name was resolved. Simulator mode
// (HIMMI_SIMULATOR) does not redirect this primary call; it only points the
// shadow call at the simulator (cmd/gateway/server.go).
func NewLLMStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "llm",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if rc.Failed() || rc.IsCached {
				return rc
			}

			provider, apiKey, err := resolveProvider(deps, rc)
			if err != nil {
				rc.Err = err
				return rc
			}

			callCtx := ctx
			var cancel context.CancelFunc
			if deps.UpstreamTimeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, deps.UpstreamTimeout)
				defer cancel()
			}

			req := providers.CompletionRequest{
				BaseURL:  rc.BaseURL,
				APIKey:   apiKey,
				Model:    rc.ModelSlug,
				Messages: rc.Messages,
			}

			if rc.Stream {
				chunks, err := provider.Stream(callCtx, req)
				if err != nil {
					rc.Err = asUpstreamError(err, provider.Name())
					return rc
				}
				rc.StreamChunks = chunks
				return rc
			}

			if deps.ShadowEnabled {
				return runShadow(callCtx, deps, rc, provider, req)
			}

			start := time.Now()
			content, usage, err := provider.Complete(callCtx, req)
			if err != nil {
				if deps.Metrics != nil {
					deps.Metrics.RecordUpstreamRequest(provider.Name(), rc.ModelSlug, "error", time.Since(start), 0, 0, 0)
				}
				rc.Err = asUpstreamError(err, provider.Name())
				return rc
			}
			if deps.Metrics != nil {
				deps.Metrics.RecordUpstreamRequest(provider.Name(), rc.ModelSlug, "ok", time.Since(start), usage.PromptTokens, usage.CompletionTokens, 0)
			}
			rc.ResponseContent = content
			rc.Usage = usage
			return rc
		},
	}
}

// resolveProvider picks the provider implementation and the credential to
// present: the tenant's own (already decrypted by route) if present,
// otherwise the platform's own for that canonical provider name.
func resolveProvider(deps *Dependencies, rc *types.RequestContext) (providers.Provider, string, error) {
	name := rc.ProviderName
	if name == "" {
		name = "simulator"
	}

	p, err := deps.Providers.Get(name)
	if err != nil {
		// Matches the Python original's router.py: call_llm_node wraps any
		// provider-dispatch failure, including an unrecognized name, inside
		// its broad except-Exception "LLM Provider Error" branch, which
		// check_for_fallback treats as fallback-eligible. ErrUpstreamError
		// is the one code IsFallbackEligible accepts, so an unregistered
		// provider gets the same fallback chance a live call failure does.
		return nil, "", asUpstreamError(err, name)
	}

	apiKey := rc.UpstreamKey
	if apiKey == "" {
		apiKey = deps.PlatformCredentials[name]
	}
	return p, apiKey, nil
}

func asUpstreamError(err error, providerName string) *types.Error {
	if e, ok := err.(*types.Error); ok {
		if e.Code == types.ErrUpstreamError {
			e.HTTPStatus = 403
		}
		return e
	}
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithHTTPStatus(403).
		WithRetryable(true).
		WithProvider(providerName).
		WithCause(err)
}

// runShadow issues the primary call concurrently with the fixed shadow
// model, synchronized by sync.WaitGroup rather than errgroup because the
// shadow branch's failure must never fail the group — it is recorded, not
// propagated.
func runShadow(ctx context.Context, deps *Dependencies, rc *types.RequestContext, primary providers.Provider, req providers.CompletionRequest) *types.RequestContext {
	var wg sync.WaitGroup
	wg.Add(2)

	var (
		primaryContent string
		primaryUsage   types.Usage
		primaryErr     error
		shadow         types.ShadowResult
	)

	go func() {
		defer wg.Done()
		primaryContent, primaryUsage, primaryErr = primary.Complete(ctx, req)
	}()

	go func() {
		defer wg.Done()
		shadowProvider, err := deps.Providers.Get(deps.ShadowProvider)
		if err != nil {
			shadow.Err = err.Error()
			return
		}
		shadowReq := providers.CompletionRequest{
			BaseURL:  deps.ShadowBaseURL,
			APIKey:   deps.PlatformCredentials[deps.ShadowProvider],
			Model:    deps.ShadowModelSlug,
			Messages: req.Messages,
		}
		shadowCtx, cancel := context.WithTimeout(context.Background(), shadowTimeout(deps))
		defer cancel()
		content, usage, err := shadowProvider.Complete(shadowCtx, shadowReq)
		shadow.Model = deps.ShadowModelSlug
		if err != nil {
			shadow.Err = err.Error()
			return
		}
		shadow.ResponseContent = content
		shadow.Usage = usage
	}()

	wg.Wait()

	if deps.Metrics != nil {
		if shadow.Err != "" {
			deps.Metrics.RecordShadowComparison("shadow_error")
		} else {
			deps.Metrics.RecordShadowComparison("paired")
		}
	}

	if primaryErr != nil {
		rc.Err = asUpstreamError(primaryErr, primary.Name())
		return rc
	}
	rc.ResponseContent = primaryContent
	rc.Usage = primaryUsage
	rc.ShadowResult = &shadow
	return rc
}

func shadowTimeout(deps *Dependencies) time.Duration {
	if deps.UpstreamTimeout > 0 {
		return deps.UpstreamTimeout
	}
	return 30 * time.Second
}
