package pipeline

import (
	"context"

	"gorm.io/gorm"

	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
)

// NewFallbackStage no-ops unless llm left a fallback-eligible UpstreamError.
// On MVP policy it attempts exactly one next-best (by ascending cost)
// mapping for the same model slug and re-invokes the upstream call once; on
// success the error clears and the request continues to billing. The hook
// is kept even though the trivial "no alternative mapping" case still
// returns failure, per the component design's note to keep the extension
// point regardless.
func NewFallbackStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "fallback",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if !rc.Failed() || !types.IsFallbackEligible(rc.Err) {
				return rc
			}

			mapping, err := nextBestMapping(ctx, deps.DB.DB(), rc.ModelSlug, rc.MappingID)
			if err != nil {
				// No alternative exists; the original UpstreamError stands.
				return rc
			}

			provider, err := deps.Providers.Get(providers.Canonicalize(mapping.Provider.Name))
			if err != nil {
				return rc
			}
			apiKey := deps.PlatformCredentials[providers.Canonicalize(mapping.Provider.Name)]

			content, usage, err := provider.Complete(ctx, providers.CompletionRequest{
				BaseURL:  mapping.Provider.BaseURL,
				APIKey:   apiKey,
				Model:    rc.ModelSlug,
				Messages: rc.Messages,
			})
			if err != nil {
				// Retry also failed; keep the original terminal error.
				return rc
			}

			rc.Err = nil
			rc.MappingID = mapping.ID
			rc.ProviderSlug = mapping.Provider.Name
			rc.ProviderName = providers.Canonicalize(mapping.Provider.Name)
			rc.BaseURL = mapping.Provider.BaseURL
			rc.InputCost = mapping.InputCost
			rc.OutputCost = mapping.OutputCost
			rc.ResponseContent = content
			rc.Usage = usage
			return rc
		},
	}
}

// nextBestMapping returns the cheapest mapping for slug other than the one
// already tried (excludeMappingID).
func nextBestMapping(ctx context.Context, db *gorm.DB, slug string, excludeMappingID uint) (*types.ModelProviderMapping, error) {
	var model types.Model
	if err := db.WithContext(ctx).Where("slug = ?", slug).First(&model).Error; err != nil {
		return nil, err
	}

	var mapping types.ModelProviderMapping
	err := db.WithContext(ctx).
		Preload("Provider").
		Where("model_id = ? AND id <> ?", model.ID, excludeMappingID).
		Order("(input_cost + output_cost) ASC").
		First(&mapping).Error
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}
