package pipeline

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
)

// NewRouteStage resolves the requested model slug to a provider mapping and
// attaches the tenant's own upstream credential when one is on file. It
// no-ops when the response was already served from cache.
func NewRouteStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "route",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if rc.Failed() || rc.IsCached {
				return rc
			}

			mapping, err := resolveMapping(ctx, deps.DB.DB(), rc.ModelSlug)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					rc.Err = types.NewError(types.ErrModelUnsupported, "model slug is unknown or has no provider mapping")
					return rc
				}
				rc.Err = types.NewError(types.ErrInternalError, "route lookup failed").WithCause(err)
				return rc
			}

			rc.MappingID = mapping.ID
			rc.ProviderSlug = mapping.Provider.Name
			rc.ProviderName = providers.Canonicalize(mapping.Provider.Name)
			rc.BaseURL = mapping.Provider.BaseURL
			rc.InputCost = mapping.InputCost
			rc.OutputCost = mapping.OutputCost

			rc.UpstreamKey = resolveUpstreamKey(ctx, deps, rc.UserID, rc.ProviderName)
			return rc
		},
	}
}

// resolveMapping picks the ascending-total-unit-cost cheapest mapping for a
// model slug, the same ordering the fallback stage uses for its next-best
// candidate.
func resolveMapping(ctx context.Context, db *gorm.DB, slug string) (*types.ModelProviderMapping, error) {
	var model types.Model
	if err := db.WithContext(ctx).Where("slug = ?", slug).First(&model).Error; err != nil {
		return nil, err
	}

	var mapping types.ModelProviderMapping
	err := db.WithContext(ctx).
		Preload("Provider").
		Where("model_id = ?", model.ID).
		Order("(input_cost + output_cost) ASC").
		First(&mapping).Error
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// resolveUpstreamKey returns the tenant-owned plaintext credential for the
// given canonical provider, if one is on file and decryptable, or "" to
// signal the caller should fall back to the platform's own credential.
// Decrypt failure is non-fatal by design (§4.5).
func resolveUpstreamKey(ctx context.Context, deps *Dependencies, userID uint, canonicalProvider string) string {
	var cred types.TenantProviderCredential
	err := deps.DB.DB().WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, canonicalProvider).
		First(&cred).Error
	if err != nil {
		return ""
	}

	plaintext, err := deps.Vault.Decrypt(cred.Ciphertext)
	if err != nil {
		deps.Logger.Warn("tenant credential decrypt failed, falling back to platform key",
			zap.Uint("user_id", userID), zap.String("provider", canonicalProvider), zap.Error(err))
		return ""
	}
	return plaintext
}
