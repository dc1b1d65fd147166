package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"gorm.io/gorm"

	"github.com/himudigonda/inferencegateway/types"
)

// NewAuthStage resolves the bearer token to a (user, api key, tenant) triple
// and enforces the credit-balance precondition. It must run before
// cache_lookup so that even cache hits are attributed to a tenant for audit.
func NewAuthStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "auth",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			sum := sha256.Sum256([]byte(rc.RawBearer))
			hash := hex.EncodeToString(sum[:])

			var key types.ApiKey
			err := deps.DB.DB().WithContext(ctx).
				Preload("User").
				Preload("Tenant").
				Where("key_hash = ? AND disabled = ? AND deleted = ?", hash, false, false).
				First(&key).Error
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					rc.Err = types.NewError(types.ErrInvalidKey, "Invalid or disabled API Key")
					return rc
				}
				rc.Err = types.NewError(types.ErrInternalError, "auth lookup failed").WithCause(err)
				return rc
			}

			// Identity is attached as soon as the key itself is found, even if
			// one of the checks below rejects the request, so that
			// InsufficientCredits/OrgMisconfigured — both "logged" per the
			// error-handling design — carry a tenant to attribute the log to.
			rc.UserID = key.UserID
			rc.ApiKeyID = key.ID
			rc.TenantID = key.TenantID

			if key.User == nil || key.User.TenantID == 0 || key.Tenant == nil {
				rc.Err = types.NewError(types.ErrOrgMisconfigured, "api key's user has no resolvable owning tenant")
				return rc
			}
			if key.Tenant.Credits <= 0 {
				rc.Err = types.NewError(types.ErrInsufficientCredits, "Insufficient credits")
				return rc
			}

			rc.CreditsPre = key.Tenant.Credits
			return rc
		},
	}
}
