package pipeline

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/himudigonda/inferencegateway/internal/database"
	"github.com/himudigonda/inferencegateway/types"
)

// billingRetries bounds the retry-on-transient-error loop for the credit
// settlement transaction (deadlock / serialization failure / connection
// reset), per internal/database/pool.go's WithTransactionRetry policy.
const billingRetries = 3

// NewBillingStage settles the monetary cost of a completed, non-cached
// request. A cache hit skips all mutations (zero cost); a streamed request
// defers settlement to the stream-billing wrapper and only installs it here.
// A still-failed request (after fallback had its chance) settles nothing.
func NewBillingStage(deps *Dependencies) Stage {
	return StageFunc{
		StageName: "billing",
		Fn: func(ctx context.Context, rc *types.RequestContext) *types.RequestContext {
			if rc.IsCached || rc.Failed() {
				return rc
			}

			if rc.Stream {
				// Settlement is deferred to the stream-billing wrapper
				// (§4.10), constructed by the HTTP surface around
				// rc.StreamChunks once the pipeline returns.
				return rc
			}

			start := time.Now()
			cost, err := Settle(ctx, deps.DB.WithTransactionRetry, billingRetries, rc.TenantID, rc.ApiKeyID, rc.Usage, rc.InputCost, rc.OutputCost)
			if deps.Metrics != nil {
				deps.Metrics.RecordDBQuery("postgres", "billing_settle", time.Since(start))
			}
			if err != nil {
				rc.Err = types.NewError(types.ErrInternalError, "billing settlement failed").WithCause(err)
				return rc
			}
			rc.Cost = cost
			return rc
		},
	}
}

// txRetrier matches database.PoolManager.WithTransactionRetry's signature,
// so Settle can be unit-tested against a fake without constructing a real
// connection pool.
type txRetrier func(ctx context.Context, maxRetries int, fn database.TransactionFunc) error

// Settle performs the two-row exclusive-lock credit deduction: Tenant
// locked and decremented before ApiKey locked and incremented, always in
// that order to prevent deadlock under concurrent deductions by two keys of
// the same tenant. Returns the computed cost.
func Settle(ctx context.Context, withRetry txRetrier, maxRetries int, tenantID, apiKeyID uint, usage types.Usage, inputCost, outputCost float64) (float64, error) {
	cost := (float64(usage.PromptTokens)*inputCost + float64(usage.CompletionTokens)*outputCost) / 1e6

	err := withRetry(ctx, maxRetries, func(tx *gorm.DB) error {
		var tenant types.Tenant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&tenant, tenantID).Error; err != nil {
			return err
		}
		if err := tx.Model(&tenant).Update("credits", tenant.Credits-cost).Error; err != nil {
			return err
		}

		var apiKey types.ApiKey
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&apiKey, apiKeyID).Error; err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(&apiKey).Updates(map[string]any{
			"credits_consumed": apiKey.CreditsConsumed + cost,
			"last_used":        &now,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return cost, nil
}
