package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/himudigonda/inferencegateway/cache"
	"github.com/himudigonda/inferencegateway/internal/database"
	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
	"github.com/himudigonda/inferencegateway/vault"
)

func setupTestDB(t *testing.T) *database.PoolManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(types.AllModels()...))

	pm, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	return pm
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// seedTenantAndKey creates a Tenant/User/ApiKey triple and returns the raw
// bearer token that hashes to the seeded key.
func seedTenantAndKey(t *testing.T, pm *database.PoolManager, credits float64) (string, *types.Tenant, *types.ApiKey) {
	t.Helper()
	db := pm.DB()

	tenant := &types.Tenant{DisplayName: "acme", Credits: credits}
	require.NoError(t, db.Create(tenant).Error)

	user := &types.User{Email: "dev@acme.test", TenantID: tenant.ID}
	require.NoError(t, db.Create(user).Error)

	raw := "sk-or-v1-testtoken"
	key := &types.ApiKey{UserID: user.ID, TenantID: tenant.ID, KeyHash: hashKey(raw), KeyPrefix: "sk-or-v1-"}
	require.NoError(t, db.Create(key).Error)

	return raw, tenant, key
}

func newTestDeps(t *testing.T, pm *database.PoolManager) *Dependencies {
	t.Helper()
	return &Dependencies{
		DB:                  pm,
		Cache:               cache.NoopCache{},
		Vault:               must(vault.New("test-key-material")),
		Providers:           providers.NewRegistry(5*time.Second, zap.NewNop()),
		Logger:              zap.NewNop(),
		UpstreamTimeout:     5 * time.Second,
		PlatformCredentials: map[string]string{"simulator": ""},
		LogSink:             make(chan *types.RequestLog, 8),
		SettlementLog:       make(chan *StreamSettlement, 8),
	}
}

func must(v *vault.Vault, err error) *vault.Vault {
	if err != nil {
		panic(err)
	}
	return v
}

func TestAuthStage_Success(t *testing.T) {
	pm := setupTestDB(t)
	raw, tenant, key := seedTenantAndKey(t, pm, 10)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{RawBearer: raw}
	rc = NewAuthStage(deps).Run(context.Background(), rc)

	require.Nil(t, rc.Err)
	assert.Equal(t, key.ID, rc.ApiKeyID)
	assert.Equal(t, tenant.ID, rc.TenantID)
	assert.Equal(t, key.UserID, rc.UserID)
}

func TestAuthStage_InvalidKey(t *testing.T) {
	pm := setupTestDB(t)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{RawBearer: "sk-or-v1-doesnotexist"}
	rc = NewAuthStage(deps).Run(context.Background(), rc)

	require.NotNil(t, rc.Err)
	assert.Equal(t, types.ErrInvalidKey, rc.Err.Code)
	assert.Equal(t, 403, rc.Err.HTTPStatus)
	assert.False(t, rc.Err.Logged)
}

func TestAuthStage_InsufficientCredits(t *testing.T) {
	pm := setupTestDB(t)
	raw, _, _ := seedTenantAndKey(t, pm, 0)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{RawBearer: raw}
	rc = NewAuthStage(deps).Run(context.Background(), rc)

	require.NotNil(t, rc.Err)
	assert.Equal(t, types.ErrInsufficientCredits, rc.Err.Code)
	assert.True(t, rc.Err.Logged)
	// identity must still be attached so the log stage can attribute it.
	assert.NotZero(t, rc.TenantID)
	assert.NotZero(t, rc.ApiKeyID)
}

func TestAuthStage_DisabledKeyRejected(t *testing.T) {
	pm := setupTestDB(t)
	raw, _, key := seedTenantAndKey(t, pm, 10)
	require.NoError(t, pm.DB().Model(&types.ApiKey{}).Where("id = ?", key.ID).Update("disabled", true).Error)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{RawBearer: raw}
	rc = NewAuthStage(deps).Run(context.Background(), rc)

	require.NotNil(t, rc.Err)
	assert.Equal(t, types.ErrInvalidKey, rc.Err.Code)
}

func TestCacheLookupStage_SkipsOnFailure(t *testing.T) {
	pm := setupTestDB(t)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{Err: types.NewError(types.ErrInvalidKey, "x")}
	out := NewCacheLookupStage(deps).Run(context.Background(), rc)
	assert.False(t, out.IsCached)
}

func TestCacheLookupStage_HitAndMiss(t *testing.T) {
	pm := setupTestDB(t)
	deps := newTestDeps(t, pm)
	deps.Cache = &fakeCache{entries: map[string]cache.Entry{"hello": {ResponseContent: "cached reply"}}}

	rc := &types.RequestContext{Messages: []types.ChatMessage{{Role: "user", Content: "hello"}}}
	rc = NewCacheLookupStage(deps).Run(context.Background(), rc)
	assert.True(t, rc.IsCached)
	assert.Equal(t, "cached reply", rc.ResponseContent)

	miss := &types.RequestContext{Messages: []types.ChatMessage{{Role: "user", Content: "nope"}}}
	miss = NewCacheLookupStage(deps).Run(context.Background(), miss)
	assert.False(t, miss.IsCached)
}

func TestRouteStage_ModelUnsupported(t *testing.T) {
	pm := setupTestDB(t)
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{ModelSlug: "does-not-exist"}
	rc = NewRouteStage(deps).Run(context.Background(), rc)

	require.NotNil(t, rc.Err)
	assert.Equal(t, types.ErrModelUnsupported, rc.Err.Code)
}

func TestRouteStage_PicksCheapestMapping(t *testing.T) {
	pm := setupTestDB(t)
	db := pm.DB()
	deps := newTestDeps(t, pm)

	model := &types.Model{Slug: "gpt-test"}
	require.NoError(t, db.Create(model).Error)

	expensive := &types.Provider{Name: "OpenAI", BaseURL: "https://api.openai.com"}
	cheap := &types.Provider{Name: "Groq", BaseURL: "https://api.groq.com/openai"}
	require.NoError(t, db.Create(expensive).Error)
	require.NoError(t, db.Create(cheap).Error)

	require.NoError(t, db.Create(&types.ModelProviderMapping{ModelID: model.ID, ProviderID: expensive.ID, InputCost: 10, OutputCost: 30}).Error)
	require.NoError(t, db.Create(&types.ModelProviderMapping{ModelID: model.ID, ProviderID: cheap.ID, InputCost: 0.1, OutputCost: 0.1}).Error)

	rc := &types.RequestContext{ModelSlug: "gpt-test"}
	rc = NewRouteStage(deps).Run(context.Background(), rc)

	require.Nil(t, rc.Err)
	assert.Equal(t, "groq", rc.ProviderName)
	assert.Equal(t, "https://api.groq.com/openai", rc.BaseURL)
}

func TestBillingStage_SettlesAndLocksInOrder(t *testing.T) {
	pm := setupTestDB(t)
	raw, tenant, key := seedTenantAndKey(t, pm, 100)
	_ = raw
	deps := newTestDeps(t, pm)

	rc := &types.RequestContext{
		TenantID:   tenant.ID,
		ApiKeyID:   key.ID,
		Usage:      types.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000},
		InputCost:  1,
		OutputCost: 2,
	}
	rc = NewBillingStage(deps).Run(context.Background(), rc)

	require.Nil(t, rc.Err)
	assert.InDelta(t, 2.0, rc.Cost, 1e-9) // (1e6*1 + 5e5*2) / 1e6

	var updatedTenant types.Tenant
	require.NoError(t, pm.DB().First(&updatedTenant, tenant.ID).Error)
	assert.InDelta(t, 98.0, updatedTenant.Credits, 1e-9)

	var updatedKey types.ApiKey
	require.NoError(t, pm.DB().First(&updatedKey, key.ID).Error)
	assert.InDelta(t, 2.0, updatedKey.CreditsConsumed, 1e-9)
	assert.NotNil(t, updatedKey.LastUsed)
}

func TestBillingStage_SkipsOnCacheHitOrFailure(t *testing.T) {
	pm := setupTestDB(t)
	raw, tenant, key := seedTenantAndKey(t, pm, 100)
	_ = raw
	deps := newTestDeps(t, pm)

	cached := &types.RequestContext{TenantID: tenant.ID, ApiKeyID: key.ID, IsCached: true}
	cached = NewBillingStage(deps).Run(context.Background(), cached)
	assert.Zero(t, cached.Cost)

	failed := &types.RequestContext{TenantID: tenant.ID, ApiKeyID: key.ID, Err: types.NewError(types.ErrUpstreamError, "x")}
	failed = NewBillingStage(deps).Run(context.Background(), failed)
	assert.Zero(t, failed.Cost)

	var unchanged types.Tenant
	require.NoError(t, pm.DB().First(&unchanged, tenant.ID).Error)
	assert.Equal(t, 100.0, unchanged.Credits)
}

func TestEngine_RunsStagesInOrder(t *testing.T) {
	var order []string
	record := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(_ context.Context, rc *types.RequestContext) *types.RequestContext {
			order = append(order, name)
			return rc
		}}
	}
	engine := NewEngine(zap.NewNop(), nil, record("a"), record("b"), record("log"))
	engine.Run(context.Background(), &types.RequestContext{})
	assert.Equal(t, []string{"a", "b", "log"}, order)
}

func TestStreamBillingWrapper_ReleaseRunsExactlyOnce(t *testing.T) {
	pm := setupTestDB(t)
	_, tenant, key := seedTenantAndKey(t, pm, 100)
	deps := newTestDeps(t, pm)

	usage := types.Usage{PromptTokens: 1_000_000, CompletionTokens: 0}
	chunks := make(chan types.StreamChunk, 1)
	chunks <- types.StreamChunk{Usage: &usage}
	close(chunks)

	rc := &types.RequestContext{RequestID: "req-1", TenantID: tenant.ID, ApiKeyID: key.ID, InputCost: 3, OutputCost: 0}
	wrapper := NewStreamBillingWrapper(chunks, deps, rc)

	ctx := context.Background()
	chunk, ok := wrapper.Next(ctx)
	require.True(t, ok)
	assert.NotNil(t, chunk.Usage)

	_, ok = wrapper.Next(ctx) // channel closed: triggers release
	assert.False(t, ok)

	wrapper.Close() // must be a no-op second release

	select {
	case settlement := <-deps.SettlementLog:
		assert.Equal(t, "req-1", settlement.RequestID)
		assert.InDelta(t, 3.0, settlement.CostUSD, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("expected a settlement to be dispatched")
	}

	var updatedTenant types.Tenant
	require.NoError(t, pm.DB().First(&updatedTenant, tenant.ID).Error)
	assert.InDelta(t, 97.0, updatedTenant.Credits, 1e-9)
}

type fakeCache struct {
	entries map[string]cache.Entry
}

func (f *fakeCache) Get(_ context.Context, lastMessage string) (cache.Entry, bool) {
	e, ok := f.entries[lastMessage]
	return e, ok
}

func (f *fakeCache) Set(_ context.Context, lastMessage string, entry cache.Entry) {
	f.entries[lastMessage] = entry
}
