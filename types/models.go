package types

import "time"

// Tenant owns a shared credit balance across its Users and ApiKeys. Credits
// are decremented only under the billing stage's row-level lock; no other
// code path mutates this column.
type Tenant struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	DisplayName string    `gorm:"size:200;not null" json:"display_name"`
	Credits     float64   `gorm:"type:decimal(14,6);not null;default:0" json:"credits"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Tenant) TableName() string { return "gw_tenants" }

// User is a principal bound to exactly one Tenant.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"size:320;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:200;not null" json:"-"`
	TenantID     uint      `gorm:"not null;index" json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

func (User) TableName() string { return "gw_users" }

// ApiKey is a bearer credential. The raw key is never persisted — only its
// SHA-256 hash, under a unique index.
type ApiKey struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;index" json:"user_id"`
	TenantID         uint       `gorm:"not null;index" json:"tenant_id"`
	Name             string     `gorm:"size:200" json:"name"`
	KeyHash          string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	KeyPrefix        string     `gorm:"size:16;not null" json:"key_prefix"`
	Disabled         bool       `gorm:"default:false" json:"disabled"`
	Deleted          bool       `gorm:"default:false" json:"deleted"`
	CreditsConsumed  float64    `gorm:"type:decimal(14,6);not null;default:0" json:"credits_consumed"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	User   *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

func (ApiKey) TableName() string { return "gw_api_keys" }

// TenantProviderCredential is a tenant-supplied upstream API key, encrypted
// at rest. At most one row per (user, provider).
type TenantProviderCredential struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index:idx_user_provider,unique" json:"user_id"`
	Provider    string    `gorm:"size:100;not null;index:idx_user_provider,unique" json:"provider"`
	Ciphertext  string    `gorm:"type:text;not null" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (TenantProviderCredential) TableName() string { return "gw_tenant_provider_credentials" }

// Provider is an upstream API surface (OpenAI, Anthropic, Google AI, Groq,
// Mistral, Perplexity, xAI, DeepSeek, Bedrock, Ollama, …).
type Provider struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:200;not null;uniqueIndex" json:"name"`
	BaseURL   string    `gorm:"size:500" json:"base_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Provider) TableName() string { return "gw_providers" }

// Model is a catalog entry. Slug is the sole routing key a client may name.
type Model struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Slug          string    `gorm:"size:200;not null;uniqueIndex" json:"slug"`
	DisplayName   string    `gorm:"size:200" json:"display_name"`
	CompanyName   string    `gorm:"size:200" json:"company_name"`
	ContextLength int       `gorm:"default:0" json:"context_length"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Model) TableName() string { return "gw_models" }

// ModelProviderMapping edges a Model to a Provider with pricing. A model
// may have >=1 mapping; route selects one, fallback selects the next-best
// by ascending total unit cost.
type ModelProviderMapping struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	ModelID    uint    `gorm:"not null;index:idx_model_provider" json:"model_id"`
	ProviderID uint    `gorm:"not null;index:idx_model_provider" json:"provider_id"`
	InputCost  float64 `gorm:"type:decimal(10,6);not null;default:0" json:"input_cost"`  // USD / 1M prompt tokens
	OutputCost float64 `gorm:"type:decimal(10,6);not null;default:0" json:"output_cost"` // USD / 1M completion tokens

	Model    *Model    `gorm:"foreignKey:ModelID" json:"model,omitempty"`
	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

func (ModelProviderMapping) TableName() string { return "gw_model_provider_mappings" }

// RequestLog is an append-only telemetry row. For streamed responses, token
// counts and cost may be zero at insert time and are updated in place once
// the stream-billing wrapper's release path settles (resolves the dual-write
// open question: update-in-place keyed by RequestID, not a second row).
type RequestLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RequestID        string    `gorm:"size:64;uniqueIndex" json:"request_id"`
	UserID           uint      `gorm:"index" json:"user_id"`
	TenantID         uint      `gorm:"index" json:"tenant_id"`
	ApiKeyID         uint      `gorm:"index" json:"api_key_id"`
	ModelSlug        string    `gorm:"size:200" json:"model_slug"`
	ProviderName     string    `gorm:"size:100" json:"provider_name"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `gorm:"type:decimal(14,6);default:0" json:"cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	IsCached         bool      `gorm:"default:false" json:"is_cached"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (RequestLog) TableName() string { return "gw_request_logs" }

// EvaluationPair is the shadow-mode output: the prompt alongside both the
// primary and shadow model's response, for offline quality comparison.
type EvaluationPair struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	RequestID         string    `gorm:"size:64;index" json:"request_id"`
	PromptDigest      string    `gorm:"size:64" json:"prompt_digest"`
	PrimaryModel      string    `gorm:"size:200" json:"primary_model"`
	PrimaryResponse   string    `gorm:"type:text" json:"primary_response"`
	ShadowModel       string    `gorm:"size:200" json:"shadow_model"`
	ShadowResponse    string    `gorm:"type:text" json:"shadow_response"`
	ShadowError       string    `gorm:"type:text" json:"shadow_error,omitempty"`
	UserPreference    string    `gorm:"size:20" json:"user_preference,omitempty"` // "primary" | "shadow" | ""
	CreatedAt         time.Time `json:"created_at"`
}

func (EvaluationPair) TableName() string { return "gw_evaluation_pairs" }

// AllModels returns every GORM model the gateway's schema owns, for
// AutoMigrate.
func AllModels() []any {
	return []any{
		&Tenant{},
		&User{},
		&ApiKey{},
		&TenantProviderCredential{},
		&Provider{},
		&Model{},
		&ModelProviderMapping{},
		&RequestLog{},
		&EvaluationPair{},
	}
}
