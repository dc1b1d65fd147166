package types

import (
	"context"
	"time"
)

// RequestContext is the pipeline's transient, by-value per-request state.
// Stages receive a pointer to it and return it, possibly mutated, for the
// engine to hand to the next stage; there is no separate merge step. It never
// holds a long-lived handle into the persistent store across suspension
// points — only identifiers, unit costs, and opaque key material.
type RequestContext struct {
	// RequestID is the idempotency key for the stream-billing wrapper's
	// release path and for RequestLog correlation.
	RequestID string
	StartTime time.Time

	// Populated by auth.
	RawBearer  string
	UserID     uint
	ApiKeyID   uint
	TenantID   uint
	CreditsPre float64

	// Client request.
	ModelSlug string
	Messages  []ChatMessage
	Stream    bool

	// Populated by cache_lookup.
	IsCached bool

	// Populated by route.
	ProviderName string // canonical protocol-family identifier, e.g. "gemini"
	ProviderSlug string // display name as stored in the catalog
	BaseURL      string
	MappingID    uint
	InputCost    float64 // USD per 1M prompt tokens
	OutputCost   float64 // USD per 1M completion tokens
	UpstreamKey  string  // plaintext tenant-owned key, if any; empty uses platform key

	// Populated by llm / fallback.
	ResponseContent string
	Usage           Usage
	StreamChunks    <-chan StreamChunk
	ShadowResult    *ShadowResult

	// Populated by billing.
	Cost float64

	// Terminal error, if any. Once set, all subsequent non-terminal stages
	// pass the context through unchanged, except log.
	Err *Error

	// HTTP status and latency, filled in at the surface / by init+log.
	StatusCode int
	LatencyMS  int64
}

// ShadowResult records the outcome of a concurrent shadow-mode upstream
// call. Shadow failure never fails the request; it is recorded as a string.
type ShadowResult struct {
	Model           string
	ResponseContent string
	Usage           Usage
	Err             string
}

// Elapsed returns the latency since StartTime.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// Failed reports whether a terminal error has been set.
func (rc *RequestContext) Failed() bool {
	return rc.Err != nil
}

// --- Ambient admin-surface identity context keys -------------------------
//
// These are unrelated to RequestContext above: they carry JWT-derived
// identity for the ambient /v1/admin/* surface only. The pipeline's own
// auth stage establishes identity for /v1/chat/completions independently.

type ctxKey int

const (
	ctxTenantID ctxKey = iota
	ctxUserID
	ctxRoles
)

// WithTenantID returns a context carrying the given tenant ID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantID, tenantID)
}

// TenantID extracts the tenant ID set by WithTenantID.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxTenantID).(string)
	return v, ok
}

// WithUserID returns a context carrying the given user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserID extracts the user ID set by WithUserID.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxUserID).(string)
	return v, ok
}

// WithRoles returns a context carrying the given role list.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, ctxRoles, roles)
}

// Roles extracts the role list set by WithRoles.
func Roles(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(ctxRoles).([]string)
	return v, ok
}
