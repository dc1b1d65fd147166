package handlers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/himudigonda/inferencegateway/types"
)

// AdminAPIKeyHandler performs simple CRUD against already-seeded
// Tenant/User/ApiKey rows. It does no catalog or tenant provisioning —
// that belongs to the out-of-scope control-plane service (SPEC_FULL.md §1).
type AdminAPIKeyHandler struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAdminAPIKeyHandler creates an AdminAPIKeyHandler.
func NewAdminAPIKeyHandler(db *gorm.DB, logger *zap.Logger) *AdminAPIKeyHandler {
	return &AdminAPIKeyHandler{db: db, logger: logger}
}

// apiKeyResponse is the masked, client-facing projection of a types.ApiKey:
// the bearer value itself is never returned once minted.
type apiKeyResponse struct {
	ID              uint    `json:"id"`
	UserID          uint    `json:"user_id"`
	TenantID        uint    `json:"tenant_id"`
	Name            string  `json:"name"`
	KeyPrefix       string  `json:"key_prefix"`
	Disabled        bool    `json:"disabled"`
	CreditsConsumed float64 `json:"credits_consumed"`
}

func toAPIKeyResponse(k types.ApiKey) apiKeyResponse {
	return apiKeyResponse{
		ID:              k.ID,
		UserID:          k.UserID,
		TenantID:        k.TenantID,
		Name:            k.Name,
		KeyPrefix:       k.KeyPrefix,
		Disabled:        k.Disabled,
		CreditsConsumed: k.CreditsConsumed,
	}
}

// extractKeyID pulls the trailing {id} path segment, Go 1.22+ PathValue
// first, falling back to manual parsing for older mux registrations.
func extractKeyID(r *http.Request) (uint, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 4 {
			return 0, false
		}
		idStr = parts[3]
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// HandleCollection routes GET (list) and POST (create) on
// /v1/admin/api-keys.
func (h *AdminAPIKeyHandler) HandleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleItem routes DELETE (revoke) on /v1/admin/api-keys/{id}.
func (h *AdminAPIKeyHandler) HandleItem(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodDelete:
		h.revoke(w, r)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// list returns every non-deleted API key (masked) across every tenant.
func (h *AdminAPIKeyHandler) list(w http.ResponseWriter, r *http.Request) {
	var keys []types.ApiKey
	if err := h.db.WithContext(r.Context()).Where("deleted = ?", false).Order("id ASC").Find(&keys).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to list API keys", h.logger)
		return
	}

	resp := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toAPIKeyResponse(k))
	}
	WriteSuccess(w, resp)
}

type createAPIKeyRequest struct {
	UserID   uint   `json:"user_id"`
	TenantID uint   `json:"tenant_id"`
	Name     string `json:"name"`
}

type createAPIKeyResponse struct {
	apiKeyResponse
	Key string `json:"key"`
}

// create mints a new bearer token, persists its SHA-256 hash, and returns the
// plaintext key exactly once — the same "show-once" contract the auth stage
// assumes by only ever storing KeyHash (pipeline/auth.go).
func (h *AdminAPIKeyHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid request body", h.logger)
		return
	}
	if req.UserID == 0 || req.TenantID == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user_id and tenant_id are required", h.logger)
		return
	}

	raw, err := newBearerToken()
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to generate API key", h.logger)
		return
	}
	sum := sha256.Sum256([]byte(raw))

	key := types.ApiKey{
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		Name:      req.Name,
		KeyHash:   hex.EncodeToString(sum[:]),
		KeyPrefix: raw[:8],
	}
	if err := h.db.WithContext(r.Context()).Create(&key).Error; err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to create API key", h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success: true,
		Data: createAPIKeyResponse{
			apiKeyResponse: toAPIKeyResponse(key),
			Key:            raw,
		},
	})
}

// revoke marks an API key disabled; it does not hard-delete the row, so
// historical RequestLog/EvaluationPair rows keyed by ApiKeyID remain valid.
func (h *AdminAPIKeyHandler) revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := extractKeyID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid API key ID", h.logger)
		return
	}

	result := h.db.WithContext(r.Context()).Model(&types.ApiKey{}).Where("id = ?", id).Update("disabled", true)
	if result.Error != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to revoke API key", h.logger)
		return
	}
	if result.RowsAffected == 0 {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrInvalidRequest, "API key not found", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"message": "API key revoked"})
}

// newBearerToken mints a 32-byte random token, hex-encoded, matching the
// opaque bearer format the chat endpoint's auth stage expects.
func newBearerToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
