package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/pipeline"
	"github.com/himudigonda/inferencegateway/types"
)

// ChatHandler serves POST /v1/chat/completions by driving the request
// through the pipeline engine and rendering either a single JSON response
// or a Server-Sent-Events stream, per the component design's §4.11 surface.
// Unlike the admin surface's Response envelope, chat errors are the flat
// {"detail": "..."} body the original implementation returns.
type ChatHandler struct {
	engine *pipeline.Engine
	deps   *pipeline.Dependencies
	logger *zap.Logger
}

// NewChatHandler builds a ChatHandler driving engine with deps.
func NewChatHandler(engine *pipeline.Engine, deps *pipeline.Dependencies, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, deps: deps, logger: logger}
}

// HandleCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	bearer, ok := bearerToken(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	var req types.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	rc := &types.RequestContext{
		RequestID: requestIDOrNew(w),
		RawBearer: bearer,
		ModelSlug: req.Model,
		Messages:  req.Messages,
		Stream:    req.Stream,
	}

	rc = h.engine.Run(r.Context(), rc)

	if rc.Stream && !rc.Failed() {
		h.streamResponse(w, r, rc)
		return
	}

	if rc.Failed() {
		writeDetail(w, rc.Err.HTTPStatus, rc.Err.Message)
		return
	}

	resp := types.NewChatCompletionResponse(rc.RequestID, rc.ModelSlug, rc.ResponseContent, rc.Usage)
	WriteJSON(w, http.StatusOK, resp)
}

// streamResponse renders rc.StreamChunks as an SSE response, wrapping it in
// a StreamBillingWrapper so that settlement runs exactly once whether the
// stream exhausts normally or the client disconnects mid-flight.
func (h *ChatHandler) streamResponse(w http.ResponseWriter, r *http.Request, rc *types.RequestContext) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	wrapper := pipeline.NewStreamBillingWrapper(rc.StreamChunks, h.deps, rc)
	defer wrapper.Close()

	ctx := r.Context()
	for {
		chunk, ok := wrapper.Next(ctx)
		if !ok {
			break
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("failed to marshal stream chunk", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeDetail writes the flat {"detail": "..."} error body the chat surface
// uses, distinct from the admin surface's Response envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, types.ErrorBody{Detail: detail})
}

// bearerToken extracts the raw token from an "Authorization: Bearer <token>"
// header. ok is false when the header is absent or not of that form.
func bearerToken(r *http.Request) (token string, ok bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// requestIDOrNew reuses an inbound/middleware-assigned X-Request-ID header
// if present, otherwise mints a fresh UUID.
func requestIDOrNew(w http.ResponseWriter) string {
	if id := w.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.NewString()
	w.Header().Set("X-Request-ID", id)
	return id
}
