package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/auth"
	"github.com/easel-ai/easel-engine/pkg/models"
	"github.com/easel-ai/easel-engine/pkg/repositories"
	"github.com/easel-ai/easel-engine/pkg/services"
	"github.com/easel-ai/easel-engine/pkg/streaming"
)

// maxRequestBody bounds request body reads.
const maxRequestBody = 1 << 20

// ArtifactHandler handles artifact CRUD and the streamed tool-backed
// create and update endpoints.
type ArtifactHandler struct {
	artifacts   services.ArtifactService
	permissions services.PermissionService
	agentRepo   repositories.AgentRepository
	logger      *zap.Logger
}

// NewArtifactHandler creates a new ArtifactHandler.
func NewArtifactHandler(artifacts services.ArtifactService, permissions services.PermissionService, agentRepo repositories.AgentRepository, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		artifacts:   artifacts,
		permissions: permissions,
		agentRepo:   agentRepo,
		logger:      logger,
	}
}

// RegisterRoutes registers the artifact routes on the given mux.
func (h *ArtifactHandler) RegisterRoutes(mux *http.ServeMux, authMW *auth.Middleware) {
	mux.HandleFunc("POST /api/artifacts", authMW.RequireAuth(h.CreateArtifact))
	mux.HandleFunc("GET /api/artifacts/{aid}", authMW.RequireAuth(h.GetArtifact))
	mux.HandleFunc("PUT /api/artifacts/{aid}", authMW.RequireAuth(h.UpdateArtifact))
	mux.HandleFunc("DELETE /api/artifacts/{aid}", authMW.RequireAuth(h.DeleteArtifact))
	mux.HandleFunc("GET /api/artifacts/{aid}/versions", authMW.RequireAuth(h.ListVersions))
	mux.HandleFunc("POST /api/artifacts/{aid}/versions", authMW.RequireAuth(h.CreateVersion))
	mux.HandleFunc("GET /api/artifacts/{aid}/versions/{ver}", authMW.RequireAuth(h.GetVersion))
}

type createArtifactRequest struct {
	Title   string         `json:"title"`
	Kind    string         `json:"kind"`
	AgentID string         `json:"agentId"`
	Args    map[string]any `json:"args"`
}

type updateArtifactRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Description string `json:"description"`
	AgentID     string `json:"agentId"`
}

type createVersionRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// versionData is the wire shape of an artifact version.
type versionData struct {
	ID        string            `json:"id"`
	Version   int               `json:"version"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func newVersionData(v *models.DocumentVersion, includeContent bool) versionData {
	data := versionData{
		ID:        v.ID.String(),
		Version:   v.Version,
		Metadata:  v.Metadata,
		CreatedAt: v.CreatedAt,
	}
	if includeContent {
		data.Content = v.Content
	}
	return data
}

// CreateArtifact handles POST /api/artifacts. The response is a server-sent
// event stream: progress frames followed by one terminal frame carrying the
// persisted artifact or an error.
func (h *ArtifactHandler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req createArtifactRequest
	if !h.readBody(w, r, "create_artifact", &req) {
		return
	}

	agentID, ok := h.resolveAgent(r.Context(), w, req.AgentID, userID)
	if !ok {
		return
	}

	createReq := services.CreateArtifactRequest{
		Title: req.Title,
		Kind:  models.DocumentKind(req.Kind),
		Args:  req.Args,
	}
	h.streamResponse(w, r, func(ctx context.Context, mux *streaming.Mux) {
		h.artifacts.CreateStream(ctx, mux, userID, agentID, createReq)
	})
}

// UpdateArtifact handles PUT /api/artifacts/{aid}. Ownership and existence
// are checked synchronously; the update itself streams.
func (h *ArtifactHandler) UpdateArtifact(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}

	var req updateArtifactRequest
	if !h.readBody(w, r, "update_artifact", &req) {
		return
	}

	agentID, ok := h.resolveAgent(r.Context(), w, req.AgentID, userID)
	if !ok {
		return
	}

	doc, _, err := h.artifacts.Get(r.Context(), id, userID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	updateReq := services.UpdateArtifactRequest{
		Title:       req.Title,
		Content:     req.Content,
		Description: req.Description,
	}
	h.streamResponse(w, r, func(ctx context.Context, mux *streaming.Mux) {
		h.artifacts.UpdateStream(ctx, mux, doc, agentID, updateReq)
	})
}

// GetArtifact handles GET /api/artifacts/{aid}.
func (h *ArtifactHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}

	doc, versions, err := h.artifacts.Get(r.Context(), id, userID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	summaries := make([]versionData, 0, len(versions))
	for _, v := range versions {
		summaries = append(summaries, newVersionData(v, false))
	}

	response := map[string]any{
		"artifact": struct {
			services.ArtifactData
			Versions []versionData `json:"versions"`
		}{
			ArtifactData: services.NewArtifactData(doc, 0),
			Versions:     summaries,
		},
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode artifact response", zap.Error(err))
	}
}

// DeleteArtifact handles DELETE /api/artifacts/{aid}. Versions are removed
// with the document.
func (h *ArtifactHandler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.artifacts.Delete(r.Context(), id, userID); err != nil {
		h.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVersions handles GET /api/artifacts/{aid}/versions.
func (h *ArtifactHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	versions, total, err := h.artifacts.ListVersions(r.Context(), id, userID, limit, offset)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	out := make([]versionData, 0, len(versions))
	for _, v := range versions {
		out = append(out, newVersionData(v, true))
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"versions": out, "total": total}); err != nil {
		h.logger.Error("Failed to encode versions response", zap.Error(err))
	}
}

// CreateVersion handles POST /api/artifacts/{aid}/versions. The new version
// also becomes the document's current content.
func (h *ArtifactHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}

	var req createVersionRequest
	if !h.readBody(w, r, "create_version", &req) {
		return
	}

	version, err := h.artifacts.CreateVersion(r.Context(), id, userID, req.Content, req.Metadata)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusCreated, map[string]any{"version": newVersionData(version, true)}); err != nil {
		h.logger.Error("Failed to encode version response", zap.Error(err))
	}
}

// GetVersion handles GET /api/artifacts/{aid}/versions/{ver}.
func (h *ArtifactHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	id, ok := ParseArtifactID(w, r, h.logger)
	if !ok {
		return
	}
	ver, ok := ParseVersionNumber(w, r, h.logger)
	if !ok {
		return
	}

	version, err := h.artifacts.GetVersion(r.Context(), id, userID, ver)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"version": newVersionData(version, true)}); err != nil {
		h.logger.Error("Failed to encode version response", zap.Error(err))
	}
}

// streamResponse runs one streamed operation over server-sent events.
// Frames flow through a mux; a client disconnect closes the mux, which
// cancels every in-flight invocation on it.
func (h *ArtifactHandler) streamResponse(w http.ResponseWriter, r *http.Request, run func(context.Context, *streaming.Mux)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("SSE not supported")
		h.writeError(w, http.StatusInternalServerError, "sse_unsupported", "SSE not supported")
		return
	}

	mux := streaming.NewMux()

	// Disconnect propagation: tearing down the mux cancels the invocations.
	go func() {
		<-r.Context().Done()
		mux.Close()
	}()

	go func() {
		run(r.Context(), mux)
		mux.Finish()
	}()

	for frame := range mux.Frames() {
		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.Error("Failed to marshal frame", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// readBody reads and schema-validates the request body into dst. On failure
// it writes a 400 and returns false.
func (h *ArtifactHandler) readBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return false
	}
	if err := validateRequestBody(schema, body, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// resolveAgent checks that the caller may act through the given agent.
// An empty id means no agent context. Returns the parsed id and whether the
// request may proceed; on denial the response has already been written.
func (h *ArtifactHandler) resolveAgent(ctx context.Context, w http.ResponseWriter, agentIDStr, userID string) (*uuid.UUID, bool) {
	if agentIDStr == "" {
		return nil, true
	}

	id, err := uuid.Parse(agentIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_agent_id", "Invalid agent ID format")
		return nil, false
	}

	agent, err := h.agentRepo.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "not_found", "Agent not found")
		} else {
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		}
		return nil, false
	}

	allowed, err := h.permissions.ResolveAgentAccess(ctx, userID, agent)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return nil, false
	}
	if !allowed {
		h.writeError(w, http.StatusForbidden, "forbidden", "Access to this agent is denied")
		return nil, false
	}
	return &id, true
}

func (h *ArtifactHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *ArtifactHandler) writeAppError(w http.ResponseWriter, err error) {
	if werr := WriteAppError(w, err); werr != nil {
		h.logger.Error("Failed to write error response", zap.Error(werr))
	}
}
