package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bhandras/delight/hub/internal/api/middleware"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	engine *syncengine.Engine
}

func NewSessionHandler(engine *syncengine.Engine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// CreateSessionRequest represents the request to find or create a session
type CreateSessionRequest struct {
	Tag        string            `json:"tag"`
	Metadata   json.RawMessage   `json:"metadata"`
	AgentState *store.AgentState `json:"agentState"`
}

// UpdateMetadataRequest is the body of a metadata compare-and-swap.
type UpdateMetadataRequest struct {
	Metadata        json.RawMessage `json:"metadata"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// UpdateAgentStateRequest is the body of an agent state compare-and-swap.
type UpdateAgentStateRequest struct {
	AgentState      *store.AgentState `json:"agentState"`
	ExpectedVersion int64             `json:"expectedVersion"`
}

// AliveRequest is the body of a session keep-alive.
type AliveRequest struct {
	Thinking bool `json:"thinking"`
}

// AddMessageRequest is the body of a message append.
type AddMessageRequest struct {
	Content json.RawMessage `json:"content" binding:"required"`
	LocalID *string         `json:"localId"`
}

// MergeRequest names the session that absorbs the path session.
type MergeRequest struct {
	Into string `json:"into" binding:"required"`
}

// access resolves the :id session for the caller, answering with the mapped
// status on failure.
func (h *SessionHandler) access(c *gin.Context) (store.Session, string, bool) {
	ns, _ := middleware.GetNamespace(c)
	res, err := h.engine.ResolveSessionAccess(c.Request.Context(), c.Param("id"), ns)
	if err != nil {
		writeStoreError(c, "session", err)
		return store.Session{}, "", false
	}
	if !res.OK {
		c.JSON(AccessStatus(res.Reason), types.ErrorResponse{Error: string(res.Reason)})
		return store.Session{}, "", false
	}
	return res.Session, ns, true
}

// ListSessions handles GET /v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	sessions, err := h.engine.GetSessionsByNamespace(c.Request.Context(), ns)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// CreateSession handles POST /v1/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}

	s, created, err := h.engine.GetOrCreateSession(c.Request.Context(), req.Tag, req.Metadata, req.AgentState, ns)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"session": s, "created": created})
}

// GetSession handles GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, _, ok := h.access(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// DeleteSession handles DELETE /v1/sessions/:id
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteSession(c.Request.Context(), s.ID, ns); err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}

// UpdateMetadata handles POST /v1/sessions/:id/metadata
func (h *SessionHandler) UpdateMetadata(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}
	res, err := h.engine.UpdateSessionMetadata(c.Request.Context(), s.ID, req.Metadata, req.ExpectedVersion, ns)
	writeUpdateResult(c, "session", res, err)
}

// UpdateAgentState handles POST /v1/sessions/:id/state
func (h *SessionHandler) UpdateAgentState(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	var req UpdateAgentStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}
	res, err := h.engine.UpdateSessionAgentState(c.Request.Context(), s.ID, req.AgentState, req.ExpectedVersion, ns)
	writeUpdateResult(c, "session", res, err)
}

// Alive handles POST /v1/sessions/:id/alive
func (h *SessionHandler) Alive(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	var req AliveRequest
	// An empty body means "alive, not thinking".
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
			return
		}
	}
	updated, err := h.engine.SessionAlive(c.Request.Context(), s.ID, ns, req.Thinking)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": updated})
}

// End handles POST /v1/sessions/:id/end
func (h *SessionHandler) End(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	updated, err := h.engine.SessionEnd(c.Request.Context(), s.ID, ns)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": updated})
}

// GetSessionMessages handles GET /v1/sessions/:id/messages
func (h *SessionHandler) GetSessionMessages(c *gin.Context) {
	s, _, ok := h.access(c)
	if !ok {
		return
	}

	var before *int64
	if raw := c.Query("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid before"})
			return
		}
		before = &v
	}

	messages, err := h.engine.GetMessages(c.Request.Context(), s.ID, queryLimit(c), before)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(messages)})
}

// GetSessionMessagesAfter handles GET /v1/sessions/:id/messages/after
func (h *SessionHandler) GetSessionMessagesAfter(c *gin.Context) {
	s, _, ok := h.access(c)
	if !ok {
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("seq", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid seq"})
		return
	}

	messages, err := h.engine.GetMessagesAfter(c.Request.Context(), s.ID, after, queryLimit(c))
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(messages)})
}

// AddMessage handles POST /v1/sessions/:id/messages
func (h *SessionHandler) AddMessage(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}

	msg, inserted, err := h.engine.AddMessage(c.Request.Context(), s.ID, ns, req.Content, req.LocalID)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"message": msg})
}

// Merge handles POST /v1/sessions/:id/merge
func (h *SessionHandler) Merge(c *gin.Context) {
	s, ns, ok := h.access(c)
	if !ok {
		return
	}
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}

	moved, err := h.engine.MergeSessions(c.Request.Context(), s.ID, req.Into, ns)
	if err != nil {
		writeStoreError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved": moved, "into": req.Into})
}

// queryLimit parses ?limit=, leaving clamping to the store.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
