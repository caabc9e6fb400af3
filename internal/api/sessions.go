package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kittclouds/researchstate/internal/store"
)

// StatusRequest moves a session or agent to a new status.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
	Error  string `json:"error,omitempty"`
}

// HandleCreateSession handles POST /api/v1/sessions.
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	var sess store.Session
	if !bind(c, &sess) {
		return
	}
	if err := h.store().CreateSession(c.Request.Context(), &sess); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// HandleListSessions handles GET /api/v1/sessions?status=&limit=.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	list, err := h.store().ListSessions(c.Request.Context(), store.SessionStatus(c.Query("status")), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// HandleGetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	sess, err := h.store().GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if sess == nil {
		notFound(c, "session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// HandleUpdateSession handles PATCH /api/v1/sessions/:id.
func (h *Handlers) HandleUpdateSession(c *gin.Context) {
	var patch store.SessionPatch
	if !bind(c, &patch) {
		return
	}
	ctx := c.Request.Context()
	ok, err := h.store().UpdateSession(ctx, c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "session")
		return
	}
	h.HandleGetSession(c)
}

// HandleSessionStatus handles PUT /api/v1/sessions/:id/status.
func (h *Handlers) HandleSessionStatus(c *gin.Context) {
	var req StatusRequest
	if !bind(c, &req) {
		return
	}
	status, err := store.ParseSessionStatus(req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok, err := h.store().UpdateSessionStatus(c.Request.Context(), c.Param("id"), status, req.Error)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "session")
		return
	}
	h.HandleGetSession(c)
}

// HandleDeleteSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	ok, err := h.store().DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "session")
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSessionStatistics handles GET /api/v1/sessions/:id/statistics.
func (h *Handlers) HandleSessionStatistics(c *gin.Context) {
	st, err := h.store().SessionStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleExportSession handles GET /api/v1/sessions/:id/export.
func (h *Handlers) HandleExportSession(c *gin.Context) {
	dump, err := h.store().ExportSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dump)
}

// HandleRegisterAgent handles POST /api/v1/sessions/:id/agents.
func (h *Handlers) HandleRegisterAgent(c *gin.Context) {
	var a store.Agent
	if !bind(c, &a) {
		return
	}
	a.SessionID = c.Param("id")
	isNew, err := h.store().RegisterAgent(c.Request.Context(), &a)
	if err != nil {
		h.fail(c, err)
		return
	}
	created(c, isNew, gin.H{"id": a.ID, "created": isNew})
}

// HandleListAgents handles GET /api/v1/sessions/:id/agents?status=.
func (h *Handlers) HandleListAgents(c *gin.Context) {
	var status store.AgentStatus
	if raw := c.Query("status"); raw != "" {
		st, err := store.ParseAgentStatus(raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		status = st
	}
	list, err := h.store().ListAgents(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

// HandleAgentStatistics handles GET /api/v1/sessions/:id/agents/statistics.
func (h *Handlers) HandleAgentStatistics(c *gin.Context) {
	st, err := h.store().AgentStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": st, "successRate": st.SuccessRate()})
}

// HandleGetAgent handles GET /api/v1/agents/:id.
func (h *Handlers) HandleGetAgent(c *gin.Context) {
	a, err := h.store().GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if a == nil {
		notFound(c, "agent")
		return
	}
	c.JSON(http.StatusOK, a)
}

// HandleUpdateAgent handles PATCH /api/v1/agents/:id.
func (h *Handlers) HandleUpdateAgent(c *gin.Context) {
	var patch store.AgentPatch
	if !bind(c, &patch) {
		return
	}
	ok, err := h.store().UpdateAgent(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "agent")
		return
	}
	h.HandleGetAgent(c)
}

// HandleAgentStatus handles PUT /api/v1/agents/:id/status.
func (h *Handlers) HandleAgentStatus(c *gin.Context) {
	var req StatusRequest
	if !bind(c, &req) {
		return
	}
	status, err := store.ParseAgentStatus(req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok, err := h.store().UpdateAgentStatus(c.Request.Context(), c.Param("id"), status, req.Error)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "agent")
		return
	}
	h.HandleGetAgent(c)
}

// HandleHeartbeat handles POST /api/v1/agents/:id/heartbeat. Terminal or
// unknown agents answer 404.
func (h *Handlers) HandleHeartbeat(c *gin.Context) {
	ok, err := h.store().Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "live agent")
		return
	}
	c.Status(http.StatusNoContent)
}
