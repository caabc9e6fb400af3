package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/pkg/ingest"
)

// PolicyRequest is the body of POST /sessions/:id/conflicts/apply.
type PolicyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

// ResolveRequest is the body of POST /conflicts/:id/resolve.
type ResolveRequest struct {
	Note string `json:"note"`
}

// HandleCreateFact handles POST /api/v1/sessions/:id/facts.
func (h *Handlers) HandleCreateFact(c *gin.Context) {
	var in store.FactInput
	if !bind(c, &in) {
		return
	}
	in.SessionID = c.Param("id")
	ctx := c.Request.Context()
	id, err := h.store().CreateFact(ctx, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.store().GetFact(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

// HandleQueryFacts handles
// GET /api/v1/sessions/:id/facts?entity=&attribute=&minConfidence=&valueType=&limit=.
func (h *Handlers) HandleQueryFacts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	q := store.FactQuery{
		SessionID: c.Param("id"),
		Entity:    c.Query("entity"),
		Attribute: c.Query("attribute"),
		ValueType: store.ValueType(c.Query("valueType")),
		Limit:     limit,
	}
	if raw := c.Query("minConfidence"); raw != "" {
		conf, err := store.ParseConfidence(raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		q.MinConfidence = conf
	}
	facts, err := h.store().QueryFacts(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts})
}

// HandleImportFacts handles POST /api/v1/sessions/:id/facts/import. The
// body is an agent's raw output: a JSON fact array, possibly fenced or
// truncated.
func (h *Handlers) HandleImportFacts(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.fail(c, err)
		return
	}
	items, err := ingest.ParseFacts(string(raw))
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.store().ImportFacts(c.Request.Context(), c.Param("id"), items)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleFactStatistics handles GET /api/v1/sessions/:id/facts/statistics.
// format=markdown renders the table for a report.
func (h *Handlers) HandleFactStatistics(c *gin.Context) {
	ctx := c.Request.Context()
	st := h.store()
	table, err := st.StatisticsTable(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if c.Query("format") != "markdown" {
		c.JSON(http.StatusOK, table)
		return
	}
	unresolved := false
	open, err := st.ListConflicts(ctx, c.Param("id"), &unresolved)
	if err != nil {
		h.fail(c, err)
		return
	}
	md := store.RenderStatisticsMarkdown(table, open, h.db.Now())
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
}

// HandleGetFact handles GET /api/v1/facts/:id.
func (h *Handlers) HandleGetFact(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	f, err := h.store().GetFact(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if f == nil {
		notFound(c, "fact")
		return
	}
	c.JSON(http.StatusOK, f)
}

// HandleAddSource handles POST /api/v1/facts/:id/sources.
func (h *Handlers) HandleAddSource(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	var src store.Source
	if !bind(c, &src) {
		return
	}
	added, err := h.store().AddSource(c.Request.Context(), id, src)
	if err != nil {
		h.fail(c, err)
		return
	}
	created(c, added, gin.H{"added": added})
}

// HandleDetectConflicts handles POST /api/v1/sessions/:id/conflicts/detect.
func (h *Handlers) HandleDetectConflicts(c *gin.Context) {
	list, err := h.store().DetectConflicts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": list})
}

// HandleApplyPolicy handles POST /api/v1/sessions/:id/conflicts/apply.
func (h *Handlers) HandleApplyPolicy(c *gin.Context) {
	var req PolicyRequest
	if !bind(c, &req) {
		return
	}
	policy, err := store.ParseConflictPolicy(req.Policy)
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := h.store().ApplyConflictPolicy(c.Request.Context(), c.Param("id"), policy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": n, "policy": policy})
}

// HandleListConflicts handles GET /api/v1/sessions/:id/conflicts?resolved=.
func (h *Handlers) HandleListConflicts(c *gin.Context) {
	var resolved *bool
	if raw := c.Query("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "resolved must be a boolean", Code: "INVALID_REQUEST"})
			return
		}
		resolved = &v
	}
	list, err := h.store().ListConflicts(c.Request.Context(), c.Param("id"), resolved)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": list})
}

// HandleGetConflict handles GET /api/v1/conflicts/:id.
func (h *Handlers) HandleGetConflict(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	cf, err := h.store().GetConflict(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cf == nil {
		notFound(c, "conflict")
		return
	}
	c.JSON(http.StatusOK, cf)
}

// HandleResolveConflict handles POST /api/v1/conflicts/:id/resolve.
func (h *Handlers) HandleResolveConflict(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	done, err := h.store().ResolveConflict(c.Request.Context(), id, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !done {
		notFound(c, "conflict")
		return
	}
	h.HandleGetConflict(c)
}
