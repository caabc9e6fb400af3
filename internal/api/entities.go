package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/pkg/ingest"
)

// AliasRequest is the body of POST /aliases.
type AliasRequest struct {
	Canonical string `json:"canonical" binding:"required"`
	Alias     string `json:"alias" binding:"required"`
}

// MentionRequest is the body of POST /sessions/:id/mentions.
type MentionRequest struct {
	Text string `json:"text" binding:"required"`
}

// CooccurrenceRequest is the body of POST /sessions/:id/cooccurrences.
type CooccurrenceRequest struct {
	EntityA int64  `json:"entityA" binding:"required"`
	EntityB int64  `json:"entityB" binding:"required"`
	Snippet string `json:"snippet,omitempty"`
}

var graphContentTypes = map[store.ExportFormat]string{
	store.FormatJSON:     "application/json",
	store.FormatDOT:      "text/vnd.graphviz; charset=utf-8",
	store.FormatMarkdown: "text/markdown; charset=utf-8",
}

// HandleCreateEntity handles POST /api/v1/sessions/:id/entities. Repeat
// mentions of a known name answer 200 with the existing id.
func (h *Handlers) HandleCreateEntity(c *gin.Context) {
	var in store.EntityInput
	if !bind(c, &in) {
		return
	}
	in.SessionID = c.Param("id")
	id, isNew, err := h.store().CreateEntity(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	created(c, isNew, gin.H{"id": id, "created": isNew})
}

// HandleListEntities handles GET /api/v1/sessions/:id/entities.
func (h *Handlers) HandleListEntities(c *gin.Context) {
	list, err := h.store().ListEntities(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": list})
}

// HandleFindEntity handles GET /api/v1/sessions/:id/entities/find?name=.
// Aliases resolve to their canonical entity.
func (h *Handlers) HandleFindEntity(c *gin.Context) {
	e, err := h.store().FindEntity(c.Request.Context(), c.Param("id"), c.Query("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if e == nil {
		notFound(c, "entity")
		return
	}
	c.JSON(http.StatusOK, e)
}

// HandleImportEntities handles POST /api/v1/sessions/:id/entities/import.
// The body is an agent's raw entity/relationship output.
func (h *Handlers) HandleImportEntities(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.fail(c, err)
		return
	}
	batch, err := ingest.ParseEntities(string(raw))
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.store().ImportEntities(c.Request.Context(), c.Param("id"), batch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleCreateEdge handles POST /api/v1/sessions/:id/edges.
func (h *Handlers) HandleCreateEdge(c *gin.Context) {
	var in store.EdgeInput
	if !bind(c, &in) {
		return
	}
	in.SessionID = c.Param("id")
	id, err := h.store().CreateEdge(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// HandleListEdges handles GET /api/v1/sessions/:id/edges.
func (h *Handlers) HandleListEdges(c *gin.Context) {
	list, err := h.store().ListEdges(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": list})
}

// HandleExportGraph handles GET /api/v1/sessions/:id/graph?format=json|dot|markdown.
func (h *Handlers) HandleExportGraph(c *gin.Context) {
	format, err := store.ParseExportFormat(c.Query("format"))
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := h.store().ExportGraph(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, graphContentTypes[format], body)
}

// HandleScanMentions handles POST /api/v1/sessions/:id/mentions.
func (h *Handlers) HandleScanMentions(c *gin.Context) {
	var req MentionRequest
	if !bind(c, &req) {
		return
	}
	scan, err := h.store().ScanMentions(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

// HandleRecordCooccurrence handles POST /api/v1/sessions/:id/cooccurrences.
func (h *Handlers) HandleRecordCooccurrence(c *gin.Context) {
	var req CooccurrenceRequest
	if !bind(c, &req) {
		return
	}
	if err := h.store().RecordCooccurrence(c.Request.Context(), req.EntityA, req.EntityB, req.Snippet); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCooccurrences handles GET /api/v1/sessions/:id/cooccurrences?min=.
func (h *Handlers) HandleCooccurrences(c *gin.Context) {
	floor, ok := queryInt(c, "min", 1)
	if !ok {
		return
	}
	list, err := h.store().Cooccurrences(c.Request.Context(), c.Param("id"), floor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cooccurrences": list})
}

// HandleGetEntity handles GET /api/v1/entities/:id.
func (h *Handlers) HandleGetEntity(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	e, err := h.store().GetEntity(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if e == nil {
		notFound(c, "entity")
		return
	}
	c.JSON(http.StatusOK, e)
}

// HandleRelated handles
// GET /api/v1/entities/:id/related?relation=&direction=&depth=.
func (h *Handlers) HandleRelated(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	depth, ok := queryInt(c, "depth", 1)
	if !ok {
		return
	}
	list, err := h.store().GetRelated(c.Request.Context(), id, store.RelatedQuery{
		RelationType: c.Query("relation"),
		Direction:    store.Direction(c.Query("direction")),
		Depth:        depth,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"related": list})
}

// HandleAddAlias handles POST /api/v1/aliases.
func (h *Handlers) HandleAddAlias(c *gin.Context) {
	var req AliasRequest
	if !bind(c, &req) {
		return
	}
	added, err := h.store().AddAlias(c.Request.Context(), req.Canonical, req.Alias)
	if err != nil {
		h.fail(c, err)
		return
	}
	created(c, added, gin.H{"added": added})
}

// HandleResolveAlias handles GET /api/v1/aliases/:name. Unknown names
// resolve to themselves.
func (h *Handlers) HandleResolveAlias(c *gin.Context) {
	name, err := h.store().ResolveAlias(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "canonical": name})
}
