package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kittclouds/researchstate/internal/store"
)

// ValidationRequest is the body of PUT /citations/:id/validation.
type ValidationRequest struct {
	Quality    store.QualityGrade `json:"quality,omitempty"`
	Accessible bool               `json:"urlAccessible"`
	Complete   bool               `json:"complete"`
}

// HandleAddCitation handles POST /api/v1/sessions/:id/citations.
func (h *Handlers) HandleAddCitation(c *gin.Context) {
	var cit store.Citation
	if !bind(c, &cit) {
		return
	}
	cit.SessionID = c.Param("id")
	if err := h.store().AddCitation(c.Request.Context(), &cit); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cit)
}

// HandleListCitations handles GET /api/v1/sessions/:id/citations.
func (h *Handlers) HandleListCitations(c *gin.Context) {
	list, err := h.store().ListCitations(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"citations": list})
}

// HandleCitationStatistics handles GET /api/v1/sessions/:id/citations/statistics.
func (h *Handlers) HandleCitationStatistics(c *gin.Context) {
	st, err := h.store().CitationStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleValidateCitation handles PUT /api/v1/citations/:id/validation.
func (h *Handlers) HandleValidateCitation(c *gin.Context) {
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	var req ValidationRequest
	if !bind(c, &req) {
		return
	}
	done, err := h.store().UpdateCitationValidation(c.Request.Context(), id, req.Quality, req.Accessible, req.Complete)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !done {
		notFound(c, "citation")
		return
	}
	c.Status(http.StatusNoContent)
}
