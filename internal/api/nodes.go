package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kittclouds/researchstate/internal/store"
)

// PruneRequest is the body of POST /sessions/:id/nodes/prune.
type PruneRequest struct {
	N        int    `json:"n" binding:"gte=0"`
	ParentID string `json:"parentId,omitempty"`
}

// EntropyRequest is the body of POST /sessions/:id/entropy.
type EntropyRequest struct {
	NewIDs      []string `json:"newIds" binding:"required"`
	ExistingIDs []string `json:"existingIds"`
}

// OperationRequest is the body of POST /sessions/:id/operations.
type OperationRequest struct {
	Type       store.OperationType `json:"operationType" binding:"required"`
	NodeIDs    []string            `json:"nodeIds"`
	Parameters store.Metadata      `json:"parameters,omitempty"`
	Result     store.Metadata      `json:"result,omitempty"`
}

// BreakRequest is the body of POST /nodes/:id/circuit-break.
type BreakRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// BudgetRequest is the body of POST /nodes/:id/budget.
type BudgetRequest struct {
	DepthDelta int    `json:"depthDelta"`
	TokenDelta int    `json:"tokenDelta"`
	Reason     string `json:"reason"`
}

// HandleCreateNode handles POST /api/v1/sessions/:id/nodes.
func (h *Handlers) HandleCreateNode(c *gin.Context) {
	in := store.NodeInput{Depth: -1}
	if !bind(c, &in) {
		return
	}
	in.SessionID = c.Param("id")
	isNew, err := h.store().CreateNode(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	created(c, isNew, gin.H{"id": in.ID, "created": isNew})
}

// HandleListNodes handles GET /api/v1/sessions/:id/nodes?status=.
func (h *Handlers) HandleListNodes(c *gin.Context) {
	var status store.NodeStatus
	if raw := c.Query("status"); raw != "" {
		st, err := store.ParseNodeStatus(raw)
		if err != nil {
			h.fail(c, err)
			return
		}
		status = st
	}
	list, err := h.store().ListNodes(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": list})
}

// HandleKeepBestN handles POST /api/v1/sessions/:id/nodes/prune.
func (h *Handlers) HandleKeepBestN(c *gin.Context) {
	var req PruneRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.store().KeepBestN(c.Request.Context(), c.Param("id"), req.N, req.ParentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleEntropy handles POST /api/v1/sessions/:id/entropy.
func (h *Handlers) HandleEntropy(c *gin.Context) {
	var req EntropyRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.store().CalculateEntropy(c.Request.Context(), req.NewIDs, req.ExistingIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleListOperations handles GET /api/v1/sessions/:id/operations?type=.
func (h *Handlers) HandleListOperations(c *gin.Context) {
	ops, err := h.store().ListOperations(c.Request.Context(), c.Param("id"), store.OperationType(c.Query("type")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// HandleLogOperation handles POST /api/v1/sessions/:id/operations.
func (h *Handlers) HandleLogOperation(c *gin.Context) {
	var req OperationRequest
	if !bind(c, &req) {
		return
	}
	id, err := h.store().LogOperation(c.Request.Context(), c.Param("id"), req.Type, req.NodeIDs, req.Parameters, req.Result)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// HandleGetNode handles GET /api/v1/nodes/:id.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	n, err := h.store().GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if n == nil {
		notFound(c, "node")
		return
	}
	c.JSON(http.StatusOK, n)
}

// HandleUpdateNode handles PATCH /api/v1/nodes/:id. A version or status
// guard that no longer holds answers 409.
func (h *Handlers) HandleUpdateNode(c *gin.Context) {
	var u store.NodeUpdate
	if !bind(c, &u) {
		return
	}
	ok, err := h.store().UpdateNode(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		notFound(c, "node")
		return
	}
	h.HandleGetNode(c)
}

// HandleChildren handles GET /api/v1/nodes/:id/children?includePruned=.
func (h *Handlers) HandleChildren(c *gin.Context) {
	includePruned, _ := strconv.ParseBool(c.Query("includePruned"))
	list, err := h.store().GetChildren(c.Request.Context(), c.Param("id"), includePruned)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": list})
}

// HandleCheckCircuitBreak handles
// GET /api/v1/nodes/:id/circuit-break?consecutive=&threshold=.
func (h *Handlers) HandleCheckCircuitBreak(c *gin.Context) {
	consecutive, ok := queryInt(c, "consecutive", 3)
	if !ok {
		return
	}
	threshold, ok := queryFloat(c, "threshold", 4.0)
	if !ok {
		return
	}
	check, err := h.store().CheckCircuitBreak(c.Request.Context(), c.Param("id"), consecutive, threshold)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// HandleExecuteCircuitBreak handles POST /api/v1/nodes/:id/circuit-break.
func (h *Handlers) HandleExecuteCircuitBreak(c *gin.Context) {
	var req BreakRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.store().ExecuteCircuitBreak(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleExtendBudget handles POST /api/v1/nodes/:id/budget.
func (h *Handlers) HandleExtendBudget(c *gin.Context) {
	var req BudgetRequest
	if !bind(c, &req) {
		return
	}
	b, err := h.store().ExtendBranchBudget(c.Request.Context(), c.Param("id"), req.DepthDelta, req.TokenDelta, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleBranchHealth handles GET /api/v1/nodes/:id/health.
func (h *Handlers) HandleBranchHealth(c *gin.Context) {
	health, err := h.store().BranchHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}
