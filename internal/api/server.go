// Package api exposes the research state store over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/internal/metrics"
	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/internal/supervisor"
	"github.com/kittclouds/researchstate/pkg/ingest"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers serves the API from one database.
type Handlers struct {
	db  *store.DB
	log *zap.Logger
	sup *supervisor.Supervisor
}

// NewHandlers creates handlers over db. A nil logger discards output.
func NewHandlers(db *store.DB, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{db: db, log: log.Named("api")}
}

// WithSupervisor enables POST /api/v1/supervisor/sweep.
func (h *Handlers) WithSupervisor(sup *supervisor.Supervisor) *Handlers {
	h.sup = sup
	return h
}

func (h *Handlers) store() *store.Store {
	return h.db.Store()
}

// NewRouter builds the gin engine with health, metrics and the v1 API.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.observe())
	r.GET("/healthz", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterRoutes(r.Group("/api/v1"), h)
	return r
}

// RegisterRoutes registers every /api/v1 endpoint on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	sessions := rg.Group("/sessions")
	sessions.POST("", h.HandleCreateSession)
	sessions.GET("", h.HandleListSessions)
	sessions.GET("/:id", h.HandleGetSession)
	sessions.PATCH("/:id", h.HandleUpdateSession)
	sessions.DELETE("/:id", h.HandleDeleteSession)
	sessions.PUT("/:id/status", h.HandleSessionStatus)
	sessions.GET("/:id/statistics", h.HandleSessionStatistics)
	sessions.GET("/:id/export", h.HandleExportSession)

	sessions.POST("/:id/agents", h.HandleRegisterAgent)
	sessions.GET("/:id/agents", h.HandleListAgents)
	sessions.GET("/:id/agents/statistics", h.HandleAgentStatistics)

	sessions.POST("/:id/nodes", h.HandleCreateNode)
	sessions.GET("/:id/nodes", h.HandleListNodes)
	sessions.POST("/:id/nodes/prune", h.HandleKeepBestN)
	sessions.POST("/:id/entropy", h.HandleEntropy)
	sessions.GET("/:id/operations", h.HandleListOperations)
	sessions.POST("/:id/operations", h.HandleLogOperation)

	sessions.POST("/:id/facts", h.HandleCreateFact)
	sessions.GET("/:id/facts", h.HandleQueryFacts)
	sessions.POST("/:id/facts/import", h.HandleImportFacts)
	sessions.GET("/:id/facts/statistics", h.HandleFactStatistics)
	sessions.POST("/:id/conflicts/detect", h.HandleDetectConflicts)
	sessions.POST("/:id/conflicts/apply", h.HandleApplyPolicy)
	sessions.GET("/:id/conflicts", h.HandleListConflicts)

	sessions.POST("/:id/entities", h.HandleCreateEntity)
	sessions.GET("/:id/entities", h.HandleListEntities)
	sessions.GET("/:id/entities/find", h.HandleFindEntity)
	sessions.POST("/:id/entities/import", h.HandleImportEntities)
	sessions.POST("/:id/edges", h.HandleCreateEdge)
	sessions.GET("/:id/edges", h.HandleListEdges)
	sessions.GET("/:id/graph", h.HandleExportGraph)
	sessions.POST("/:id/mentions", h.HandleScanMentions)
	sessions.POST("/:id/cooccurrences", h.HandleRecordCooccurrence)
	sessions.GET("/:id/cooccurrences", h.HandleCooccurrences)

	sessions.POST("/:id/citations", h.HandleAddCitation)
	sessions.GET("/:id/citations", h.HandleListCitations)
	sessions.GET("/:id/citations/statistics", h.HandleCitationStatistics)

	agents := rg.Group("/agents")
	agents.GET("/:id", h.HandleGetAgent)
	agents.PATCH("/:id", h.HandleUpdateAgent)
	agents.PUT("/:id/status", h.HandleAgentStatus)
	agents.POST("/:id/heartbeat", h.HandleHeartbeat)

	nodes := rg.Group("/nodes")
	nodes.GET("/:id", h.HandleGetNode)
	nodes.PATCH("/:id", h.HandleUpdateNode)
	nodes.GET("/:id/children", h.HandleChildren)
	nodes.GET("/:id/circuit-break", h.HandleCheckCircuitBreak)
	nodes.POST("/:id/circuit-break", h.HandleExecuteCircuitBreak)
	nodes.POST("/:id/budget", h.HandleExtendBudget)
	nodes.GET("/:id/health", h.HandleBranchHealth)

	rg.GET("/facts/:id", h.HandleGetFact)
	rg.POST("/facts/:id/sources", h.HandleAddSource)
	rg.GET("/conflicts/:id", h.HandleGetConflict)
	rg.POST("/conflicts/:id/resolve", h.HandleResolveConflict)

	rg.GET("/entities/:id", h.HandleGetEntity)
	rg.GET("/entities/:id/related", h.HandleRelated)
	rg.POST("/aliases", h.HandleAddAlias)
	rg.GET("/aliases/:name", h.HandleResolveAlias)

	rg.PUT("/citations/:id/validation", h.HandleValidateCitation)

	rg.POST("/supervisor/sweep", h.HandleSweep)
}

// observe records request metrics and logs failures.
func (h *Handlers) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
		if status >= http.StatusInternalServerError {
			h.log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("elapsed", time.Since(start)),
				zap.Strings("errors", c.Errors.Errors()))
		}
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "UNAVAILABLE"})
		return
	}
	version, err := h.db.Version(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	engine, err := h.db.Engine(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "schemaVersion": version, "engine": engine})
}

// HandleSweep handles POST /api/v1/supervisor/sweep.
func (h *Handlers) HandleSweep(c *gin.Context) {
	if h.sup == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "supervisor disabled", Code: "NOT_FOUND"})
		return
	}
	rep, err := h.sup.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// fail maps store errors onto status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, ingest.ErrUnparseable):
		status, code = http.StatusUnprocessableEntity, "UNPARSEABLE"
	case errors.Is(err, store.ErrDuplicate):
		status, code = http.StatusConflict, "DUPLICATE"
	case errors.Is(err, store.ErrSessionClosed):
		status, code = http.StatusConflict, "SESSION_CLOSED"
	case errors.Is(err, store.ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, store.ErrStaleWrite):
		status, code = http.StatusConflict, "STALE_WRITE"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, ErrorResponse{Error: what + " not found", Code: "NOT_FOUND"})
}

// bind decodes the JSON body into req, answering 400 on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_REQUEST"})
		return false
	}
	return true
}

func pathInt(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: name + " must be an integer", Code: "INVALID_REQUEST"})
		return 0, false
	}
	return v, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: name + " must be an integer", Code: "INVALID_REQUEST"})
		return 0, false
	}
	return v, true
}

func queryFloat(c *gin.Context, name string, fallback float64) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: name + " must be a number", Code: "INVALID_REQUEST"})
		return 0, false
	}
	return v, true
}

// created answers 201 for a new row and 200 when it already existed.
func created(c *gin.Context, isNew bool, body any) {
	if isNew {
		c.JSON(http.StatusCreated, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
