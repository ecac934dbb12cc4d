// Package api exposes the HTTP surface of the core: command submission and
// inspection, scheduler status, provider switching, usage and logs.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/autoops"
	"github.com/storyforge/storyforge/internal/common/httpmw"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/modelproviders"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/usage"
)

// Dispatcher is the slice of the command dispatcher the API uses.
type Dispatcher interface {
	Enqueue(operationName string, handler dispatch.Handler, opts dispatch.Options) (*dispatch.Handle, error)
	GetActiveCommands() []dispatch.Snapshot
	GetCommand(runID string) (dispatch.Snapshot, error)
}

// Resolver resolves operation names to handler factories; the API never
// accepts raw code, only registered names.
type Resolver interface {
	Resolve(name string) (dispatch.HandlerFactory, error)
}

// AutoOps reports idle scheduler state.
type AutoOps interface {
	Status() autoops.State
}

// Providers is the model-provider surface.
type Providers interface {
	Status() modelproviders.Status
	Acquire(ctx context.Context, kind string) (*modelproviders.Bridge, error)
}

// UsageReader reports month-to-date token consumption.
type UsageReader interface {
	MonthToDate(ctx context.Context) (usage.Summary, error)
}

// LogReader serves recent operation-log rows.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]oplog.Entry, error)
}

// Handler carries the API dependencies.
type Handler struct {
	dispatcher Dispatcher
	resolver   Resolver
	autoops    AutoOps
	providers  Providers
	usage      UsageReader
	logs       LogReader
	logger     *logger.Logger
}

// NewHandler creates the API handler. autoOps, providers, usageReader and
// logs may be nil; the corresponding endpoints then return 404.
func NewHandler(d Dispatcher, r Resolver, autoOps AutoOps, providers Providers, usageReader UsageReader, logs LogReader, log *logger.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		resolver:   r,
		autoops:    autoOps,
		providers:  providers,
		usage:      usageReader,
		logs:       logs,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with all core routes. gatherer feeds
// /metrics; pass nil to omit the endpoint.
func (h *Handler) Router(log *logger.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "api"))
	router.Use(httpmw.OtelTracing("api"))

	router.GET("/health", h.health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/commands", h.listCommands)
		v1.POST("/commands", h.enqueueCommand)
		v1.GET("/commands/:runId", h.getCommand)
		v1.GET("/autoops", h.autoOpsStatus)
		v1.GET("/providers", h.listProviders)
		v1.POST("/providers/switch", h.switchProvider)
		v1.GET("/usage", h.usageSummary)
		v1.GET("/logs", h.recentLogs)
	}
	return router
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "storyforge"})
}

func (h *Handler) listCommands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": h.dispatcher.GetActiveCommands()})
}

// EnqueueRequest is the POST /commands body.
type EnqueueRequest struct {
	Operation   string            `json:"operation" binding:"required"`
	ThreadScope string            `json:"thread_scope"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *Handler) enqueueCommand(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	factory, err := h.resolver.Resolve(req.Operation)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.dispatcher.Enqueue(req.Operation, factory(req.Metadata), dispatch.Options{
		ThreadScope: req.ThreadScope,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrDuplicateRunID):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrDispatcherClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":    handle.RunID,
		"operation": handle.OperationName,
	})
}

func (h *Handler) getCommand(c *gin.Context) {
	runID := c.Param("runId")
	snap, err := h.dispatcher.GetCommand(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) autoOpsStatus(c *gin.Context) {
	if h.autoops == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "automatic operations disabled"})
		return
	}
	c.JSON(http.StatusOK, h.autoops.Status())
}

func (h *Handler) listProviders(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "model providers not configured"})
		return
	}
	c.JSON(http.StatusOK, h.providers.Status())
}

// SwitchRequest is the POST /providers/switch body.
type SwitchRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func (h *Handler) switchProvider(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "model providers not configured"})
		return
	}
	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	bridge, err := h.providers.Acquire(c.Request.Context(), req.Kind)
	if err != nil {
		if errors.Is(err, modelproviders.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bridge)
}

func (h *Handler) usageSummary(c *gin.Context) {
	if h.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage accounting not configured"})
		return
	}
	summary, err := h.usage.MonthToDate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

const defaultLogLimit = 50

func (h *Handler) recentLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation log store not configured"})
		return
	}
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in 1..1000"})
			return
		}
		limit = n
	}
	entries, err := h.logs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
