package ops

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"tradecore-settlement/pkg/errutil"
	"tradecore-settlement/pkg/health"
	"tradecore-settlement/services/revenue"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	svc      *Service
	health   health.HealthService
	registry *prometheus.Registry
}

func NewHandler(svc *Service, healthService health.HealthService, registry *prometheus.Registry) *Handler {
	return &Handler{svc: svc, health: healthService, registry: registry}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health.Liveness)
	r.GET("/readyz", h.health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/queue/stats", h.queueStats)
	v1.GET("/jobs/dead-letter", h.deadLetters)
	v1.POST("/jobs/dead-letter/:id/requeue", h.requeueJob)
	v1.GET("/streams", h.streamTotals)
	v1.GET("/aggregator/status", h.aggregatorStatus)
	v1.GET("/onchain/failures", h.onchainFailures)
	v1.GET("/defense/report", h.defenseReport)
	v1.GET("/defense/parameters", h.listParameters)
	v1.POST("/defense/parameters", h.requestParameterChange)
	v1.POST("/defense/parameters/:id/execute", h.executeParameterChange)
	v1.POST("/defense/parameters/:id/cancel", h.cancelParameterChange)
}

func respondError(c *gin.Context, err error) {
	var be errutil.BaseError
	if errors.As(err, &be) {
		c.JSON(be.Code.HTTPStatus(), be.JSON())
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"code": errutil.StatusInternal, "message": err.Error()},
	})
}

func parseID(c *gin.Context) (snowflake.ID, bool) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, errutil.BadRequest("id must be numeric"))
		return 0, false
	}
	return snowflake.ID(raw), true
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.svc.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) deadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	jobs, err := h.svc.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) requeueJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.svc.RequeueJob(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

func (h *Handler) streamTotals(c *gin.Context) {
	streams, err := h.svc.StreamTotals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (h *Handler) aggregatorStatus(c *gin.Context) {
	status, err := h.svc.AggregatorStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) onchainFailures(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 {
		hours = 24
	}

	var stream *revenue.StreamID
	if raw := c.Query("stream"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || !revenue.StreamID(id).Valid() {
			respondError(c, errutil.BadRequest("unknown stream"))
			return
		}
		s := revenue.StreamID(id)
		stream = &s
	}

	report, err := h.svc.OnChainFailures(c.Request.Context(), stream, time.Duration(hours)*time.Hour)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": report})
}

func (h *Handler) defenseReport(c *gin.Context) {
	report := h.svc.DefenseReport()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no audit has run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listParameters(c *gin.Context) {
	params, err := h.svc.ListParameters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

type parameterChangeRequest struct {
	Name        string `json:"name" binding:"required"`
	Value       int64  `json:"value"`
	RequestedBy string `json:"requested_by" binding:"required"`
}

func (h *Handler) requestParameterChange(c *gin.Context) {
	var req parameterChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	change, err := h.svc.RequestParameterChange(c.Request.Context(), req.Name, req.Value, req.RequestedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, change)
}

func (h *Handler) executeParameterChange(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	change, err := h.svc.ExecuteParameterChange(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (h *Handler) cancelParameterChange(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.svc.CancelParameterChange(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
