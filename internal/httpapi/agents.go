package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DeanSCND/agentbroker/internal/agent/bootstrap"
	"github.com/DeanSCND/agentbroker/internal/agent/compaction"
	"github.com/DeanSCND/agentbroker/internal/agent/registry"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/ticket/store"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// AgentHandlers exposes agent registry, bootstrap, and compaction
// operations as JSON endpoints.
type AgentHandlers struct {
	registry   *registry.Registry
	bootstrap  *bootstrap.Orchestrator
	compaction *compaction.Monitor
	engine     *store.Engine
	pendingSF  singleflight.Group
	logger     *logger.Logger
}

// NewAgentHandlers builds AgentHandlers.
func NewAgentHandlers(reg *registry.Registry, boot *bootstrap.Orchestrator, comp *compaction.Monitor, engine *store.Engine, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		registry:   reg,
		bootstrap:  boot,
		compaction: comp,
		engine:     engine,
		logger:     log.WithFields(zap.String("component", "agent-handlers")),
	}
}

// RegisterRoutes mounts the agent routes onto router.
func (h *AgentHandlers) RegisterRoutes(router gin.IRouter) {
	router.GET("/agents/:id/pending", h.pending)
	router.POST("/agents/:id/heartbeat", h.heartbeat)
	router.POST("/agents/:id/bootstrap", h.bootstrapTrigger)
	router.POST("/agents/:id/compaction/track", h.compactionTrack)
	router.GET("/agents/:id/compaction", h.compactionStatus)
	router.POST("/agents/:id/compaction/reset", h.compactionReset)
	router.GET("/agents/:id/compaction/history", h.compactionHistory)
}

// pending handles GET /v1/agents/:id/pending, coalescing concurrent callers
// for the same agent into a single repository scan.
func (h *AgentHandlers) pending(c *gin.Context) {
	agentID := c.Param("id")

	v, err, _ := h.pendingSF.Do(agentID, func() (interface{}, error) {
		return h.engine.GetPending(c.Request.Context(), agentID)
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": v})
}

type heartbeatRequest struct {
	Type                string                 `json:"type"`
	Metadata            map[string]interface{} `json:"metadata"`
	HeartbeatIntervalMs int64                  `json:"heartbeatIntervalMs"`
}

// heartbeat handles POST /v1/agents/:id/heartbeat. It registers the agent
// on first contact and simply bumps the heartbeat clock thereafter.
func (h *AgentHandlers) heartbeat(c *gin.Context) {
	agentID := c.Param("id")
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.registry.Touch(agentID) {
		c.JSON(http.StatusOK, h.registry.Get(agentID))
		return
	}

	heartbeatMs := req.HeartbeatIntervalMs
	if heartbeatMs <= 0 {
		heartbeatMs = 15000
	}
	rec := h.registry.Register(agentID, req.Type, req.Metadata, heartbeatMs)
	c.JSON(http.StatusOK, rec)
}

// bootstrapTrigger handles POST /v1/agents/:id/bootstrap.
func (h *AgentHandlers) bootstrapTrigger(c *gin.Context) {
	agentID := c.Param("id")
	var req v1.BootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.AgentID = agentID

	agent := h.registry.Get(agentID)
	workingDir := ""
	role := ""
	if agent != nil && agent.Metadata != nil {
		if wd, ok := agent.Metadata[v1.MetaWorkingDirectory].(string); ok {
			workingDir = wd
		}
		if r, ok := agent.Metadata[v1.MetaRole].(string); ok {
			role = r
		}
	}

	result, err := h.bootstrap.Run(c.Request.Context(), &req, workingDir, role)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type compactionTrackRequest struct {
	Tokens         int64   `json:"tokens"`
	Error          bool    `json:"error"`
	ResponseTime   float64 `json:"responseTime"`
	ConfusionCount int     `json:"confusionCount"`
}

// compactionTrack handles POST /v1/agents/:id/compaction/track.
func (h *AgentHandlers) compactionTrack(c *gin.Context) {
	var req compactionTrackRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := h.compaction.TrackTurn(c.Request.Context(), c.Param("id"), compaction.TrackInput{
		Tokens:         req.Tokens,
		Error:          req.Error,
		ResponseTime:   req.ResponseTime,
		ConfusionCount: req.ConfusionCount,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// compactionStatus handles GET /v1/agents/:id/compaction.
func (h *AgentHandlers) compactionStatus(c *gin.Context) {
	status, err := h.compaction.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// compactionReset handles POST /v1/agents/:id/compaction/reset.
func (h *AgentHandlers) compactionReset(c *gin.Context) {
	if err := h.compaction.Reset(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// compactionHistory handles GET /v1/agents/:id/compaction/history. The
// compaction_metrics table keeps only the latest row per agent (replace-
// on-duplicate-key), so history is at most a single entry.
func (h *AgentHandlers) compactionHistory(c *gin.Context) {
	status, err := h.compaction.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if status.Metric == nil {
		c.JSON(http.StatusOK, gin.H{"history": []v1.CompactionMetric{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": []*v1.CompactionMetric{status.Metric}})
}
