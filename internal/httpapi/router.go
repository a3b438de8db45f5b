// Package httpapi implements the broker's HTTP/JSON surface: ticket
// submission and reply, the long-poll wait endpoint, agent heartbeats,
// bootstrap triggers, and compaction tracking.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/DeanSCND/agentbroker/internal/agent/bootstrap"
	"github.com/DeanSCND/agentbroker/internal/agent/compaction"
	"github.com/DeanSCND/agentbroker/internal/agent/registry"
	"github.com/DeanSCND/agentbroker/internal/common/httpmw"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/events/gateway"
	"github.com/DeanSCND/agentbroker/internal/ticket/store"
)

// Dependencies bundles everything the HTTP surface needs to construct its
// handler groups.
type Dependencies struct {
	Engine     *store.Engine
	Registry   *registry.Registry
	Bootstrap  *bootstrap.Orchestrator
	Compaction *compaction.Monitor
	Gateway    *gateway.Hub
	Logger     *logger.Logger
}

// Router builds a gin.Engine with every v1 route mounted, grouping
// registration by resource.
func Router(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(deps.Logger))

	v1 := r.Group("/v1")

	tickets := NewTicketHandlers(deps.Engine, deps.Logger)
	tickets.RegisterRoutes(v1)

	agents := NewAgentHandlers(deps.Registry, deps.Bootstrap, deps.Compaction, deps.Engine, deps.Logger)
	agents.RegisterRoutes(v1)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if deps.Gateway != nil {
		r.GET("/v1/events/stream", gateway.Handler(deps.Gateway, deps.Logger))
	}

	return r
}
