package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/ticket/store"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// TicketHandlers exposes the delivery engine's ticket operations as JSON
// endpoints.
type TicketHandlers struct {
	engine *store.Engine
	logger *logger.Logger
}

// NewTicketHandlers builds TicketHandlers.
func NewTicketHandlers(engine *store.Engine, log *logger.Logger) *TicketHandlers {
	return &TicketHandlers{engine: engine, logger: log.WithFields(zap.String("component", "ticket-handlers"))}
}

// RegisterRoutes mounts the ticket routes onto router.
func (h *TicketHandlers) RegisterRoutes(router gin.IRouter) {
	router.POST("/tickets", h.submit)
	router.POST("/tickets/:id/reply", h.reply)
	router.GET("/tickets/:id/wait", h.wait)
	router.POST("/tickets/:id/ack", h.acknowledge)
}

type submitRequest struct {
	AgentID     string       `json:"agentId" binding:"required"`
	OriginAgent string       `json:"originAgent"`
	Payload     interface{}  `json:"payload"`
	Metadata    v1.Metadata  `json:"metadata"`
	ExpectReply bool         `json:"expectReply"`
	TimeoutMs   int64        `json:"timeoutMs"`
}

// submit handles POST /v1/tickets. It never validates agent existence —
// store-and-forward applies to unknown or offline targets.
func (h *TicketHandlers) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.engine.Create(c.Request.Context(), store.CreateInput{
		TargetAgent: req.AgentID,
		OriginAgent: req.OriginAgent,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		ExpectReply: req.ExpectReply,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"ticketId": ticket.ID, "status": ticket.Status})
}

type replyRequest struct {
	Payload  interface{} `json:"payload"`
	Metadata v1.Metadata `json:"metadata"`
}

// reply handles POST /v1/tickets/:id/reply.
func (h *TicketHandlers) reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.engine.Respond(c.Request.Context(), c.Param("id"), req.Payload, req.Metadata)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// wait handles GET /v1/tickets/:id/wait — the long-poll endpoint. It
// suspends until the ticket reaches a terminal state (including the
// ticket's own timeoutMs firing, armed by the delivery engine at create
// time) or the request context is cancelled by the client disconnecting.
func (h *TicketHandlers) wait(c *gin.Context) {
	ticket, err := h.engine.WaitForReply(c.Request.Context(), c.Param("id"))
	if err != nil {
		if c.Request.Context().Err() != nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "wait cancelled"})
			return
		}
		writeError(c, h.logger, err)
		return
	}

	if ticket.Status == v1.TicketTimeout {
		c.JSON(http.StatusRequestTimeout, withLatency(ticket))
		return
	}
	c.JSON(http.StatusOK, withLatency(ticket))
}

// acknowledge handles POST /v1/tickets/:id/ack.
func (h *TicketHandlers) acknowledge(c *gin.Context) {
	ticket, err := h.engine.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func withLatency(t *v1.Ticket) gin.H {
	return gin.H{
		"ticketId":    t.ID,
		"targetAgent": t.TargetAgent,
		"originAgent": t.OriginAgent,
		"status":      t.Status,
		"response":    t.Response,
		"error":       t.ErrorMsg,
		"latencyMs":   t.LatencyMs(),
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}
