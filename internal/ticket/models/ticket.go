// Package models holds the internal persistence-facing ticket and bootstrap
// types, distinct from the wire types in pkg/api/v1 but convertible to them.
package models

import (
	"time"

	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// Ticket is the internal representation of a message exchanged through the
// broker, as stored in the ticket repository. It carries a couple of
// delivery-bookkeeping fields (DeliveredAt, RetentionMs) that the wire
// Ticket does not need to expose directly.
type Ticket struct {
	ID          string
	TargetAgent string
	OriginAgent string
	Payload     interface{}
	Metadata    v1.Metadata
	ExpectReply bool
	TimeoutMs   int64
	RetentionMs int64
	Status      v1.TicketStatus
	Response    *v1.Response
	ErrorMsg    string
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToAPI converts the internal Ticket to its wire representation.
func (t *Ticket) ToAPI() *v1.Ticket {
	return &v1.Ticket{
		ID:          t.ID,
		TargetAgent: t.TargetAgent,
		OriginAgent: t.OriginAgent,
		Payload:     t.Payload,
		Metadata:    t.Metadata,
		ExpectReply: t.ExpectReply,
		TimeoutMs:   t.TimeoutMs,
		Status:      t.Status,
		Response:    t.Response,
		ErrorMsg:    t.ErrorMsg,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// FromAPI builds an internal Ticket from a freshly submitted wire Ticket,
// filling in defaults the submitter omitted.
func FromAPI(in *v1.Ticket) *Ticket {
	timeout := in.TimeoutMs
	if timeout <= 0 {
		timeout = v1.DefaultTimeoutMs
	}
	return &Ticket{
		ID:          in.ID,
		TargetAgent: in.TargetAgent,
		OriginAgent: in.OriginAgent,
		Payload:     in.Payload,
		Metadata:    in.Metadata,
		ExpectReply: in.ExpectReply,
		TimeoutMs:   timeout,
		RetentionMs: v1.DefaultRetentionMs,
		Status:      v1.TicketPending,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.CreatedAt,
	}
}

// LatencyMs returns elapsed time from creation to response, or 0 if the
// ticket has not been responded to.
func (t *Ticket) LatencyMs() int64 {
	if t.Response == nil {
		return 0
	}
	return t.Response.At.Sub(t.CreatedAt).Milliseconds()
}
