// Package v1 holds the wire types shared between the broker core and its
// HTTP surface. Types here are plain data with a few small derived-value
// helpers (IsTerminal, LatencyMs, Severity.Max) — no persistence.
package v1

import "time"

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending    TicketStatus = "pending"
	TicketDelivered  TicketStatus = "delivered"
	TicketResponded  TicketStatus = "responded"
	TicketTimeout    TicketStatus = "timeout"
	TicketError      TicketStatus = "error"
)

// IsTerminal reports whether status has no further valid transitions.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketResponded, TicketTimeout, TicketError:
		return true
	default:
		return false
	}
}

// Metadata is the open-ended, string-keyed bag carried on a ticket. The
// core only recognizes a handful of keys (see the Meta* constants); the
// rest passes through unchanged.
type Metadata map[string]interface{}

// Recognized metadata keys.
const (
	MetaThreadID = "threadId"
	MetaReplyTo  = "replyTo"
	MetaIsReply  = "isReply"
	MetaOrigin   = "origin"
)

// DefaultOrigin is used when metadata carries no explicit origin.
const DefaultOrigin = "ui"

// Response is the payload attached to a ticket once it reaches
// TicketResponded.
type Response struct {
	Payload  interface{} `json:"payload"`
	Metadata Metadata    `json:"metadata,omitempty"`
	At       time.Time   `json:"at"`
}

// Ticket is the correlation unit for a single delivery and its eventual
// reply. ticketId is immutable; status transitions form a DAG described in
// the delivery engine.
type Ticket struct {
	ID          string       `json:"ticketId"`
	TargetAgent string       `json:"targetAgent"`
	OriginAgent string       `json:"originAgent,omitempty"`
	Payload     interface{}  `json:"payload"`
	Metadata    Metadata     `json:"metadata,omitempty"`
	ExpectReply bool         `json:"expectReply"`
	TimeoutMs   int64        `json:"timeoutMs"`
	Status      TicketStatus `json:"status"`
	Response    *Response    `json:"response,omitempty"`
	ErrorMsg    string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// LatencyMs is response.at - createdAt, as required by the wait-for-reply
// wire contract. Returns 0 when the ticket has no response yet.
func (t *Ticket) LatencyMs() int64 {
	if t.Response == nil {
		return 0
	}
	return t.Response.At.Sub(t.CreatedAt).Milliseconds()
}

// DefaultTimeoutMs is applied when a caller submits a ticket without an
// explicit timeout.
const DefaultTimeoutMs = 30000

// DefaultRetentionMs is how long a terminal ticket survives before the
// repository's cleanup sweep removes it.
const DefaultRetentionMs = 60000
