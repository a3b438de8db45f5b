package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

func TestFromAPI_AppliesDefaultTimeoutAndRetention(t *testing.T) {
	now := time.Now().UTC()
	in := &v1.Ticket{ID: "t-1", TargetAgent: "agent-1", CreatedAt: now}

	got := FromAPI(in)

	assert.Equal(t, int64(v1.DefaultTimeoutMs), got.TimeoutMs)
	assert.Equal(t, int64(v1.DefaultRetentionMs), got.RetentionMs)
	assert.Equal(t, v1.TicketPending, got.Status)
	assert.Equal(t, now, got.UpdatedAt)
}

func TestFromAPI_PreservesExplicitTimeout(t *testing.T) {
	in := &v1.Ticket{ID: "t-1", TargetAgent: "agent-1", TimeoutMs: 5000, CreatedAt: time.Now().UTC()}

	got := FromAPI(in)

	assert.Equal(t, int64(5000), got.TimeoutMs)
}

func TestToAPI_RoundTripsCoreFields(t *testing.T) {
	now := time.Now().UTC()
	internal := &Ticket{
		ID:          "t-1",
		TargetAgent: "agent-1",
		OriginAgent: "agent-2",
		Payload:     "hello",
		ExpectReply: true,
		TimeoutMs:   1000,
		Status:      v1.TicketDelivered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	api := internal.ToAPI()

	assert.Equal(t, internal.ID, api.ID)
	assert.Equal(t, internal.TargetAgent, api.TargetAgent)
	assert.Equal(t, internal.OriginAgent, api.OriginAgent)
	assert.Equal(t, internal.Payload, api.Payload)
	assert.Equal(t, internal.Status, api.Status)
}

func TestLatencyMs_ZeroWithoutResponse(t *testing.T) {
	ticket := &Ticket{}

	assert.Equal(t, int64(0), ticket.LatencyMs())
}

func TestLatencyMs_ComputesDeltaFromCreatedAt(t *testing.T) {
	created := time.Now().UTC()
	responded := created.Add(250 * time.Millisecond)
	ticket := &Ticket{
		CreatedAt: created,
		Response:  &v1.Response{At: responded},
	}

	assert.Equal(t, int64(250), ticket.LatencyMs())
}
