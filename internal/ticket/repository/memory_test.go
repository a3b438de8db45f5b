package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

func newTicket(id, targetAgent string) *models.Ticket {
	now := time.Now().UTC()
	return &models.Ticket{
		ID:          id,
		TargetAgent: targetAgent,
		Status:      v1.TicketPending,
		RetentionMs: 60000,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryRepository_SaveAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.TargetAgent)
}

func TestMemoryRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_SaveCopiesState(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ticket := newTicket("t-1", "agent-1")
	require.NoError(t, repo.Save(ctx, ticket))

	ticket.TargetAgent = "mutated"

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.TargetAgent)
}

func TestMemoryRepository_MarkDelivered(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))

	at := time.Now().UTC()
	require.NoError(t, repo.MarkDelivered(ctx, "t-1", at))

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TicketDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(at))
}

func TestMemoryRepository_MarkResponded(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))

	resp := &v1.Response{Payload: "done", At: time.Now().UTC()}
	require.NoError(t, repo.MarkResponded(ctx, "t-1", resp))

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TicketResponded, got.Status)
	assert.Equal(t, resp, got.Response)
}

func TestMemoryRepository_MarkError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))

	require.NoError(t, repo.MarkError(ctx, "t-1", "boom"))

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TicketError, got.Status)
	assert.Equal(t, "boom", got.ErrorMsg)
}

func TestMemoryRepository_UpdateUnknownReturnsErrNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", v1.TicketTimeout), ErrNotFound)
	assert.ErrorIs(t, repo.MarkDelivered(ctx, "missing", time.Now()), ErrNotFound)
	assert.ErrorIs(t, repo.MarkResponded(ctx, "missing", &v1.Response{}), ErrNotFound)
	assert.ErrorIs(t, repo.MarkError(ctx, "missing", "x"), ErrNotFound)
}

func TestMemoryRepository_GetPending_FiltersByTargetAgentAndOrdersByCreatedAt(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := newTicket("t-1", "agent-1")
	second := newTicket("t-2", "agent-1")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := newTicket("t-3", "agent-2")

	require.NoError(t, repo.Save(ctx, second))
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, other))

	pending, err := repo.GetPending(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t-1", pending[0].ID)
	assert.Equal(t, "t-2", pending[1].ID)
}

func TestMemoryRepository_GetPending_WildcardMatchesAllAgents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))
	require.NoError(t, repo.Save(ctx, newTicket("t-2", "agent-2")))

	pending, err := repo.GetPending(ctx, "*")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMemoryRepository_GetPending_ExcludesNonPendingStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))
	require.NoError(t, repo.MarkDelivered(ctx, "t-1", time.Now().UTC()))

	pending, err := repo.GetPending(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryRepository_ListByStatus_RespectsLimit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ticket := newTicket(string(rune('a'+i)), "agent-1")
		require.NoError(t, repo.Save(ctx, ticket))
	}

	got, err := repo.ListByStatus(ctx, v1.TicketPending, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryRepository_CountAll(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))
	require.NoError(t, repo.Save(ctx, newTicket("t-2", "agent-1")))
	require.NoError(t, repo.MarkError(ctx, "t-2", "boom"))

	counts, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[v1.TicketPending])
	assert.Equal(t, 1, counts[v1.TicketError])
}

func TestMemoryRepository_Cleanup_RemovesExpiredTerminalTickets(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ticket := newTicket("t-1", "agent-1")
	ticket.RetentionMs = 1000
	require.NoError(t, repo.Save(ctx, ticket))
	resp := &v1.Response{At: time.Now().UTC()}
	require.NoError(t, repo.MarkResponded(ctx, "t-1", resp))

	removed, err := repo.Cleanup(ctx, resp.At.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_Cleanup_KeepsNonTerminalAndFreshTickets(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newTicket("t-1", "agent-1")))

	removed, err := repo.Cleanup(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestMemoryRepository_BootstrapHistory(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	older := &v1.BootstrapHistoryEntry{AgentID: "agent-1", StartedAt: time.Now().UTC()}
	newer := &v1.BootstrapHistoryEntry{AgentID: "agent-1", StartedAt: older.StartedAt.Add(time.Minute)}
	require.NoError(t, repo.AppendBootstrapHistory(ctx, older))
	require.NoError(t, repo.AppendBootstrapHistory(ctx, newer))

	history, err := repo.ListBootstrapHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, newer.StartedAt, history[0].StartedAt)
}

func TestMemoryRepository_CompactionMetrics(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.LatestCompactionMetric(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	metric := &v1.CompactionMetric{AgentID: "agent-1", TotalTokens: 100}
	require.NoError(t, repo.SaveCompactionMetric(ctx, metric))

	got, err := repo.LatestCompactionMetric(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TotalTokens)

	require.NoError(t, repo.ResetCompactionMetrics(ctx, "agent-1"))
	_, err = repo.LatestCompactionMetric(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
