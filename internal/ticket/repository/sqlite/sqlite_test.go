package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/database"
	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

func createTestRepo(t *testing.T) *Repository {
	t.Helper()
	tmpDir := t.TempDir()
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: filepath.Join(tmpDir, "test.db")})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewWithDB(db.Conn())
	if err != nil {
		t.Fatalf("failed to create sqlite repository: %v", err)
	}
	return repo
}

func newTestTicket(id, targetAgent string) *models.Ticket {
	now := time.Now().UTC()
	return &models.Ticket{
		ID:          id,
		TargetAgent: targetAgent,
		Payload:     "hello",
		Status:      v1.TicketPending,
		ExpectReply: true,
		TimeoutMs:   v1.DefaultTimeoutMs,
		RetentionMs: v1.DefaultRetentionMs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	ticket := newTestTicket("t-1", "agent-1")
	if err := repo.Save(ctx, ticket); err != nil {
		t.Fatalf("failed to save ticket: %v", err)
	}

	got, err := repo.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("failed to get ticket: %v", err)
	}
	if got.TargetAgent != "agent-1" {
		t.Errorf("expected target agent-1, got %s", got.TargetAgent)
	}
	if got.Status != v1.TicketPending {
		t.Errorf("expected status pending, got %s", got.Status)
	}
}

func TestRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	repo := createTestRepo(t)

	_, err := repo.Get(context.Background(), "does-not-exist")
	if err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_MarkDelivered(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	ticket := newTestTicket("t-1", "agent-1")
	_ = repo.Save(ctx, ticket)

	if err := repo.MarkDelivered(ctx, "t-1", time.Now().UTC()); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}

	got, _ := repo.Get(ctx, "t-1")
	if got.Status != v1.TicketDelivered {
		t.Errorf("expected status delivered, got %s", got.Status)
	}
}

func TestRepository_MarkDeliveredUnknownReturnsErrNotFound(t *testing.T) {
	repo := createTestRepo(t)

	err := repo.MarkDelivered(context.Background(), "does-not-exist", time.Now().UTC())
	if err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_MarkRespondedStoresResponsePayload(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	ticket := newTestTicket("t-1", "agent-1")
	_ = repo.Save(ctx, ticket)

	resp := &v1.Response{Payload: "the answer", Metadata: v1.Metadata{"k": "v"}, At: time.Now().UTC()}
	if err := repo.MarkResponded(ctx, "t-1", resp); err != nil {
		t.Fatalf("failed to mark responded: %v", err)
	}

	got, _ := repo.Get(ctx, "t-1")
	if got.Status != v1.TicketResponded {
		t.Errorf("expected status responded, got %s", got.Status)
	}
	if got.Response == nil || got.Response.Payload != "the answer" {
		t.Errorf("expected response payload 'the answer', got %+v", got.Response)
	}
}

func TestRepository_MarkError(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	ticket := newTestTicket("t-1", "agent-1")
	_ = repo.Save(ctx, ticket)

	if err := repo.MarkError(ctx, "t-1", "boom"); err != nil {
		t.Fatalf("failed to mark error: %v", err)
	}

	got, _ := repo.Get(ctx, "t-1")
	if got.Status != v1.TicketError {
		t.Errorf("expected status error, got %s", got.Status)
	}
	if got.ErrorMsg != "boom" {
		t.Errorf("expected error message 'boom', got %s", got.ErrorMsg)
	}
}

func TestRepository_GetPending_FiltersByTargetAgent(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	_ = repo.Save(ctx, newTestTicket("t-1", "agent-1"))
	_ = repo.Save(ctx, newTestTicket("t-2", "agent-2"))

	pending, err := repo.GetPending(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending ticket, got %d", len(pending))
	}
	if pending[0].ID != "t-1" {
		t.Errorf("expected t-1, got %s", pending[0].ID)
	}
}

func TestRepository_GetPending_WildcardMatchesAllAgents(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	_ = repo.Save(ctx, newTestTicket("t-1", "agent-1"))
	_ = repo.Save(ctx, newTestTicket("t-2", "agent-2"))

	pending, err := repo.GetPending(ctx, "*")
	if err != nil {
		t.Fatalf("failed to get pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending tickets, got %d", len(pending))
	}
}

func TestRepository_ListByStatus_RespectsLimit(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = repo.Save(ctx, newTestTicket(string(rune('a'+i)), "agent-1"))
	}

	list, err := repo.ListByStatus(ctx, v1.TicketPending, 2)
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(list))
	}
}

func TestRepository_CountAll(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	_ = repo.Save(ctx, newTestTicket("t-1", "agent-1"))
	ticket2 := newTestTicket("t-2", "agent-1")
	_ = repo.Save(ctx, ticket2)
	_ = repo.MarkError(ctx, "t-2", "boom")

	counts, err := repo.CountAll(ctx)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts[v1.TicketPending] != 1 {
		t.Errorf("expected 1 pending, got %d", counts[v1.TicketPending])
	}
	if counts[v1.TicketError] != 1 {
		t.Errorf("expected 1 error, got %d", counts[v1.TicketError])
	}
}

func TestRepository_Cleanup_RemovesExpiredTerminalTickets(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	ticket := newTestTicket("t-1", "agent-1")
	ticket.RetentionMs = 1000
	_ = repo.Save(ctx, ticket)
	_ = repo.MarkError(ctx, "t-1", "boom")

	removed, err := repo.Cleanup(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := repo.Get(ctx, "t-1"); err != repository.ErrNotFound {
		t.Errorf("expected ticket to be gone, got err=%v", err)
	}
}

func TestRepository_Cleanup_KeepsFreshTerminalTickets(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	ticket := newTestTicket("t-1", "agent-1")
	ticket.RetentionMs = 60 * 60 * 1000
	_ = repo.Save(ctx, ticket)
	_ = repo.MarkError(ctx, "t-1", "boom")

	removed, err := repo.Cleanup(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to cleanup: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}
}

func TestRepository_BootstrapHistory_OrdersByStartedAtDesc(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_ = repo.AppendBootstrapHistory(ctx, &v1.BootstrapHistoryEntry{
		ID: "h-1", AgentID: "agent-1", Mode: v1.BootstrapAuto, StartedAt: base, Success: true,
	})
	_ = repo.AppendBootstrapHistory(ctx, &v1.BootstrapHistoryEntry{
		ID: "h-2", AgentID: "agent-1", Mode: v1.BootstrapAuto, StartedAt: base.Add(time.Minute), Success: false,
	})

	history, err := repo.ListBootstrapHistory(ctx, "agent-1", 0)
	if err != nil {
		t.Fatalf("failed to list bootstrap history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].ID != "h-2" {
		t.Errorf("expected most recent entry first, got %s", history[0].ID)
	}
}

func TestRepository_CompactionMetric_UpsertReplacesPriorRow(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	_ = repo.SaveCompactionMetric(ctx, &v1.CompactionMetric{AgentID: "agent-1", ConversationTurns: 5, MeasuredAt: time.Now().UTC()})
	_ = repo.SaveCompactionMetric(ctx, &v1.CompactionMetric{AgentID: "agent-1", ConversationTurns: 9, MeasuredAt: time.Now().UTC()})

	metric, err := repo.LatestCompactionMetric(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to get latest metric: %v", err)
	}
	if metric.ConversationTurns != 9 {
		t.Errorf("expected 9 turns, got %d", metric.ConversationTurns)
	}

	if err := repo.ResetCompactionMetrics(ctx, "agent-1"); err != nil {
		t.Fatalf("failed to reset metrics: %v", err)
	}
	if _, err := repo.LatestCompactionMetric(ctx, "agent-1"); err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound after reset, got %v", err)
	}
}
