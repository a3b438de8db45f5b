// Package repository persists tickets and the derived audit trails
// (bootstrap history, compaction metrics) a ticket's lifecycle produces.
package repository

import (
	"context"
	"time"

	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// Repository is the storage surface the delivery engine drives. A single
// implementation backs the broker at a time; the in-memory variant is used
// for tests and for ephemeral deployments that accept losing in-flight
// tickets on restart.
type Repository interface {
	Save(ctx context.Context, ticket *models.Ticket) error
	Get(ctx context.Context, id string) (*models.Ticket, error)
	UpdateStatus(ctx context.Context, id string, status v1.TicketStatus) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkResponded(ctx context.Context, id string, response *v1.Response) error
	MarkError(ctx context.Context, id string, errMsg string) error

	// GetPending returns tickets addressed to targetAgent still awaiting
	// delivery, oldest first. targetAgent may be "*" to match every
	// agent.
	GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error)

	// ListByStatus returns tickets in the given status, newest first,
	// capped at limit (0 means unlimited).
	ListByStatus(ctx context.Context, status v1.TicketStatus, limit int) ([]*models.Ticket, error)

	// CountAll returns the number of tickets still tracked by status,
	// resolving the "*" wildcard read model used by fleet dashboards.
	CountAll(ctx context.Context) (map[v1.TicketStatus]int, error)

	// Cleanup removes terminal tickets whose retention window has
	// elapsed as of now. Returns the number removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)

	// Bootstrap history. AppendBootstrapHistory stores entry; an entry
	// whose ID is already stored replaces the stored row, so a run's
	// start record is updated in place when the run completes.
	AppendBootstrapHistory(ctx context.Context, entry *v1.BootstrapHistoryEntry) error
	ListBootstrapHistory(ctx context.Context, agentID string, limit int) ([]*v1.BootstrapHistoryEntry, error)

	// Compaction metrics
	SaveCompactionMetric(ctx context.Context, metric *v1.CompactionMetric) error
	LatestCompactionMetric(ctx context.Context, agentID string) (*v1.CompactionMetric, error)
	ResetCompactionMetrics(ctx context.Context, agentID string) error

	Close() error
}

// ErrNotFound is returned by Get/lookup methods when no row matches.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "ticket: not found" }
