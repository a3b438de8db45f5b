package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository, used for tests and for
// deployments that run without a persistence requirement.
type MemoryRepository struct {
	tickets    map[string]*models.Ticket
	bootstrap  map[string][]*v1.BootstrapHistoryEntry
	compaction map[string]*v1.CompactionMetric
	mu         sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory ticket repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tickets:    make(map[string]*models.Ticket),
		bootstrap:  make(map[string][]*v1.BootstrapHistoryEntry),
		compaction: make(map[string]*v1.CompactionMetric),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Save(ctx context.Context, ticket *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *ticket
	r.tickets[ticket.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status v1.TicketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = v1.TicketDelivered
	t.DeliveredAt = &at
	t.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) MarkResponded(ctx context.Context, id string, response *v1.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = v1.TicketResponded
	t.Response = response
	t.UpdatedAt = response.At
	return nil
}

func (r *MemoryRepository) MarkError(ctx context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = v1.TicketError
	t.ErrorMsg = errMsg
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Ticket
	for _, t := range r.tickets {
		if t.Status != v1.TicketPending {
			continue
		}
		if targetAgent != "*" && t.TargetAgent != targetAgent {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status v1.TicketStatus, limit int) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Ticket
	for _, t := range r.tickets {
		if t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CountAll(ctx context.Context) (map[v1.TicketStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[v1.TicketStatus]int)
	for _, t := range r.tickets {
		counts[t.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) Cleanup(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tickets {
		if !t.Status.IsTerminal() {
			continue
		}
		retention := time.Duration(t.RetentionMs) * time.Millisecond
		if now.Sub(t.UpdatedAt) >= retention {
			delete(r.tickets, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRepository) AppendBootstrapHistory(ctx context.Context, entry *v1.BootstrapHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *entry
	for i, existing := range r.bootstrap[entry.AgentID] {
		if existing.ID == entry.ID {
			r.bootstrap[entry.AgentID][i] = &cp
			return nil
		}
	}
	r.bootstrap[entry.AgentID] = append(r.bootstrap[entry.AgentID], &cp)
	return nil
}

func (r *MemoryRepository) ListBootstrapHistory(ctx context.Context, agentID string, limit int) ([]*v1.BootstrapHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.bootstrap[agentID]
	out := make([]*v1.BootstrapHistoryEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SaveCompactionMetric(ctx context.Context, metric *v1.CompactionMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *metric
	r.compaction[metric.AgentID] = &cp
	return nil
}

func (r *MemoryRepository) LatestCompactionMetric(ctx context.Context, agentID string) (*v1.CompactionMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.compaction[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) ResetCompactionMetrics(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.compaction, agentID)
	return nil
}
