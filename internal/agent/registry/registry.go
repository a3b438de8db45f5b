// Package registry tracks the liveness and communication mode of every
// agent the broker knows about. All record changes happen under one mutex;
// caller-requested status transitions go through UpdateStatus, while
// Register, Touch and SweepOffline set status themselves.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// offlineGraceMultiplier is the number of missed heartbeat intervals the
// registry tolerates before marking an agent offline, per the "absence of a
// heartbeat for longer than heartbeatIntervalMs × 2" rule.
const offlineGraceMultiplier = 2

// Registry is the process-wide map from agentId to AgentRecord.
type Registry struct {
	agents        map[string]*v1.AgentRecord
	headlessKinds map[string]bool
	mu            sync.RWMutex
	logger        *logger.Logger
}

// NewRegistry builds a registry that derives commMode from cfg.HeadlessKinds
// when a record's metadata does not override it explicitly.
func NewRegistry(cfg config.RegistryConfig, log *logger.Logger) *Registry {
	kinds := make(map[string]bool, len(cfg.HeadlessKinds))
	for _, k := range cfg.HeadlessKinds {
		kinds[k] = true
	}
	return &Registry{
		agents:        make(map[string]*v1.AgentRecord),
		headlessKinds: kinds,
		logger:        log.WithFields(zap.String("component", "registry")),
	}
}

// Register creates or updates agentId's record, deriving commMode and
// resetting the heartbeat clock. A freshly registered agent starts in the
// "starting" state; a re-registration of an existing agent preserves its
// current status unless it was offline, in which case it returns to
// "starting" so the caller re-bootstraps.
func (r *Registry) Register(agentID, agentType string, metadata map[string]interface{}, heartbeatMs int64) *v1.AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := r.agents[agentID]

	status := v1.AgentStarting
	bootstrapStatus := v1.BootstrapPending
	if ok && existing.Status != v1.AgentOffline {
		status = existing.Status
		bootstrapStatus = existing.BootstrapStatus
	}

	rec := &v1.AgentRecord{
		AgentID:         agentID,
		Type:            agentType,
		CommMode:        r.deriveCommMode(agentType, metadata),
		Status:          status,
		BootstrapStatus: bootstrapStatus,
		Metadata:        metadata,
		LastHeartbeat:   now,
		HeartbeatMs:     heartbeatMs,
		RegisteredAt:    now,
	}
	if ok {
		rec.RegisteredAt = existing.RegisteredAt
	}
	r.agents[agentID] = rec

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("type", agentType),
		zap.String("comm_mode", string(rec.CommMode)))

	cp := *rec
	return &cp
}

// deriveCommMode honors an explicit metadata override, falling back to the
// configured headless-kinds table, and tmux otherwise.
func (r *Registry) deriveCommMode(agentType string, metadata map[string]interface{}) v1.CommMode {
	if metadata != nil {
		if raw, ok := metadata[v1.MetaCommMode]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return v1.CommMode(s)
			}
		}
	}
	if r.headlessKinds[agentType] {
		return v1.CommHeadless
	}
	return v1.CommTmux
}

// Touch bumps lastHeartbeat and brings an offline agent back online.
func (r *Registry) Touch(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = time.Now().UTC()
	if rec.Status == v1.AgentOffline {
		rec.Status = v1.AgentReady
	}
	return true
}

// UpdateStatus applies a caller-requested lifecycle transition. Transitions
// are idempotent by target state. Register, Touch and SweepOffline also
// change status without going through this method.
func (r *Registry) UpdateStatus(agentID string, status v1.AgentStatus, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	if rec.Status == status {
		return true
	}
	prev := rec.Status
	rec.Status = status
	r.logger.Debug("agent status transition",
		zap.String("agent_id", agentID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
		zap.String("reason", reason))
	return true
}

// UpdateBootstrapStatus sets the bootstrap-progress field independently of
// the liveness state machine.
func (r *Registry) UpdateBootstrapStatus(agentID string, status v1.BootstrapStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	rec.BootstrapStatus = status
	return true
}

// Get returns a copy of agentID's record, or nil if unknown.
func (r *Registry) Get(agentID string) *v1.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Filters narrows List results. Zero-value fields are ignored.
type Filters struct {
	Status   v1.AgentStatus
	CommMode v1.CommMode
}

// List returns every record matching filters, unordered.
func (r *Registry) List(filters Filters) []*v1.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		if filters.Status != "" && rec.Status != filters.Status {
			continue
		}
		if filters.CommMode != "" && rec.CommMode != filters.CommMode {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// ListByCommMode returns every record with the given commMode, unordered.
func (r *Registry) ListByCommMode(mode v1.CommMode) []*v1.AgentRecord {
	return r.List(Filters{CommMode: mode})
}

// CountByStatus is a read model for fleet dashboards.
func (r *Registry) CountByStatus() map[v1.AgentStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[v1.AgentStatus]int)
	for _, rec := range r.agents {
		counts[rec.Status]++
	}
	return counts
}

// Delete removes agentID from the registry.
func (r *Registry) Delete(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// SweepOffline marks every agent whose lastHeartbeat is older than its
// heartbeat interval (times a grace multiplier) as offline. Returns the
// agent IDs transitioned.
func (r *Registry) SweepOffline(now time.Time, graceMultiplier int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var transitioned []string
	for id, rec := range r.agents {
		if rec.Status == v1.AgentOffline {
			continue
		}
		interval := time.Duration(rec.HeartbeatMs) * time.Millisecond
		if interval <= 0 {
			continue
		}
		grace := interval * time.Duration(graceMultiplier)
		if now.Sub(rec.LastHeartbeat) > grace {
			rec.Status = v1.AgentOffline
			transitioned = append(transitioned, id)
		}
	}
	if len(transitioned) > 0 {
		r.logger.Info("heartbeat sweep marked agents offline", zap.Strings("agent_ids", transitioned))
	}
	return transitioned
}

// RunOfflineSweep blocks, calling SweepOffline every interval until ctx is
// cancelled. Intended to be run in its own goroutine for the lifetime of
// the process.
func (r *Registry) RunOfflineSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOffline(time.Now().UTC(), offlineGraceMultiplier)
		}
	}
}
