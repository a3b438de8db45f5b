package store

import (
	"context"

	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// FallbackController is an optional external collaborator that may override
// the commMode the delivery engine would otherwise use for a ticket, e.g.
// when a headless agent's health has degraded past a threshold and tmux
// hand-off is safer. A nil FallbackController means no override ever fires.
type FallbackController interface {
	// Override returns the commMode to use instead of the agent's recorded
	// one, and a reason string for logging. ok is false when no override
	// applies.
	Override(ctx context.Context, agentID string, recorded v1.CommMode) (mode v1.CommMode, reason string, ok bool)
}

// ShadowResult carries both legs of a shadow-mode delivery.
type ShadowResult struct {
	PrimaryDurationMs   int64
	SecondaryDurationMs int64
	Primary             *ExecuteResult
}

// ShadowController runs a ticket through both headless and tmux delivery
// paths concurrently, used only for agents registered with commMode =
// shadow. The broker auto-responds with the primary (tmux) leg's result.
type ShadowController interface {
	RunShadow(ctx context.Context, agentID string, payload interface{}, metadata map[string]interface{}, timeoutMs int64) (*ShadowResult, error)
}
