package store

import (
	"context"
	"errors"
	"sync"
)

// ErrExecutorBusy is returned by Executor.Execute when a prior call for the
// same agent has not yet completed. The delivery engine treats this as
// back-pressure, not failure: it retries after a fixed delay.
var ErrExecutorBusy = errors.New("store: executor already running for agent")

// ExecuteResult is what a headless/shadow Executor invocation produces.
type ExecuteResult struct {
	Content       interface{}
	ConversationID string
	DurationMs    int64
}

// Executor dispatches a ticket payload to a live agent process and returns
// its reply. Implementations must serialize calls per agentID themselves
// (or wrap Serializing below), surfacing ErrExecutorBusy on overlap.
type Executor interface {
	Execute(ctx context.Context, agentID string, payload interface{}, metadata map[string]interface{}, timeoutMs int64) (*ExecuteResult, error)
}

// Serializing wraps an Executor with a per-agent mutual-exclusion lock,
// converting concurrent calls for the same agent into ErrExecutorBusy
// instead of letting them race against the underlying executor.
type Serializing struct {
	inner Executor
	sema  sync.Map // agentID -> chan struct{} (capacity 1), used as a try-lock
}

// NewSerializing wraps inner with per-agent serialization.
func NewSerializing(inner Executor) *Serializing {
	return &Serializing{inner: inner}
}

func (s *Serializing) semaphoreFor(agentID string) chan struct{} {
	ch, _ := s.sema.LoadOrStore(agentID, make(chan struct{}, 1))
	return ch.(chan struct{})
}

func (s *Serializing) Execute(ctx context.Context, agentID string, payload interface{}, metadata map[string]interface{}, timeoutMs int64) (*ExecuteResult, error) {
	sem := s.semaphoreFor(agentID)
	select {
	case sem <- struct{}{}:
	default:
		return nil, ErrExecutorBusy
	}
	defer func() { <-sem }()

	return s.inner.Execute(ctx, agentID, payload, metadata, timeoutMs)
}
