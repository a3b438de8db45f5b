// Package store implements the ticket delivery engine: the create/deliver/
// respond/timeout state machine that correlates a submitted ticket with its
// eventual reply, fanning out to long-poll waiters as it goes.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DeanSCND/agentbroker/internal/common/appctx"
	"github.com/DeanSCND/agentbroker/internal/common/brokererr"
	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/events/bus"
	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	"github.com/DeanSCND/agentbroker/internal/ticket/waiter"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// AgentLookup is the subset of the agent registry the engine needs to
// resolve delivery targets.
type AgentLookup interface {
	Get(agentID string) *v1.AgentRecord
	UpdateStatus(agentID string, status v1.AgentStatus, reason string) bool
}

// CreateInput describes a new ticket submission.
type CreateInput struct {
	TargetAgent string
	OriginAgent string
	Payload     interface{}
	Metadata    v1.Metadata
	ExpectReply bool
	TimeoutMs   int64
}

// Engine is the delivery engine: it owns ticket creation, dispatch,
// response correlation, and the terminal-state cleanup sweep.
type Engine struct {
	repo     repository.Repository
	registry AgentLookup
	waiters  *waiter.Set
	events   bus.EventBus
	executor Executor
	fallback FallbackController
	shadow   ShadowController
	cfg      config.DeliveryConfig
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	group   *errgroup.Group

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewEngine builds a delivery engine. executor may be nil if no agent in
// the fleet ever runs headless; fallback and shadow are both optional.
func NewEngine(repo repository.Repository, registry AgentLookup, waiters *waiter.Set, events bus.EventBus, executor Executor, cfg config.DeliveryConfig, log *logger.Logger) *Engine {
	return &Engine{
		repo:     repo,
		registry: registry,
		waiters:  waiters,
		events:   events,
		executor: executor,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "delivery-engine")),
		timers:   make(map[string]*time.Timer),
	}
}

// SetFallback installs an optional commMode override collaborator.
func (e *Engine) SetFallback(f FallbackController) { e.fallback = f }

// SetShadow installs an optional dual-mode delivery collaborator.
func (e *Engine) SetShadow(s ShadowController) { e.shadow = s }

// Start launches the background cleanup sweep. Safe to call once; a second
// call is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	g.Go(func() error {
		e.cleanupLoop(gctx)
		return nil
	})
}

// Stop signals the cleanup sweep to exit and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	g := e.group
	e.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}

	e.timersMu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.timersMu.Unlock()
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.CleanupIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			removed, err := e.repo.Cleanup(ctx, time.Now().UTC())
			if err != nil {
				e.logger.Warn("cleanup sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				e.logger.Debug("cleanup sweep removed tickets", zap.Int("count", removed))
			}
		}
	}
}

// Create persists a new ticket in pending status and schedules delivery
// asynchronously. It returns immediately with the saved ticket; callers
// needing the eventual reply should register a waiter via WaitForReply.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*v1.Ticket, error) {
	if in.TargetAgent == "" {
		return nil, brokererr.New(brokererr.KindValidation, "targetAgent is required")
	}

	now := time.Now().UTC()
	timeout := in.TimeoutMs
	if timeout <= 0 {
		timeout = v1.DefaultTimeoutMs
	}
	retention := e.cfg.DefaultRetentionMs
	if retention <= 0 {
		retention = v1.DefaultRetentionMs
	}

	t := &models.Ticket{
		ID:          uuid.New().String(),
		TargetAgent: in.TargetAgent,
		OriginAgent: in.OriginAgent,
		Payload:     in.Payload,
		Metadata:    in.Metadata,
		ExpectReply: in.ExpectReply,
		TimeoutMs:   timeout,
		RetentionMs: retention,
		Status:      v1.TicketPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save ticket: %w", err)
	}

	e.publish(ctx, bus.SubjectMessageSent, t)
	e.armTimeout(t.ID, time.Duration(timeout)*time.Millisecond)

	go func() {
		dctx, cancel := e.deliveryContext()
		defer cancel()
		e.deliverTicket(dctx, t.ID)
	}()

	return t.ToAPI(), nil
}

// armTimeout schedules a timer that fires Timeout(ticketID) once after d
// elapses, per the create-time timeout arming rule. disarmTimeout cancels
// it once the ticket reaches a terminal state through any other path.
func (e *Engine) armTimeout(ticketID string, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		e.timersMu.Lock()
		delete(e.timers, ticketID)
		e.timersMu.Unlock()

		dctx, cancel := e.deliveryContext()
		defer cancel()
		if _, err := e.Timeout(dctx, ticketID); err != nil {
			e.logger.Warn("timeout sweep failed", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	})

	e.timersMu.Lock()
	e.timers[ticketID] = timer
	e.timersMu.Unlock()
}

// disarmTimeout cancels ticketID's armed timeout timer, if any. Called once
// a ticket reaches a terminal state through delivery, reply, or an
// executor failure, so the timer does not fire a no-op Timeout call later.
func (e *Engine) disarmTimeout(ticketID string) {
	e.timersMu.Lock()
	timer, ok := e.timers[ticketID]
	delete(e.timers, ticketID)
	e.timersMu.Unlock()

	if ok {
		timer.Stop()
	}
}

// deliveryContext returns a context for a background delivery task that is
// cancelled when the engine stops, independent of the request that
// triggered Create. Falls back to a plain cancellable background context
// if the engine has not been started (e.g. in tests exercising Create
// directly).
func (e *Engine) deliveryContext() (context.Context, context.CancelFunc) {
	e.mu.Lock()
	stopCh := e.stopCh
	e.mu.Unlock()

	if stopCh == nil {
		return context.WithCancel(context.Background())
	}
	return appctx.Detached(context.Background(), stopCh, 10*time.Minute)
}

// deliverTicket resolves the target agent and dispatches the ticket
// according to its effective commMode. It is safe to call repeatedly for
// the same ticket (e.g. on retry); it no-ops once the ticket leaves pending.
func (e *Engine) deliverTicket(ctx context.Context, ticketID string) {
	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		e.logger.Warn("deliverTicket: ticket vanished", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}
	if t.Status != v1.TicketPending {
		return
	}

	agent := e.registry.Get(t.TargetAgent)
	if agent == nil {
		// Store-and-forward: the agent isn't registered yet. It will pick
		// this ticket up via getPending once it registers.
		return
	}

	mode := agent.CommMode
	if e.fallback != nil {
		if override, reason, ok := e.fallback.Override(ctx, t.TargetAgent, mode); ok {
			e.logger.Info("fallback override applied",
				zap.String("agent_id", t.TargetAgent),
				zap.String("from", string(mode)),
				zap.String("to", string(override)),
				zap.String("reason", reason))
			mode = override
		}
	}

	switch mode {
	case v1.CommHeadless:
		e.deliverHeadless(ctx, t)
	case v1.CommShadow:
		e.deliverShadow(ctx, t)
	default:
		// tmux and any unrecognized mode: leave pending for a watcher
		// polling getPending to discover and execute manually.
	}
}

func (e *Engine) deliverHeadless(ctx context.Context, t *models.Ticket) {
	if e.executor == nil {
		_ = e.repo.MarkError(ctx, t.ID, "no executor configured for headless delivery")
		e.disarmTimeout(t.ID)
		e.notifyTerminal(ctx, t.ID)
		return
	}

	result, err := e.executor.Execute(ctx, t.TargetAgent, t.Payload, t.Metadata, t.TimeoutMs)
	if err == ErrExecutorBusy {
		delay := time.Duration(e.cfg.ExecutorBusyRetryMs) * time.Millisecond
		if delay <= 0 {
			delay = 2 * time.Second
		}
		time.AfterFunc(delay, func() {
			dctx, cancel := e.deliveryContext()
			defer cancel()
			e.deliverTicket(dctx, t.ID)
		})
		return
	}
	if err != nil {
		_ = e.repo.MarkError(ctx, t.ID, err.Error())
		e.disarmTimeout(t.ID)
		e.notifyTerminal(ctx, t.ID)
		return
	}

	meta := v1.Metadata{}
	if result.ConversationID != "" {
		meta[v1.MetaThreadID] = result.ConversationID
	}
	if _, err := e.Respond(ctx, t.ID, result.Content, meta); err != nil {
		e.logger.Warn("failed to record headless response", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

func (e *Engine) deliverShadow(ctx context.Context, t *models.Ticket) {
	if e.shadow == nil {
		// No shadow collaborator wired: behave like tmux and leave pending.
		return
	}
	result, err := e.shadow.RunShadow(ctx, t.TargetAgent, t.Payload, t.Metadata, t.TimeoutMs)
	if err != nil {
		_ = e.repo.MarkError(ctx, t.ID, err.Error())
		e.disarmTimeout(t.ID)
		e.notifyTerminal(ctx, t.ID)
		return
	}
	meta := v1.Metadata{
		"shadowPrimaryDurationMs":   result.PrimaryDurationMs,
		"shadowSecondaryDurationMs": result.SecondaryDurationMs,
	}
	if _, err := e.Respond(ctx, t.ID, result.Primary.Content, meta); err != nil {
		e.logger.Warn("failed to record shadow response", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

// Respond records a reply against ticketID, notifies any waiters, and —
// when the origin agent expects a reply routed back through it — submits a
// reverse ticket so the origin sees the response as a new incoming message.
func (e *Engine) Respond(ctx context.Context, ticketID string, payload interface{}, metadata v1.Metadata) (*v1.Ticket, error) {
	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t.ToAPI(), nil
	}

	response := &v1.Response{Payload: payload, Metadata: metadata, At: time.Now().UTC()}
	if err := e.repo.MarkResponded(ctx, ticketID, response); err != nil {
		return nil, fmt.Errorf("failed to mark ticket responded: %w", err)
	}
	t.Status = v1.TicketResponded
	t.Response = response
	e.disarmTimeout(ticketID)

	e.publish(ctx, bus.SubjectMessageResponded, t)
	e.waiters.Notify(t.ToAPI())

	if t.OriginAgent != "" {
		e.routeReverse(ctx, t, response)
	}

	return t.ToAPI(), nil
}

// routeReverse delivers a responded ticket's reply back to its origin
// agent. Headless origins get a fire-and-forget execute call; everyone else
// gets a reverse ticket routed through the normal create/deliver path so it
// surfaces through getPending or the origin's own delivery mode.
func (e *Engine) routeReverse(ctx context.Context, t *models.Ticket, response *v1.Response) {
	origin := e.registry.Get(t.OriginAgent)
	if origin == nil {
		return
	}

	replyMeta := v1.Metadata{v1.MetaReplyTo: t.ID, v1.MetaIsReply: true}

	if origin.CommMode == v1.CommHeadless && e.executor != nil {
		go func() {
			if _, err := e.executor.Execute(context.Background(), t.OriginAgent, response.Payload, replyMeta, t.TimeoutMs); err != nil {
				e.logger.Warn("reverse headless execute failed", zap.String("agent_id", t.OriginAgent), zap.Error(err))
			}
		}()
		return
	}

	if _, err := e.Create(ctx, CreateInput{
		TargetAgent: t.OriginAgent,
		OriginAgent: t.TargetAgent,
		Payload:     response.Payload,
		Metadata:    replyMeta,
		ExpectReply: false,
		TimeoutMs:   t.TimeoutMs,
	}); err != nil {
		e.logger.Warn("failed to create reverse ticket", zap.String("agent_id", t.OriginAgent), zap.Error(err))
	}
}

// Acknowledge transitions a pending ticket to delivered. Acknowledging an
// already-delivered or terminal ticket is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, ticketID string) (*v1.Ticket, error) {
	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != v1.TicketPending {
		return t.ToAPI(), nil
	}
	now := time.Now().UTC()
	if err := e.repo.MarkDelivered(ctx, ticketID, now); err != nil {
		return nil, fmt.Errorf("failed to mark ticket delivered: %w", err)
	}
	t.Status = v1.TicketDelivered
	t.DeliveredAt = &now
	return t.ToAPI(), nil
}

// Timeout transitions a pending or delivered ticket to timeout and notifies
// waiters with a nil response. Idempotent once the ticket is terminal.
func (e *Engine) Timeout(ctx context.Context, ticketID string) (*v1.Ticket, error) {
	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t.ToAPI(), nil
	}
	if err := e.repo.UpdateStatus(ctx, ticketID, v1.TicketTimeout); err != nil {
		return nil, fmt.Errorf("failed to mark ticket timeout: %w", err)
	}
	t.Status = v1.TicketTimeout
	e.disarmTimeout(ticketID)

	e.publish(ctx, bus.SubjectMessageTimeout, t)
	e.notifyTerminal(ctx, ticketID)

	return t.ToAPI(), nil
}

// WaitForReply blocks until ticketID reaches a terminal status or ctx is
// cancelled. A ticket already terminal at call time returns immediately.
//
// The waiter is registered before the repository is read, not after: if the
// terminal-check-then-register order were reversed, a Respond or Timeout
// racing in the gap between the check and the registration would call
// Notify before this waiter ever joined the set, leaving it parked on a
// channel nothing will ever write to. Registering first means Notify can
// never fire without seeing this waiter, so the only remaining case to
// handle is a ticket that was already terminal before Add was ever called
// (and so will never be Notified again) — caught by the repository read
// below, which also discards the now-orphaned waiter entry.
func (e *Engine) WaitForReply(ctx context.Context, ticketID string) (*v1.Ticket, error) {
	ch := e.waiters.Add(ticketID)

	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		e.waiters.Remove(ticketID, ch)
		return nil, err
	}
	if t.Status.IsTerminal() {
		e.waiters.Remove(ticketID, ch)
		return t.ToAPI(), nil
	}

	select {
	case ticket := <-ch:
		return ticket, nil
	case <-ctx.Done():
		e.waiters.Remove(ticketID, ch)
		return nil, ctx.Err()
	}
}

// GetPending returns tickets awaiting pickup for targetAgent, used by tmux
// watchers and manual pollers.
func (e *Engine) GetPending(ctx context.Context, targetAgent string) ([]*v1.Ticket, error) {
	tickets, err := e.repo.GetPending(ctx, targetAgent)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Ticket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ToAPI())
	}
	return out, nil
}

func (e *Engine) notifyTerminal(ctx context.Context, ticketID string) {
	t, err := e.repo.Get(ctx, ticketID)
	if err != nil {
		return
	}
	e.waiters.Notify(t.ToAPI())
}

func (e *Engine) publish(ctx context.Context, subject string, t *models.Ticket) {
	if e.events == nil {
		return
	}
	evt := bus.NewEvent(subject, "delivery-engine", map[string]interface{}{
		"ticketId":    t.ID,
		"targetAgent": t.TargetAgent,
		"originAgent": t.OriginAgent,
		"status":      string(t.Status),
	})
	if err := e.events.Publish(ctx, subject, evt); err != nil {
		e.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
