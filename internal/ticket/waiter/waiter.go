// Package waiter implements the long-poll wait-for-reply primitive: callers
// block on a channel that the delivery engine closes once a ticket reaches
// a terminal status, instead of polling the repository.
package waiter

import (
	"context"
	"sync"

	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// Set tracks the outstanding waiter channels for each ticket ID.
type Set struct {
	mu      sync.Mutex
	waiting map[string][]chan *v1.Ticket
}

// NewSet creates an empty waiter set.
func NewSet() *Set {
	return &Set{waiting: make(map[string][]chan *v1.Ticket)}
}

// Add registers a new waiter channel for ticketID and returns it. Multiple
// callers may wait on the same ticket; each gets its own channel, all
// notified on completion.
func (s *Set) Add(ticketID string) <-chan *v1.Ticket {
	ch := make(chan *v1.Ticket, 1)
	s.mu.Lock()
	s.waiting[ticketID] = append(s.waiting[ticketID], ch)
	s.mu.Unlock()
	return ch
}

// Notify delivers ticket to every waiter registered for its ID and clears
// them. Safe to call even when no waiters are registered.
func (s *Set) Notify(ticket *v1.Ticket) {
	s.mu.Lock()
	chans := s.waiting[ticket.ID]
	delete(s.waiting, ticket.ID)
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- ticket
		close(ch)
	}
}

// Wait blocks until ticketID completes, ctx is cancelled, or the deadline
// bound to ctx elapses. Returns the terminal ticket, or an error from ctx.
func (s *Set) Wait(ctx context.Context, ticketID string) (*v1.Ticket, error) {
	ch := s.Add(ticketID)
	select {
	case ticket := <-ch:
		return ticket, nil
	case <-ctx.Done():
		s.Remove(ticketID, ch)
		return nil, ctx.Err()
	}
}

// Remove drops target from ticketID's waiter list without waiting on it,
// used when a caller discovers by other means (e.g. a repository read) that
// the ticket is already terminal and the channel it registered will never
// be delivered to.
func (s *Set) Remove(ticketID string, target <-chan *v1.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.waiting[ticketID]
	for i, ch := range chans {
		if ch == target {
			s.waiting[ticketID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiting[ticketID]) == 0 {
		delete(s.waiting, ticketID)
	}
}

// Pending returns the count of tickets with at least one active waiter,
// used by health/debug endpoints.
func (s *Set) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
