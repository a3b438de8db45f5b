// Package appctx provides context utilities for background operations that
// must outlive the request that triggered them.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context not tied to parent's cancellation, bounded by
// timeout and by stopCh closing. Use for delivery tasks and retries that
// must survive the handler returning a 202 but still respect shutdown.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
