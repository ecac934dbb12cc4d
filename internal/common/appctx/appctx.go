// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its values. Use this for operations that must outlive the request.
// The returned context will be cancelled when the stop channel is closed or timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	// Propagate cancellation from stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Linked returns a child of primary that is additionally cancelled when
// secondary is cancelled. Use this to tie a per-command context to both the
// dispatcher shutdown context and the caller's own context.
func Linked(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)

	if secondary != nil && secondary.Done() != nil {
		go func() {
			select {
			case <-secondary.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return ctx, cancel
}
