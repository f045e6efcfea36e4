package xstream

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware bounds handler processing time. Handlers are not time-limited
// unless this is installed; on expiry the entry is treated as a handler failure.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, e *Entry) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next(tctx, e)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into handler failures.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *Entry) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, e)
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
