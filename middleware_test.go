package xstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, e *Entry) error {
				trace = append(trace, name)
				return next(ctx, e)
			}
		}
	}
	h := Chain(func(context.Context, *Entry) error {
		trace = append(trace, "handler")
		return nil
	}, mw("a"), nil, mw("b"))

	assert.NoError(t, h(context.Background(), &Entry{}))
	assert.Equal(t, []string{"a", "b", "handler"}, trace)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Entry) error { panic("kaboom") })
	err := h(context.Background(), &Entry{})
	assert.ErrorContains(t, err, "kaboom")
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Entry) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}
	err := TimeoutMiddleware(10*time.Millisecond)(slow)(context.Background(), &Entry{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	fast := func(context.Context, *Entry) error { return nil }
	assert.NoError(t, TimeoutMiddleware(time.Second)(fast)(context.Background(), &Entry{}))
	assert.NoError(t, TimeoutMiddleware(0)(fast)(context.Background(), &Entry{}))
}
