package xstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainer_DispatchAfterStopIsSilent(t *testing.T) {
	c, err := NewContainer(newFakeStore(1), &fakeSink{},
		WithLogger(testLogger()),
		WithConfig(Config{PollTimeout: 10 * time.Millisecond}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, ConsumerConfig{
		Identity: testIdentity,
		Handler:  func(context.Context, *Entry) error { return nil },
	}))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	ok := c.dispatch(ctx, c.consumers[0], Entry{ID: "1-0", Stream: "s", Fields: map[string]any{"k": "v"}})
	assert.False(t, ok)
	assert.Zero(t, c.Metrics().Rejected)
	_, marked := c.inflight.Load("s:g:c/1-0")
	assert.False(t, marked)
}

func TestContainer_FinishedEntriesStayMarkedUntilNextPendingPass(t *testing.T) {
	c, err := NewContainer(newFakeStore(1), &fakeSink{}, WithLogger(testLogger()))
	require.NoError(t, err)
	require.Positive(t, c.Config().PendingInterval)

	c.inflight.Store("s:g:c/1-0", inflightQueued)
	c.finished("s:g:c/1-0")
	c.finished("s:g:other/1-0")
	c.inflight.Store("s:g:c/2-0", inflightQueued)

	_, busy := c.inflight.LoadOrStore("s:g:c/1-0", inflightQueued)
	assert.True(t, busy, "a finished entry is not dispatched again before the next pass")

	c.releaseFinished("s:g:c/")

	_, ok := c.inflight.Load("s:g:c/1-0")
	assert.False(t, ok)
	_, ok = c.inflight.Load("s:g:other/1-0")
	assert.True(t, ok, "other consumers keep their markers")
	_, ok = c.inflight.Load("s:g:c/2-0")
	assert.True(t, ok, "queued entries are not released")
}

func TestContainer_FinishedEntriesReleasedWithoutPendingLoop(t *testing.T) {
	cfg := Defaults()
	cfg.PendingInterval = 0
	c, err := NewContainer(newFakeStore(1), &fakeSink{}, WithLogger(testLogger()), WithConfig(cfg))
	require.NoError(t, err)

	c.inflight.Store("s:g:c/1-0", inflightQueued)
	c.finished("s:g:c/1-0")
	_, ok := c.inflight.Load("s:g:c/1-0")
	assert.False(t, ok)
}
