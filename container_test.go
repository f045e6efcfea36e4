package xstream_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xstream"
	"github.com/trickstertwo/xstream/adapter/memory"
)

func logger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelDebug,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
		Writer:            io.Discard,
	})
}

func fastConfig() xstream.Config {
	return xstream.Config{
		PollTimeout:     20 * time.Millisecond,
		BatchSize:       10,
		Workers:         2,
		QueueCapacity:   16,
		PendingInterval: 50 * time.Millisecond,
	}
}

func newContainer(t *testing.T, opts ...xstream.Option) (*xstream.Container, *memory.Store, *memory.DeadLetters) {
	t.Helper()
	opts = append([]xstream.Option{xstream.WithLogger(logger()), xstream.WithConfig(fastConfig())}, opts...)
	c, store, dead := memory.Use(opts...)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, store, dead
}

var orders = xstream.Identity{Stream: "orders", Group: "billing", Consumer: "billing-1"}

func TestContainer_RegisterIsAllOrNothing(t *testing.T) {
	c, store, _ := newContainer(t)
	ctx := context.Background()

	err := c.Register(ctx,
		xstream.ConsumerConfig{Identity: orders, Handler: func(context.Context, *xstream.Entry) error { return nil }},
		xstream.ConsumerConfig{Identity: xstream.Identity{Stream: "payments", Group: "g"}},
	)
	require.Error(t, err)

	exists, err := store.StreamExists(ctx, orders.Stream)
	require.NoError(t, err)
	assert.False(t, exists, "no stream is created when any config is invalid")
	assert.Empty(t, c.Consumers())
}

func TestContainer_RegisterErrors(t *testing.T) {
	c, _, _ := newContainer(t)
	ctx := context.Background()
	ok := func(context.Context, *xstream.Entry) error { return nil }

	err := c.Register(ctx, xstream.ConsumerConfig{Identity: orders})
	assert.ErrorIs(t, err, xstream.ErrNilHandler)

	err = c.Register(ctx,
		xstream.ConsumerConfig{Identity: orders, Handler: ok},
		xstream.ConsumerConfig{Identity: orders, Handler: ok},
	)
	assert.ErrorIs(t, err, xstream.ErrDuplicateConsumer)

	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{Identity: orders, Handler: ok}))
	err = c.Register(ctx, xstream.ConsumerConfig{Identity: orders, Handler: ok})
	assert.ErrorIs(t, err, xstream.ErrDuplicateConsumer)
	assert.Equal(t, []xstream.Identity{orders}, c.Consumers())
}

func TestContainer_StartRequiresConsumers(t *testing.T) {
	c, _, _ := newContainer(t)
	assert.ErrorIs(t, c.Start(context.Background()), xstream.ErrNoConsumers)
}

func TestContainer_ConsumesPublishedEntries(t *testing.T) {
	c, store, dead := newContainer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler: func(_ context.Context, e *xstream.Entry) error {
			v, _ := e.Field("order_id")
			mu.Lock()
			seen = append(seen, v)
			mu.Unlock()
			return nil
		},
	}))
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), xstream.ErrContainerStarted)

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := c.Publish(ctx, orders.Stream, map[string]any{"order_id": id})
		require.NoError(t, err)
	}

	// Only the registration placeholder is left once every entry is deleted.
	require.Eventually(t, func() bool {
		return c.Metrics().Acked == 3 && store.Len(orders.Stream) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"o-1", "o-2", "o-3"}, seen)
	mu.Unlock()
	assert.Equal(t, 0, store.Pending(orders.Stream, orders.Group))
	assert.Equal(t, 0, dead.Len(xstream.DefaultDeadLetterKey))

	m := c.Metrics()
	assert.Equal(t, uint64(3), m.Consumed)
	assert.Equal(t, uint64(3), m.Succeeded)
	assert.Equal(t, "healthy", c.Health(ctx).Status)
}

func TestContainer_RetryThenDeadLetter(t *testing.T) {
	c, store, dead := newContainer(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity:   orders,
		MaxRetries: 1,
		Handler: func(context.Context, *xstream.Entry) error {
			calls.Add(1)
			return errors.New("declined")
		},
	}))
	require.NoError(t, c.Start(ctx))

	_, err := c.Publish(ctx, orders.Stream, map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	ledger, ok := c.Ledger().(*xstream.MemoryLedger)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return dead.Len(xstream.DefaultDeadLetterKey) == 1 && c.Metrics().Acked == 2 && ledger.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(2), calls.Load(), "one delivery plus one retry")
	m := c.Metrics()
	assert.Equal(t, uint64(1), m.Retried)
	assert.Equal(t, uint64(1), m.DeadLettered)

	fields := dead.Fields(xstream.DefaultDeadLetterKey)
	require.Len(t, fields, 1)
	assert.Contains(t, fields[0], "orders:billing:billing-1:")
	v, ok := dead.Get(xstream.DefaultDeadLetterKey, fields[0])
	require.True(t, ok)
	assert.Equal(t, "o-1", v["order_id"])

	assert.Equal(t, 0, store.Pending(orders.Stream, orders.Group))
	assert.Equal(t, "degraded", c.Health(ctx).Status)
}

func TestContainer_RejectedEntriesAreRedelivered(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	c, store, _ := newContainer(t, xstream.WithConfig(cfg))
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]int{}
	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler: func(_ context.Context, e *xstream.Entry) error {
			<-release
			mu.Lock()
			seen[e.ID]++
			mu.Unlock()
			return nil
		},
	}))

	// Published before Start so the first read returns all three at once.
	for i := 0; i < 3; i++ {
		_, err := c.Publish(ctx, orders.Stream, map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return c.Metrics().Rejected > 0 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3 && store.Pending(orders.Stream, orders.Group) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestContainer_Stop(t *testing.T) {
	c, _, _ := newContainer(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler:  func(context.Context, *xstream.Entry) error { return nil },
	}))
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx), "stop is idempotent")

	h := c.Health(ctx)
	assert.Equal(t, "unhealthy", h.Status)

	_, err := c.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	assert.ErrorIs(t, err, xstream.ErrContainerClosed)
	assert.ErrorIs(t, c.Start(ctx), xstream.ErrContainerClosed)
}

func TestContainer_PublishValidation(t *testing.T) {
	c, _, _ := newContainer(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, "", map[string]any{"k": "v"})
	assert.ErrorIs(t, err, xstream.ErrInvalidStream)
	_, err = c.Publish(ctx, "s", nil)
	assert.ErrorIs(t, err, xstream.ErrEmptyFields)
}

type countingObserver struct{ n atomic.Int64 }

func (o *countingObserver) OnEvent(xstream.Event) { o.n.Add(1) }

func TestContainer_Observers(t *testing.T) {
	obs := &countingObserver{}
	c, _, _ := newContainer(t, xstream.WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler:  func(context.Context, *xstream.Entry) error { return nil },
	}))
	require.NoError(t, c.Start(ctx))
	_, err := c.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	require.NoError(t, err)

	// consume, success, ack
	require.Eventually(t, func() bool { return obs.n.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	c.RemoveObserver(obs)
	_, err = c.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Metrics().Acked == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), obs.n.Load())
}

func TestFacade_UsesDefaultContainer(t *testing.T) {
	c, store, _ := newContainer(t)
	require.Same(t, c, xstream.Default(), "memory.Use installs the default")

	ctx := context.Background()
	require.NoError(t, xstream.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler:  func(context.Context, *xstream.Entry) error { return nil },
	}))
	_, err := xstream.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len(orders.Stream), "placeholder plus the published entry")
}

func TestContainer_DeletedPendingEntryIsNotHandled(t *testing.T) {
	var deadLettered atomic.Int64
	obs := xstream.ObserverFunc(func(e xstream.Event) {
		if e.Type == xstream.EventDeadLetter {
			deadLettered.Add(1)
		}
	})
	c, store, dead := newContainer(t, xstream.WithObserver(obs))
	ctx := context.Background()

	audit := xstream.Identity{Stream: orders.Stream, Group: "audit", Consumer: "audit-1"}
	var handled atomic.Int64
	count := func(context.Context, *xstream.Entry) error {
		handled.Add(1)
		return errors.New("must not run")
	}
	require.NoError(t, c.Register(ctx,
		xstream.ConsumerConfig{Identity: orders, Handler: count},
		xstream.ConsumerConfig{Identity: audit, Handler: count},
	))

	id, err := c.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	require.NoError(t, err)

	// audit received the entry but never processed it; billing then consumed
	// and deleted it.
	got, err := store.ReadGroup(ctx, xstream.ReadArgs{
		Stream: audit.Stream, Group: audit.Group, Consumer: audit.Consumer,
		Offset: xstream.OffsetNew, Count: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, store.Delete(ctx, orders.Stream, id))

	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool {
		return store.Pending(audit.Stream, audit.Group) == 0 && c.Metrics().Acked == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, handled.Load())
	assert.Zero(t, deadLettered.Load())
	assert.Zero(t, dead.Len(xstream.DefaultDeadLetterKey))

	assert.NotPanics(t, func() { c.RemoveObserver(obs) })
}

var errGroupCreate = errors.New("group create refused")

// groupFailStore refuses to create groups on one stream.
type groupFailStore struct {
	*memory.Store
	fail string
}

func (s *groupFailStore) CreateGroup(ctx context.Context, stream, group string) error {
	if stream == s.fail {
		return errGroupCreate
	}
	return s.Store.CreateGroup(ctx, stream, group)
}

func TestContainer_RegisterReleasesOnStoreFailure(t *testing.T) {
	store := &groupFailStore{Store: memory.NewStore(nil), fail: "payments"}
	c, err := xstream.NewContainer(store, memory.NewDeadLetters(),
		xstream.WithLogger(logger()), xstream.WithConfig(fastConfig()))
	require.NoError(t, err)
	ctx := context.Background()

	ok := func(context.Context, *xstream.Entry) error { return nil }
	cfgs := []xstream.ConsumerConfig{
		{Identity: orders, Handler: ok},
		{Identity: xstream.Identity{Stream: "payments", Group: "g", Consumer: "c"}, Handler: ok},
	}

	err = c.Register(ctx, cfgs...)
	require.ErrorIs(t, err, errGroupCreate)
	assert.Empty(t, c.Consumers())

	store.fail = ""
	require.NoError(t, c.Register(ctx, cfgs...), "released identities can be registered again")
	assert.Len(t, c.Consumers(), 2)
}

// snapshotStore runs onPending after every pending re-read, before the result
// is returned to the container.
type snapshotStore struct {
	*memory.Store
	onPending func(ctx context.Context, entries []xstream.Entry)
}

func (s *snapshotStore) ReadGroup(ctx context.Context, args xstream.ReadArgs) ([]xstream.Entry, error) {
	entries, err := s.Store.ReadGroup(ctx, args)
	if err == nil && args.Offset != xstream.OffsetNew && s.onPending != nil {
		s.onPending(ctx, entries)
	}
	return entries, err
}

func TestContainer_StalePendingReadDoesNotRedeliver(t *testing.T) {
	store := &snapshotStore{Store: memory.NewStore(nil)}
	c, err := xstream.NewContainer(store, memory.NewDeadLetters(),
		xstream.WithLogger(logger()), xstream.WithConfig(fastConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	ctx := context.Background()

	snapshot := make(chan struct{})
	finally := make(chan struct{})
	var snapOnce, finallyOnce sync.Once

	// The pending read sees the entry while it is still being handled and only
	// returns once the worker has acknowledged it.
	store.onPending = func(ctx context.Context, entries []xstream.Entry) {
		if len(entries) == 0 {
			return
		}
		snapOnce.Do(func() {
			close(snapshot)
			select {
			case <-finally:
				time.Sleep(20 * time.Millisecond)
			case <-ctx.Done():
			}
		})
	}

	var handled atomic.Int64
	require.NoError(t, c.Register(ctx, xstream.ConsumerConfig{
		Identity: orders,
		Handler: func(ctx context.Context, _ *xstream.Entry) error {
			handled.Add(1)
			select {
			case <-snapshot:
			case <-ctx.Done():
			}
			return nil
		},
		OnFinally: func(context.Context, *xstream.Entry) { finallyOnce.Do(func() { close(finally) }) },
	}))
	require.NoError(t, c.Start(ctx))

	_, err = c.Publish(ctx, orders.Stream, map[string]any{"k": "v"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case <-finally:
			return c.Metrics().Acked == 1
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return handled.Load() > 1 }, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(1), handled.Load())
}
