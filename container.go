package xstream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Container owns the registered consumers, the polling goroutines and the
// shared worker pool that runs Consumer.Process.
type Container struct {
	store     LogStore
	dead      DeadLetterSink
	cfg       Config
	ledger    Ledger
	logger    *xlog.Logger
	clock     xclock.Clock
	registrar *Registrar

	mu        sync.Mutex
	consumers []*Consumer
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	pool      *WorkerPool

	// inflight maps fullName/id to inflightQueued while an entry is queued or
	// running. With the pending loop enabled a finished entry stays marked
	// inflightDone until the consumer's next pending pass, so a snapshot read
	// before its ack does not dispatch it again.
	inflight sync.Map

	observersMu sync.RWMutex
	observers   []Observer

	metrics   *containerMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// containerMetrics uses lock-free atomics.
type containerMetrics struct {
	consumed     atomic.Uint64
	succeeded    atomic.Uint64
	retried      atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	acked        atomic.Uint64
	rejected     atomic.Uint64
	errors       atomic.Uint64
	processingNs atomic.Int64
}

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

type inflightState int

const (
	inflightQueued inflightState = iota
	inflightDone
)

// NewContainer builds a container over store and dead. A LoggingObserver on the
// configured logger is always attached.
func NewContainer(store LogStore, dead DeadLetterSink, opts ...Option) (*Container, error) {
	if store == nil {
		return nil, errors.New("xstream: log store is required")
	}
	if dead == nil {
		return nil, errors.New("xstream: dead-letter sink is required")
	}
	o := buildOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		store:     store,
		dead:      dead,
		cfg:       o.cfg,
		ledger:    o.ledger,
		logger:    o.logger,
		clock:     o.clock,
		registrar: NewRegistrar(store, o.logger),
		metrics:   &containerMetrics{},
	}
	c.AddObserver(LoggingObserver{Logger: o.logger})
	for _, ob := range o.observers {
		c.AddObserver(ob)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Container) Config() Config { return c.cfg }

// Ledger returns the retry ledger shared by all consumers of the container.
func (c *Container) Ledger() Ledger { return c.ledger }

// Register validates every config, then prepares stream and group for each
// consumer. Either every consumer is registered or none is: on a store failure
// the identities already recorded by this call are released. Streams and groups
// created before the failure are kept.
func (c *Container) Register(ctx context.Context, cfgs ...ConsumerConfig) error {
	if c.closed.Load() {
		return ErrContainerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrContainerStarted
	}

	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Handler == nil {
			return &RegistrationError{FullName: cfg.FullName(), Err: ErrNilHandler}
		}
		if err := c.registrar.Check(cfg.Identity); err != nil {
			return err
		}
		if _, dup := seen[cfg.FullName()]; dup {
			return &RegistrationError{FullName: cfg.FullName(), Err: ErrDuplicateConsumer}
		}
		seen[cfg.FullName()] = struct{}{}
	}

	built := make([]*Consumer, 0, len(cfgs))
	for _, cfg := range cfgs {
		cons, err := NewConsumer(cfg, c.store, c.dead,
			WithConfig(c.cfg),
			WithLedger(c.ledger),
			WithLogger(c.logger),
			WithClock(c.clock),
			withNotify(c.notify),
		)
		if err != nil {
			return err
		}
		built = append(built, cons)
	}

	for i, cons := range built {
		if err := c.registrar.Register(ctx, cons.Identity()); err != nil {
			for _, done := range built[:i] {
				c.registrar.Release(done.Identity().FullName())
			}
			return err
		}
	}

	for _, cons := range built {
		c.consumers = append(c.consumers, cons)
		c.logger.Info().
			Str("consumer", cons.Identity().FullName()).
			Str("max_retries", strconv.Itoa(cons.cfg.maxRetries())).
			Msg("xstream: consumer registered")
	}
	return nil
}

// Consumers returns the identities of the registered consumers.
func (c *Container) Consumers() []Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Identity, 0, len(c.consumers))
	for _, cons := range c.consumers {
		out = append(out, cons.Identity())
	}
	return out
}

// Start launches one poll loop per consumer, plus a pending re-read loop when
// Config.PendingInterval is set. It returns immediately.
func (c *Container) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrContainerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrContainerStarted
	}
	if len(c.consumers) == 0 {
		return ErrNoConsumers
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	c.pool = NewWorkerPool(c.cfg.Workers, c.cfg.QueueCapacity, func(r any) {
		c.metrics.errors.Add(1)
		c.logger.Error().Str("panic", fmt.Sprint(r)).Msg("xstream: worker panic (recovered)")
	})

	for _, cons := range c.consumers {
		g.Go(func() error {
			c.pollLoop(gctx, cons)
			return nil
		})
		if c.cfg.PendingInterval > 0 {
			g.Go(func() error {
				c.pendingLoop(gctx, cons)
				return nil
			})
		}
	}

	c.cancel = cancel
	c.group = g
	c.started = true
	c.logger.Info().
		Str("consumers", strconv.Itoa(len(c.consumers))).
		Str("workers", strconv.Itoa(c.cfg.Workers)).
		Msg("xstream: container started")
	return nil
}

// Stop cancels polling, waits for the poll loops and drains the worker pool.
// Entries still queued are processed; acks survive the cancellation. Idempotent.
func (c *Container) Stop(ctx context.Context) error {
	var stopErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		cancel, g, pool := c.cancel, c.group, c.pool
		c.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()

		done := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
			c.logger.Warn().Err(stopErr).Msg("xstream: poll loops did not stop in time")
		}

		if err := pool.Close(c.cfg.ShutdownTimeout); err != nil {
			c.logger.Warn().Err(err).Msg("xstream: worker pool shutdown timeout")
			stopErr = errors.Join(stopErr, err)
		}
		c.logger.Info().Msg("xstream: container stopped")
	})
	return stopErr
}

// pollLoop reads new entries for one consumer and dispatches them to the pool.
func (c *Container) pollLoop(ctx context.Context, cons *Consumer) {
	id := cons.Identity()
	args := ReadArgs{
		Stream:   id.Stream,
		Group:    id.Group,
		Consumer: id.Consumer,
		Offset:   OffsetNew,
		Block:    c.cfg.PollTimeout,
		Count:    c.cfg.BatchSize,
	}

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := c.store.ReadGroup(ctx, args)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.readFailed(id, err)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for i := range entries {
			c.dispatch(ctx, cons, entries[i])
		}
	}
}

// pendingLoop periodically re-reads the consumer's own pending list so entries
// rejected by a full pool, or left unacknowledged, are delivered again.
func (c *Container) pendingLoop(ctx context.Context, cons *Consumer) {
	ticker := time.NewTicker(c.cfg.PendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.drainPending(ctx, cons)
	}
}

func (c *Container) drainPending(ctx context.Context, cons *Consumer) {
	id := cons.Identity()
	c.releaseFinished(id.FullName() + "/")
	args := ReadArgs{
		Stream:   id.Stream,
		Group:    id.Group,
		Consumer: id.Consumer,
		Offset:   OffsetPending,
		Count:    c.cfg.BatchSize,
	}
	for {
		entries, err := c.store.ReadGroup(ctx, args)
		if err != nil {
			if ctx.Err() == nil {
				c.readFailed(id, err)
			}
			return
		}
		if len(entries) == 0 {
			return
		}
		for i := range entries {
			if !c.dispatch(ctx, cons, entries[i]) {
				return
			}
		}
		args.Offset = entries[len(entries)-1].ID
	}
}

func (c *Container) readFailed(id Identity, err error) {
	c.logger.Warn().
		Str("consumer", id.FullName()).
		Err(err).
		Msg("xstream: read failed, backing off")
	ev := newEvent(EventError, id, "")
	ev.Err = err
	c.notify(ev)
}

// releaseFinished drops the inflightDone markers under prefix.
func (c *Container) releaseFinished(prefix string) {
	c.inflight.Range(func(k, v any) bool {
		if v == inflightDone && strings.HasPrefix(k.(string), prefix) {
			c.inflight.CompareAndDelete(k, inflightDone)
		}
		return true
	})
}

// dispatch hands one entry to the pool. It reports false when the pool rejected
// it or the container is stopping; the entry then stays pending for this
// consumer.
func (c *Container) dispatch(ctx context.Context, cons *Consumer, e Entry) bool {
	if ctx.Err() != nil || c.closed.Load() {
		return false
	}
	key := cons.Identity().FullName() + "/" + e.ID
	if _, busy := c.inflight.LoadOrStore(key, inflightQueued); busy {
		return true
	}

	entry := e
	ok := c.pool.TrySubmit(func() {
		defer c.finished(key)
		cons.Process(ctx, &entry)
	})
	if ok {
		return true
	}

	c.inflight.Delete(key)
	if c.closed.Load() {
		return false
	}
	c.logger.Error().
		Str("consumer", cons.Identity().FullName()).
		Str("message_id", e.ID).
		Msg("xstream: worker pool is full, entry left pending")
	c.notify(newEvent(EventRejected, cons.Identity(), e.ID))
	return false
}

func (c *Container) finished(key string) {
	if c.cfg.PendingInterval > 0 {
		c.inflight.Store(key, inflightDone)
		return
	}
	c.inflight.Delete(key)
}

// Metrics returns a snapshot of container telemetry.
func (c *Container) Metrics() Metrics {
	m := Metrics{
		Consumed:     c.metrics.consumed.Load(),
		Succeeded:    c.metrics.succeeded.Load(),
		Retried:      c.metrics.retried.Load(),
		Failed:       c.metrics.failed.Load(),
		DeadLettered: c.metrics.deadLettered.Load(),
		Acked:        c.metrics.acked.Load(),
		Rejected:     c.metrics.rejected.Load(),
		Errors:       c.metrics.errors.Load(),
	}
	if done := m.Succeeded + m.Retried + m.Failed; done > 0 {
		m.AvgProcessingTimeMs = float64(c.metrics.processingNs.Load()) / float64(done) / 1e6
	}
	return m
}

// Health reports "unhealthy" once stopped and "degraded" when more than 5% of
// consumed entries were dead-lettered.
func (c *Container) Health(ctx context.Context) HealthStatus {
	now := c.clock.Now()
	if c.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "container is stopped",
		}
	}

	metrics := c.Metrics()
	status := "healthy"
	msg := ""
	if metrics.DeadLettered > 0 && metrics.Consumed > 0 {
		rate := float64(metrics.DeadLettered) / float64(metrics.Consumed)
		if rate > 0.05 {
			status = "degraded"
			msg = fmt.Sprintf("dead-letter rate %.2f%%", rate*100)
		}
	}

	var pool PoolStats
	c.mu.Lock()
	if c.pool != nil {
		pool = c.pool.Stats()
	}
	c.mu.Unlock()

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Pool:      pool,
		Timestamp: now,
		Message:   msg,
	}
}

// AddObserver registers an observer (thread-safe).
func (c *Container) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers[:len(c.observers):len(c.observers)], obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of uncomparable types, such as
// ObserverFunc, cannot be removed.
func (c *Container) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	// Copy on write: notify iterates a snapshot without holding the lock.
	kept := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		if o != obs {
			kept = append(kept, o)
		}
	}
	c.observers = kept
}

// notify updates metrics and fans the event out to observers on the calling
// goroutine. Observers must not block.
func (c *Container) notify(e Event) {
	switch e.Type {
	case EventConsume:
		c.metrics.consumed.Add(1)
	case EventSuccess:
		c.metrics.succeeded.Add(1)
		c.metrics.processingNs.Add(e.Duration.Nanoseconds())
	case EventRetry:
		c.metrics.retried.Add(1)
		c.metrics.processingNs.Add(e.Duration.Nanoseconds())
	case EventFailure:
		c.metrics.failed.Add(1)
		c.metrics.processingNs.Add(e.Duration.Nanoseconds())
	case EventDeadLetter:
		c.metrics.deadLettered.Add(1)
	case EventAck:
		c.metrics.acked.Add(1)
	case EventRejected:
		c.metrics.rejected.Add(1)
	case EventError:
		c.metrics.errors.Add(1)
	}

	c.observersMu.RLock()
	observers := c.observers
	c.observersMu.RUnlock()
	for _, ob := range observers {
		ob.OnEvent(e)
	}
}
