package xstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultMaxRetries is the retry budget of a consumer that does not set one.
const DefaultMaxRetries = 10

// NoRetry disables re-injection: the first failure dead-letters the entry.
const NoRetry = -1

// Outcome is the result of one consumption step.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	// OutcomeDeadLetterConflict: more than one group reads the stream, a re-injected
	// copy would reach groups that never failed.
	OutcomeDeadLetterConflict
	OutcomeDeadLetterExhausted
	// OutcomeDeadLetterUnretryable: the group count or the re-injection append failed.
	OutcomeDeadLetterUnretryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetterConflict:
		return "dead_letter_conflict"
	case OutcomeDeadLetterExhausted:
		return "dead_letter_exhausted"
	case OutcomeDeadLetterUnretryable:
		return "dead_letter_unretryable"
	default:
		return "unknown"
	}
}

// Decide maps a handler result to an outcome. attempts is the counter stored for
// the delivered entry's retry key.
func Decide(handlerErr error, groups int, attempts int64, maxRetries int) Outcome {
	switch {
	case handlerErr == nil:
		return OutcomeSuccess
	case groups > 1:
		return OutcomeDeadLetterConflict
	case attempts >= int64(maxRetries):
		return OutcomeDeadLetterExhausted
	default:
		return OutcomeRetry
	}
}

// Failure describes a terminal handler failure passed to OnFailure.
type Failure struct {
	Err      error
	Attempts int64
	Outcome  Outcome
}

// ConsumerConfig composes a consumer from a handler and optional hooks.
type ConsumerConfig struct {
	Identity

	// Handler is required.
	Handler Handler
	// MaxRetries bounds re-injections per chain. Zero means DefaultMaxRetries,
	// NoRetry (or any negative value) disables retry.
	MaxRetries int
	// OnSuccess runs after a successful handler call. Its errors and panics are
	// logged and never change the outcome.
	OnSuccess func(ctx context.Context, e *Entry) error
	// OnFailure replaces the default terminal behavior (Consumer.DeadLetter).
	OnFailure func(ctx context.Context, e *Entry, f Failure)
	// OnFinally runs last, after the entry was acknowledged and deleted.
	OnFinally func(ctx context.Context, e *Entry)
	// Middleware wraps Handler; recovery is always installed outermost.
	Middleware []Middleware
}

func (c ConsumerConfig) maxRetries() int {
	if c.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// Consumer runs the retry-aware consumption protocol for one Identity.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler

	store   LogStore
	dead    DeadLetterSink
	deadKey string
	ledger  Ledger

	logger     *xlog.Logger
	clock      xclock.Clock
	ackTimeout time.Duration
	notify     func(Event)
}

// NewConsumer builds a consumer. It does not touch the store; use a Registrar (or
// a Container) to create the stream and group first.
func NewConsumer(cfg ConsumerConfig, store LogStore, dead DeadLetterSink, opts ...Option) (*Consumer, error) {
	if cfg.Handler == nil {
		return nil, &RegistrationError{FullName: cfg.FullName(), Err: ErrNilHandler}
	}
	if store == nil || dead == nil {
		return nil, errors.New("xstream: log store and dead-letter sink are required")
	}
	o := buildOptions(opts)
	notify := o.notify
	if notify == nil {
		observers := o.observers
		notify = func(e Event) {
			for _, ob := range observers {
				ob.OnEvent(e)
			}
		}
	}

	mws := append([]Middleware{RecoveryMiddleware()}, cfg.Middleware...)
	return &Consumer{
		cfg:        cfg,
		handler:    Chain(cfg.Handler, mws...),
		store:      store,
		dead:       dead,
		deadKey:    o.cfg.DeadLetterKey,
		ledger:     o.ledger,
		logger:     o.logger,
		clock:      o.clock,
		ackTimeout: o.cfg.AckTimeout,
		notify:     notify,
	}, nil
}

// Identity returns the consumer identity.
func (c *Consumer) Identity() Identity { return c.cfg.Identity }

// Process consumes one delivered entry. It never returns the handler's error: the
// entry is either retried by re-injection or handed to the failure hook, and in
// every case acknowledged and deleted exactly once.
//
// An entry without fields was deleted from the stream after delivery (another
// group consumed it, or an earlier delete outlived a failed ack). It is only
// acknowledged; the handler and hooks do not run.
func (c *Consumer) Process(ctx context.Context, e *Entry) {
	hctx := injectIdentity(ctx, c.cfg.Identity)
	hctx = injectLogger(hctx, c.logger)
	hctx = injectClock(hctx, c.clock)

	if len(e.Fields) == 0 {
		c.discard(hctx, e)
		return
	}
	defer c.finish(hctx, e)

	c.notify(newEvent(EventConsume, c.cfg.Identity, e.ID))
	start := c.clock.Now()

	err := c.handler(hctx, e)
	elapsed := c.clock.Since(start)
	if err == nil {
		c.succeed(hctx, e, elapsed)
		return
	}
	c.fail(hctx, e, err, elapsed)
}

// discard acknowledges a deleted entry without processing it.
func (c *Consumer) discard(ctx context.Context, e *Entry) {
	c.logger.Warn().
		Str("consumer", c.cfg.FullName()).
		Str("message_id", e.ID).
		Msg("xstream: pending entry no longer in stream, acknowledging")

	actx, cancel := c.boundedContext(ctx)
	defer cancel()
	if err := c.store.Ack(actx, e.Stream, c.cfg.Group, e.ID); err != nil {
		c.ackFailed(e, "ack", err)
	} else {
		c.notify(newEvent(EventAck, c.cfg.Identity, e.ID))
	}
	c.ledger.Remove(RetryKey(c.cfg.FullGroup(), e.ID))
}

func (c *Consumer) succeed(ctx context.Context, e *Entry, elapsed time.Duration) {
	ev := newEvent(EventSuccess, c.cfg.Identity, e.ID)
	ev.Duration = elapsed
	c.notify(ev)

	if c.cfg.OnSuccess == nil {
		return
	}
	if err := c.runSuccessHook(ctx, e); err != nil {
		c.logger.Error().
			Str("consumer", c.cfg.FullName()).
			Str("message_id", e.ID).
			Err(err).
			Msg("xstream: success hook failed")
	}
}

func (c *Consumer) runSuccessHook(ctx context.Context, e *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return c.cfg.OnSuccess(ctx, e)
}

func (c *Consumer) fail(ctx context.Context, e *Entry, herr error, elapsed time.Duration) {
	key := RetryKey(c.cfg.FullGroup(), e.ID)

	groups, err := c.store.GroupCount(ctx, e.Stream)
	if err != nil {
		c.logger.Warn().
			Str("consumer", c.cfg.FullName()).
			Str("message_id", e.ID).
			Err(err).
			Msg("xstream: cannot count consumer groups, retry disabled")
		c.terminal(ctx, e, Failure{Err: herr, Attempts: c.ledger.Get(key), Outcome: OutcomeDeadLetterUnretryable}, elapsed)
		return
	}

	attempts := c.ledger.Get(key)
	switch outcome := Decide(herr, groups, attempts, c.cfg.maxRetries()); outcome {
	case OutcomeRetry:
		c.retry(ctx, e, herr, attempts, elapsed)
	case OutcomeDeadLetterConflict:
		c.logger.Info().
			Str("consumer", c.cfg.FullName()).
			Str("message_id", e.ID).
			Str("groups", strconv.Itoa(groups)).
			Msg("xstream: stream has multiple consumer groups, retry disabled")
		c.terminal(ctx, e, Failure{Err: herr, Attempts: attempts, Outcome: outcome}, elapsed)
	default:
		c.terminal(ctx, e, Failure{Err: herr, Attempts: attempts, Outcome: outcome}, elapsed)
	}
}

// retry re-injects the payload as a new entry and moves the counter to its id.
func (c *Consumer) retry(ctx context.Context, e *Entry, herr error, attempts int64, elapsed time.Duration) {
	newID, err := c.store.Append(ctx, e.Stream, e.Fields)
	if err != nil {
		c.logger.Error().
			Str("consumer", c.cfg.FullName()).
			Str("message_id", e.ID).
			Err(err).
			Msg("xstream: re-injection failed")
		c.terminal(ctx, e, Failure{Err: errors.Join(herr, err), Attempts: attempts, Outcome: OutcomeDeadLetterUnretryable}, elapsed)
		return
	}
	c.ledger.Set(RetryKey(c.cfg.FullGroup(), newID), attempts+1)

	ev := newEvent(EventRetry, c.cfg.Identity, e.ID)
	ev.RetryID = newID
	ev.Attempts = attempts + 1
	ev.Outcome = OutcomeRetry
	ev.Duration = elapsed
	ev.Err = herr
	c.notify(ev)
}

func (c *Consumer) terminal(ctx context.Context, e *Entry, f Failure, elapsed time.Duration) {
	ev := newEvent(EventFailure, c.cfg.Identity, e.ID)
	ev.Attempts = f.Attempts
	ev.Outcome = f.Outcome
	ev.Duration = elapsed
	ev.Err = f.Err
	c.notify(ev)

	if c.cfg.OnFailure != nil {
		c.cfg.OnFailure(ctx, e, f)
		return
	}
	c.DeadLetter(ctx, e, f)
}

// DeadLetter is the default failure hook: it stores the entry fields in the
// dead-letter hash and logs the failure with full context.
func (c *Consumer) DeadLetter(ctx context.Context, e *Entry, f Failure) {
	dctx, cancel := c.boundedContext(ctx)
	defer cancel()

	field := DeadLetterField(c.cfg.FullName(), e.ID)
	if err := c.dead.Put(dctx, c.deadKey, field, e.Fields); err != nil {
		c.logger.Error().
			Str("consumer", c.cfg.FullName()).
			Str("message_id", e.ID).
			Err(err).
			Msg("xstream: dead-letter write failed")
		ev := newEvent(EventError, c.cfg.Identity, e.ID)
		ev.Err = err
		c.notify(ev)
		return
	}

	c.logger.Error().
		Str("consumer", c.cfg.FullName()).
		Str("message", fmt.Sprint(e.Fields)).
		Str("retries", strconv.FormatInt(f.Attempts, 10)).
		Str("outcome", f.Outcome.String()).
		Err(f.Err).
		Msg("xstream: message is put to dead letter queue")

	ev := newEvent(EventDeadLetter, c.cfg.Identity, e.ID)
	ev.Attempts = f.Attempts
	ev.Outcome = f.Outcome
	ev.Err = f.Err
	c.notify(ev)
}

// finish acknowledges and deletes the delivered entry, then clears its own retry
// key. A key stored for a re-injected copy is left in place for the next delivery.
func (c *Consumer) finish(ctx context.Context, e *Entry) {
	actx, cancel := c.boundedContext(ctx)
	defer cancel()

	if err := c.store.Ack(actx, e.Stream, c.cfg.Group, e.ID); err != nil {
		c.ackFailed(e, "ack", err)
	} else {
		c.notify(newEvent(EventAck, c.cfg.Identity, e.ID))
	}
	if err := c.store.Delete(actx, e.Stream, e.ID); err != nil {
		c.ackFailed(e, "delete", err)
	}
	c.ledger.Remove(RetryKey(c.cfg.FullGroup(), e.ID))

	if c.cfg.OnFinally != nil {
		c.cfg.OnFinally(ctx, e)
	}
}

// ackFailed logs a failed ack or delete. The entry stays pending and may be
// delivered again.
func (c *Consumer) ackFailed(e *Entry, op string, err error) {
	c.logger.Warn().
		Str("consumer", c.cfg.FullName()).
		Str("message_id", e.ID).
		Str("op", op).
		Err(err).
		Msg("xstream: entry may be redelivered")
	ev := newEvent(EventError, c.cfg.Identity, e.ID)
	ev.Err = err
	c.notify(ev)
}

// boundedContext survives cancellation of ctx so that shutdown does not leave
// processed entries pending.
func (c *Consumer) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.ackTimeout > 0 {
		return context.WithTimeout(base, c.ackTimeout)
	}
	return base, func() {}
}
