package xstream

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type options struct {
	cfg       Config
	ledger    Ledger
	logger    *xlog.Logger
	clock     xclock.Clock
	observers []Observer
	notify    func(Event)
}

// Option configures a Container or a standalone Consumer.
type Option func(*options)

// WithConfig replaces the container configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg.withDefaults() }
}

// WithLedger injects the retry ledger (default: a fresh MemoryLedger).
func WithLedger(l Ledger) Option {
	return func(o *options) {
		if l != nil {
			o.ledger = l
		}
	}
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...Observer) Option {
	return func(o *options) {
		for _, ob := range obs {
			if ob != nil {
				o.observers = append(o.observers, ob)
			}
		}
	}
}

// withNotify routes consumer events through the container.
func withNotify(fn func(Event)) Option {
	return func(o *options) { o.notify = fn }
}

func buildOptions(opts []Option) options {
	o := options{cfg: Defaults()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.ledger == nil {
		o.ledger = NewMemoryLedger()
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}
	return o
}
