package xstream

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("stream", e.Stream),
		xlog.Str("group", e.Group),
		xlog.Str("consumer", e.Consumer),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case EventError, EventRejected:
		ev.Warn().Err(e.Err).Msg("xstream event")
	case EventRetry:
		ev.Info().
			Str("retry_id", e.RetryID).
			Str("attempts", strconv.FormatInt(e.Attempts, 10)).
			Err(e.Err).
			Msg("xstream event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xstream event")
	}
}
