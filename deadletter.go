package xstream

import "context"

// DefaultDeadLetterKey is the hash every consumer writes terminally failed entries to.
const DefaultDeadLetterKey = "xstream:hash:dead-letter-queue"

// DeadLetterSinkFunc is an Adapter that lets a plain function satisfy DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, collection, field string, fields map[string]any) error

func (f DeadLetterSinkFunc) Put(ctx context.Context, collection, field string, fields map[string]any) error {
	return f(ctx, collection, field, fields)
}

// DiscardDeadLetters drops every entry. Useful when the default failure hook is
// replaced and nothing should be persisted.
var DiscardDeadLetters DeadLetterSink = DeadLetterSinkFunc(func(context.Context, string, string, map[string]any) error {
	return nil
})
