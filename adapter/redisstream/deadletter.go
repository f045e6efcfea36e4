package redisstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xstream"
)

// DeadLetters implements xstream.DeadLetterSink as HSET collection field value,
// where value is the codec encoding of the entry fields.
type DeadLetters struct {
	client redis.Cmdable
	codec  xstream.Codec
}

var _ xstream.DeadLetterSink = (*DeadLetters)(nil)

// NewDeadLetters uses JSON when codec is nil.
func NewDeadLetters(client redis.Cmdable, codec xstream.Codec) *DeadLetters {
	if codec == nil {
		codec = xstream.JSONCodec{}
	}
	return &DeadLetters{client: client, codec: codec}
}

func (d *DeadLetters) Put(ctx context.Context, collection, field string, fields map[string]any) error {
	data, err := d.codec.Marshal(fields)
	if err != nil {
		return fmt.Errorf("redisstream: encode dead letter %s: %w", field, err)
	}
	return d.client.HSet(ctx, collection, field, data).Err()
}

// Get decodes the value stored under collection/field.
func (d *DeadLetters) Get(ctx context.Context, collection, field string) (map[string]any, error) {
	data, err := d.client.HGet(ctx, collection, field).Bytes()
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := d.codec.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
