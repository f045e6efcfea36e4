package redisstream

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xstream"
)

// New connects to Redis and builds a Container whose store and dead-letter sink
// share the returned client. The caller closes the client after Container.Stop.
func New(cfg Config, opts ...xstream.Option) (*xstream.Container, *redis.Client, error) {
	cfg = cfg.withDefaults()
	codec, err := xstream.NewCodec(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	c, err := xstream.NewContainer(
		NewStore(client, cfg.MaxLenApprox),
		NewDeadLetters(client, codec),
		opts...,
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return c, client, nil
}

// Use is New that installs the container as the xstream default. It panics on
// failure, for programs where Redis must be available at startup.
func Use(cfg Config, opts ...xstream.Option) (*xstream.Container, *redis.Client) {
	c, client, err := New(cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	xstream.SetDefault(c)
	return c, client
}
