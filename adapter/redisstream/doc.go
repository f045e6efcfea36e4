// Package redisstream backs xstream with Redis Streams.
//
// Store maps the consumption protocol onto EXISTS, XADD, XGROUP CREATE, XINFO
// GROUPS, XREADGROUP, XACK and XDEL. DeadLetters writes terminally failed
// entries with HSET into a single hash (xstream.DefaultDeadLetterKey unless
// configured), one field per "stream:group:consumer:id".
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - url: redis URL, overrides addr/username/db
// - max_len_approx: XADD MAXLEN ~ (default 0, no trimming)
// - codec: dead-letter value codec (default "json")
//
// Example:
//
//	c, client := redisstream.Use(redisstream.Config{Addr: "localhost:6379"},
//	    xstream.WithLogger(logger),
//	)
//	defer client.Close()
//	_ = c.Register(ctx, xstream.ConsumerConfig{
//	    Identity: xstream.Identity{Stream: "orders", Group: "billing", Consumer: "billing-1"},
//	    Handler:  handle,
//	})
//	_ = c.Start(ctx)
package redisstream
