package memory

import (
	"fmt"

	"github.com/trickstertwo/xstream"
)

// Use builds a Container over a fresh in-memory Store and DeadLetters, installs
// it as the xstream default and returns all three. It panics on an invalid
// configuration.
//
// Example:
//
//	c, store, dead := memory.Use(
//	    xstream.WithConfig(xstream.Config{Workers: 4}),
//	    xstream.WithLogger(logger),
//	)
func Use(opts ...xstream.Option) (*xstream.Container, *Store, *DeadLetters) {
	store := NewStore(nil)
	dead := NewDeadLetters()
	c, err := xstream.NewContainer(store, dead, opts...)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xstream.SetDefault(c)
	return c, store, dead
}
