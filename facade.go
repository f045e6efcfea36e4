package xstream

import (
	"context"
	"errors"
	"sync"
)

// ErrNoDefault is returned by the package-level helpers before SetDefault.
var ErrNoDefault = errors.New("xstream: no default container installed")

var (
	defaultContainer   *Container
	defaultContainerMu sync.RWMutex
)

// Default returns the process-wide Container installed by SetDefault (or an
// adapter's Use), or nil.
func Default() *Container {
	defaultContainerMu.RLock()
	defer defaultContainerMu.RUnlock()
	return defaultContainer
}

// SetDefault replaces the process-wide default Container.
func SetDefault(c *Container) {
	if c == nil {
		panic("xstream: SetDefault called with nil Container")
	}
	defaultContainerMu.Lock()
	defaultContainer = c
	defaultContainerMu.Unlock()
}

// Publish is the Facade using the default container.
func Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	c := Default()
	if c == nil {
		return "", ErrNoDefault
	}
	return c.Publish(ctx, stream, fields)
}

// Register is the Facade using the default container.
func Register(ctx context.Context, cfgs ...ConsumerConfig) error {
	c := Default()
	if c == nil {
		return ErrNoDefault
	}
	return c.Register(ctx, cfgs...)
}
