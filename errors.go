package xstream

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupExists is returned by LogStore.CreateGroup when the group is already present.
	ErrGroupExists = errors.New("xstream: consumer group already exists")

	ErrBlankIdentity     = errors.New("xstream: stream, group and consumer name are required")
	ErrDuplicateConsumer = errors.New("xstream: consumer already registered")
	ErrNilHandler        = errors.New("xstream: handler must not be nil")
	ErrContainerClosed   = errors.New("xstream: container is closed")
	ErrContainerStarted  = errors.New("xstream: container already started")
	ErrNoConsumers       = errors.New("xstream: no consumers registered")
	ErrInvalidStream     = errors.New("xstream: stream name required")
	ErrEmptyFields       = errors.New("xstream: entry fields required")

	ErrPoolShutdownTimeout = errors.New("xstream: worker pool shutdown timeout")
)

// RegistrationError is a fatal configuration error raised before consumption starts.
// It is never retried.
type RegistrationError struct {
	FullName string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("xstream: register consumer [%s]: %v", e.FullName, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ErrUnknownCodec is returned by NewCodec for names that were never registered.
type ErrUnknownCodec struct{ name string }

func (e ErrUnknownCodec) Error() string { return fmt.Sprintf("codec %q not registered", e.name) }
