package xstream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/trickstertwo/xlog"
)

// Registrar prepares the stream and consumer group a consumer attaches to and
// rejects blank or duplicate identities.
type Registrar struct {
	store  LogStore
	logger *xlog.Logger

	mu    sync.Mutex
	names map[string]struct{}
}

func NewRegistrar(store LogStore, logger *xlog.Logger) *Registrar {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Registrar{
		store:  store,
		logger: logger,
		names:  make(map[string]struct{}),
	}
}

// Check validates id without touching the store.
func (r *Registrar) Check(id Identity) error {
	if strings.TrimSpace(id.Stream) == "" || strings.TrimSpace(id.Group) == "" || strings.TrimSpace(id.Consumer) == "" {
		return &RegistrationError{FullName: id.FullName(), Err: ErrBlankIdentity}
	}
	r.mu.Lock()
	_, dup := r.names[id.FullName()]
	r.mu.Unlock()
	if dup {
		return &RegistrationError{FullName: id.FullName(), Err: ErrDuplicateConsumer}
	}
	return nil
}

// Register creates the stream (with a placeholder entry) and the group when
// missing, then records the consumer. Errors are fatal configuration errors.
func (r *Registrar) Register(ctx context.Context, id Identity) error {
	if err := r.Check(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[id.FullName()]; dup {
		return &RegistrationError{FullName: id.FullName(), Err: ErrDuplicateConsumer}
	}

	exists, err := r.store.StreamExists(ctx, id.Stream)
	if err != nil {
		return &RegistrationError{FullName: id.FullName(), Err: err}
	}
	if !exists {
		// A group cannot be created on an empty key; seed it.
		if _, err := r.store.Append(ctx, id.Stream, map[string]any{"": ""}); err != nil {
			return &RegistrationError{FullName: id.FullName(), Err: err}
		}
		r.logger.Info().Str("stream", id.Stream).Msg("xstream: init stream success")
	}

	if err := r.store.CreateGroup(ctx, id.Stream, id.Group); err != nil {
		if !errors.Is(err, ErrGroupExists) {
			return &RegistrationError{FullName: id.FullName(), Err: err}
		}
		r.logger.Warn().
			Str("stream", id.Stream).
			Str("group", id.Group).
			Msg("xstream: consumer group already exists")
	}

	r.names[id.FullName()] = struct{}{}
	return nil
}

// Registered reports whether fullName was registered.
func (r *Registrar) Registered(fullName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[fullName]
	return ok
}

// Release forgets fullName so the identity can be registered again.
func (r *Registrar) Release(fullName string) {
	r.mu.Lock()
	delete(r.names, fullName)
	r.mu.Unlock()
}
