package memory

import (
	"context"
	"sync"

	"github.com/trickstertwo/xstream"
)

// DeadLetters is an in-process DeadLetterSink keeping one hash per collection.
type DeadLetters struct {
	mu     sync.RWMutex
	hashes map[string]map[string]map[string]any
}

var _ xstream.DeadLetterSink = (*DeadLetters)(nil)

func NewDeadLetters() *DeadLetters {
	return &DeadLetters{hashes: make(map[string]map[string]map[string]any)}
}

// Put stores fields under collection/field, replacing any previous value.
func (d *DeadLetters) Put(_ context.Context, collection, field string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hashes[collection]
	if !ok {
		h = make(map[string]map[string]any)
		d.hashes[collection] = h
	}
	h[field] = copyFields(fields)
	return nil
}

// Get returns the fields stored under collection/field.
func (d *DeadLetters) Get(collection, field string) (map[string]any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.hashes[collection][field]
	return copyFields(v), ok
}

// Len returns the number of fields in collection.
func (d *DeadLetters) Len(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hashes[collection])
}

// Fields lists the field names of collection.
func (d *DeadLetters) Fields(collection string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.hashes[collection]))
	for f := range d.hashes[collection] {
		out = append(out, f)
	}
	return out
}
