package xstream

import (
	"encoding/json"
	"errors"
	"sync"
)

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownCodec{name: name}
	}
	return f(), nil
}

// DecodeField unmarshals the named field of e into T using c. String and byte
// fields are decoded; any other value is first re-encoded with c.
func DecodeField[T any](c Codec, e *Entry, name string) (T, error) {
	var v T
	raw, ok := e.Fields[name]
	if !ok {
		return v, errors.New("xstream: field " + name + " not present")
	}
	var data []byte
	switch r := raw.(type) {
	case string:
		data = []byte(r)
	case []byte:
		data = r
	default:
		b, err := c.Marshal(r)
		if err != nil {
			return v, err
		}
		data = b
	}
	if err := c.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
