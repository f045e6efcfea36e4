package xstream

import "fmt"

// Entry is one record of a stream as delivered to a consumer. The consumer never
// mutates it; it only reads the fields and eventually asks the store to delete it.
type Entry struct {
	// ID is the store-assigned identifier (Redis: "<ms>-<seq>").
	ID string
	// Stream is the key of the stream the entry was read from.
	Stream string
	// Fields is the entry payload.
	Fields map[string]any
}

// Field returns the named field rendered as a string.
func (e *Entry) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return "", false
	}
	return asString(v), true
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s@%s%v", e.ID, e.Stream, e.Fields)
}

// Identity names a consumer: which stream it reads, in which group, under which name.
type Identity struct {
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// FullName is the registration identity, "stream:group:consumer".
func (id Identity) FullName() string {
	return id.Stream + ":" + id.Group + ":" + id.Consumer
}

// FullGroup scopes retry keys. Retries are shared by every consumer of a group.
func (id Identity) FullGroup() string {
	return id.Stream + ":" + id.Group
}

// RetryKey identifies the attempt counter of one entry occurrence within a group.
func RetryKey(fullGroup, entryID string) string {
	return fullGroup + "-" + entryID
}

// DeadLetterField is the hash field a terminally failed entry is stored under.
func DeadLetterField(fullName, entryID string) string {
	return fullName + ":" + entryID
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
