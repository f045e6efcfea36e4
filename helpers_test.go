package xstream

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

func testLogger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelDebug,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
		Writer:            io.Discard,
	})
}

type appended struct {
	stream string
	id     string
	fields map[string]any
}

// fakeStore records every call and returns the configured errors.
type fakeStore struct {
	mu sync.Mutex

	exists    bool
	groups    int
	seq       int
	existsErr error
	createErr error
	groupErr  error
	appendErr error
	ackErr    error
	deleteErr error

	appended []appended
	created  []string
	acked    []string
	deleted  []string
	calls    []string
}

func newFakeStore(groups int) *fakeStore {
	return &fakeStore{exists: true, groups: groups}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) StreamExists(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("exists")
	return s.exists, s.existsErr
}

func (s *fakeStore) Append(_ context.Context, stream string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("append")
	if s.appendErr != nil {
		return "", s.appendErr
	}
	s.seq++
	id := "100-" + strconv.Itoa(s.seq)
	s.appended = append(s.appended, appended{stream: stream, id: id, fields: fields})
	return id, nil
}

func (s *fakeStore) CreateGroup(_ context.Context, stream, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_group")
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, stream+"/"+group)
	return nil
}

func (s *fakeStore) GroupCount(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("group_count")
	return s.groups, s.groupErr
}

func (s *fakeStore) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	if args.Block > 0 {
		select {
		case <-time.After(args.Block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func (s *fakeStore) Ack(_ context.Context, _, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ack")
	s.acked = append(s.acked, id)
	return s.ackErr
}

func (s *fakeStore) Delete(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete")
	s.deleted = append(s.deleted, id)
	return s.deleteErr
}

type deadLetter struct {
	collection string
	field      string
	fields     map[string]any
}

type fakeSink struct {
	mu   sync.Mutex
	err  error
	puts []deadLetter
}

func (d *fakeSink) Put(_ context.Context, collection, field string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.puts = append(d.puts, deadLetter{collection: collection, field: field, fields: fields})
	return nil
}

// eventRecorder collects events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
