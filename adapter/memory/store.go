package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xstream"
)

var (
	ErrNoStream = errors.New("memory: no such stream")
	ErrNoGroup  = errors.New("memory: no such consumer group")
	ErrClosed   = errors.New("memory: store is closed")
)

// Store is an in-process LogStore with Redis Streams semantics: entry ids are
// "<ms>-<seq>", groups start at the stream tail and every delivery stays in the
// consumer's pending list until acknowledged. Dev/testing only.
type Store struct {
	clock xclock.Clock

	mu      sync.Mutex
	streams map[string]*stream
	// signal is closed and replaced on every append to wake blocked readers.
	signal chan struct{}

	closed  atomic.Bool
	metrics *storeMetrics
}

type storeMetrics struct {
	appended atomic.Uint64
	read     atomic.Uint64
	acked    atomic.Uint64
	deleted  atomic.Uint64
}

type stream struct {
	records []record
	last    entryID
	groups  map[string]*group
}

type record struct {
	id     entryID
	fields map[string]any
}

type group struct {
	lastDelivered entryID
	// pending maps entry id to the consumer owning the delivery.
	pending map[entryID]string
}

var _ xstream.LogStore = (*Store)(nil)

// NewStore creates an empty store. A nil clock selects xclock.Default().
func NewStore(clock xclock.Clock) *Store {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Store{
		clock:   clock,
		streams: make(map[string]*stream),
		signal:  make(chan struct{}),
		metrics: &storeMetrics{},
	}
}

func (s *Store) StreamExists(_ context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[name]
	return ok, nil
}

// Append adds an entry, creating the stream when missing.
func (s *Store) Append(_ context.Context, name string, fields map[string]any) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}

	id := entryID{ms: s.clock.Now().UnixMilli()}
	if id.ms <= st.last.ms {
		id = entryID{ms: st.last.ms, seq: st.last.seq + 1}
	}
	st.last = id
	st.records = append(st.records, record{id: id, fields: copyFields(fields)})

	close(s.signal)
	s.signal = make(chan struct{})
	s.metrics.appended.Add(1)
	return id.String(), nil
}

// CreateGroup creates group positioned at the stream tail ("$").
func (s *Store) CreateGroup(_ context.Context, name, groupName string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStream, name)
	}
	if _, ok := st.groups[groupName]; ok {
		return xstream.ErrGroupExists
	}
	st.groups[groupName] = &group{
		lastDelivered: st.last,
		pending:       make(map[entryID]string),
	}
	return nil
}

func (s *Store) GroupCount(_ context.Context, name string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoStream, name)
	}
	return len(st.groups), nil
}

// ReadGroup delivers new entries for OffsetNew, blocking up to args.Block, or
// re-reads the consumer's pending entries after the given id otherwise.
func (s *Store) ReadGroup(ctx context.Context, args xstream.ReadArgs) ([]xstream.Entry, error) {
	count := args.Count
	if count < 1 {
		count = 1
	}

	if args.Offset != xstream.OffsetNew {
		after, err := parseID(args.Offset)
		if err != nil {
			return nil, err
		}
		return s.readPending(args, after, count)
	}

	var deadline <-chan time.Time
	if args.Block > 0 {
		timer := time.NewTimer(args.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		entries, wait, err := s.readNew(args, count)
		if err != nil || len(entries) > 0 || deadline == nil {
			return entries, err
		}
		select {
		case <-wait:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) readNew(args xstream.ReadArgs, count int) ([]xstream.Entry, <-chan struct{}, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, g, err := s.lookup(args.Stream, args.Group)
	if err != nil {
		return nil, nil, err
	}

	var out []xstream.Entry
	for _, r := range st.records {
		if len(out) == count {
			break
		}
		if !g.lastDelivered.less(r.id) {
			continue
		}
		g.lastDelivered = r.id
		g.pending[r.id] = args.Consumer
		out = append(out, xstream.Entry{ID: r.id.String(), Stream: args.Stream, Fields: copyFields(r.fields)})
	}
	s.metrics.read.Add(uint64(len(out)))
	return out, s.signal, nil
}

func (s *Store) readPending(args xstream.ReadArgs, after entryID, count int) ([]xstream.Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, g, err := s.lookup(args.Stream, args.Group)
	if err != nil {
		return nil, err
	}

	ids := make([]entryID, 0, len(g.pending))
	for id, owner := range g.pending {
		if owner == args.Consumer && after.less(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	if len(ids) > count {
		ids = ids[:count]
	}

	out := make([]xstream.Entry, 0, len(ids))
	for _, id := range ids {
		// A pending entry deleted from the stream comes back without fields.
		var fields map[string]any
		if i, ok := st.find(id); ok {
			fields = copyFields(st.records[i].fields)
		}
		out = append(out, xstream.Entry{ID: id.String(), Stream: args.Stream, Fields: fields})
	}
	return out, nil
}

func (s *Store) Ack(_ context.Context, name, groupName, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	eid, err := parseID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, g, err := s.lookup(name, groupName)
	if err != nil {
		return err
	}
	if _, ok := g.pending[eid]; ok {
		delete(g.pending, eid)
		s.metrics.acked.Add(1)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, name, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	eid, err := parseID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	if i, ok := st.find(eid); ok {
		st.records = append(st.records[:i], st.records[i+1:]...)
		s.metrics.deleted.Add(1)
	}
	return nil
}

// Len returns the number of entries currently stored in the stream.
func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		return len(st.records)
	}
	return 0
}

// Pending returns the number of delivered but unacknowledged entries of a group.
func (s *Store) Pending(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, g, err := s.lookup(name, groupName); err == nil {
		return len(g.pending)
	}
	return 0
}

// Entries returns a copy of the entries currently stored in the stream.
func (s *Store) Entries(name string) []xstream.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]xstream.Entry, 0, len(st.records))
	for _, r := range st.records {
		out = append(out, xstream.Entry{ID: r.id.String(), Stream: name, Fields: copyFields(r.fields)})
	}
	return out
}

// Stats returns store telemetry.
type Stats struct {
	Appended uint64
	Read     uint64
	Acked    uint64
	Deleted  uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Appended: s.metrics.appended.Load(),
		Read:     s.metrics.read.Load(),
		Acked:    s.metrics.acked.Load(),
		Deleted:  s.metrics.deleted.Load(),
	}
}

// Close makes every further call fail. Idempotent.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) lookup(name, groupName string) (*stream, *group, error) {
	st, ok := s.streams[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoStream, name)
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrNoGroup, groupName, name)
	}
	return st, g, nil
}

func (st *stream) find(id entryID) (int, bool) {
	i := sort.Search(len(st.records), func(i int) bool { return !st.records[i].id.less(id) })
	if i < len(st.records) && st.records[i].id == id {
		return i, true
	}
	return 0, false
}

type entryID struct {
	ms  int64
	seq int64
}

func (a entryID) less(b entryID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func (a entryID) String() string {
	return strconv.FormatInt(a.ms, 10) + "-" + strconv.FormatInt(a.seq, 10)
}

// parseID accepts "<ms>-<seq>" and the bare "<ms>" form ("0").
func parseID(s string) (entryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("memory: invalid entry id %q", s)
	}
	var seq int64
	if hasSeq {
		if seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
			return entryID{}, fmt.Errorf("memory: invalid entry id %q", s)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

func copyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
