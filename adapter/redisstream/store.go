package redisstream

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xstream"
)

// Store implements xstream.LogStore on Redis Streams.
type Store struct {
	client       redis.Cmdable
	maxLenApprox int64

	metrics *storeMetrics
}

// storeMetrics tracks command telemetry.
type storeMetrics struct {
	appended     atomic.Uint64
	read         atomic.Uint64
	acked        atomic.Uint64
	deleted      atomic.Uint64
	appendErrors atomic.Uint64
	readErrors   atomic.Uint64
}

var _ xstream.LogStore = (*Store)(nil)

// NewStore wraps client. maxLenApprox > 0 trims every XADD with MAXLEN ~.
func NewStore(client redis.Cmdable, maxLenApprox int64) *Store {
	return &Store{
		client:       client,
		maxLenApprox: maxLenApprox,
		metrics:      &storeMetrics{},
	}
}

func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	n, err := s.client.Exists(ctx, stream).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Append issues XADD with a server-generated id.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: fields,
	}
	if s.maxLenApprox > 0 {
		args.MaxLen = s.maxLenApprox
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		s.metrics.appendErrors.Add(1)
		return "", err
	}
	s.metrics.appended.Add(1)
	return id, nil
}

// CreateGroup issues XGROUP CREATE at "$". BUSYGROUP maps to xstream.ErrGroupExists.
func (s *Store) CreateGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreate(ctx, stream, group, "$").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return xstream.ErrGroupExists
	}
	return err
}

// GroupCount returns the length of XINFO GROUPS.
func (s *Store) GroupCount(ctx context.Context, stream string) (int, error) {
	groups, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, err
	}
	return len(groups), nil
}

// ReadGroup issues XREADGROUP. BLOCK is only sent for new-entry reads with a
// positive duration; a block timeout (redis.Nil) yields an empty slice.
func (s *Store) ReadGroup(ctx context.Context, args xstream.ReadArgs) ([]xstream.Entry, error) {
	block := args.Block
	if args.Offset != xstream.OffsetNew || block <= 0 {
		block = -1
	}
	count := args.Count
	if count < 1 {
		count = 1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, args.Offset},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.metrics.readErrors.Add(1)
		return nil, err
	}

	var out []xstream.Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			out = append(out, xstream.Entry{ID: msg.ID, Stream: st.Stream, Fields: msg.Values})
		}
	}
	s.metrics.read.Add(uint64(len(out)))
	return out, nil
}

func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return err
	}
	s.metrics.acked.Add(1)
	return nil
}

func (s *Store) Delete(ctx context.Context, stream, id string) error {
	if err := s.client.XDel(ctx, stream, id).Err(); err != nil {
		return err
	}
	s.metrics.deleted.Add(1)
	return nil
}

// Stats returns store telemetry.
type Stats struct {
	Appended     uint64
	Read         uint64
	Acked        uint64
	Deleted      uint64
	AppendErrors uint64
	ReadErrors   uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Appended:     s.metrics.appended.Load(),
		Read:         s.metrics.read.Load(),
		Acked:        s.metrics.acked.Load(),
		Deleted:      s.metrics.deleted.Load(),
		AppendErrors: s.metrics.appendErrors.Load(),
		ReadErrors:   s.metrics.readErrors.Load(),
	}
}
