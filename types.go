package xstream

import (
	"context"
	"time"
)

// Handler processes a single entry. A non-nil error is a handler failure and drives
// the retry/dead-letter decision; it is never propagated past Consumer.Process.
type Handler func(ctx context.Context, e *Entry) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Read offsets understood by LogStore.ReadGroup.
const (
	// OffsetNew reads entries never delivered to any consumer of the group.
	OffsetNew = ">"
	// OffsetPending re-reads entries delivered to this consumer but not yet acknowledged.
	OffsetPending = "0"
)

// ReadArgs describes one consumer-group read.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Offset   string
	Block    time.Duration
	Count    int
}

// LogStore is the log-store client the consumption layer rides on.
type LogStore interface {
	StreamExists(ctx context.Context, stream string) (bool, error)
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)
	// CreateGroup returns ErrGroupExists when the group is already present.
	CreateGroup(ctx context.Context, stream, group string) error
	GroupCount(ctx context.Context, stream string) (int, error)
	// ReadGroup blocks up to args.Block and returns an empty slice on timeout.
	ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	Delete(ctx context.Context, stream, id string) error
}

// DeadLetterSink durably stores entries that cannot be retried. Append-only.
type DeadLetterSink interface {
	Put(ctx context.Context, collection, field string, fields map[string]any) error
}

// Ledger maps retry keys to attempt counters. Implementations must be safe for
// concurrent use with per-key atomicity.
type Ledger interface {
	// Get returns the counter for key, or 0 when absent.
	Get(key string) int64
	Set(key string, attempts int64)
	Remove(key string)
}

// Codec is the Strategy for encoding field payloads into dead-letter values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives container lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the Container surface.
type API interface {
	Register(ctx context.Context, cfgs ...ConsumerConfig) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, stream string, fields map[string]any) (string, error)
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Container)(nil)
var _ HealthChecker = (*Container)(nil)

// Metrics is a snapshot of container telemetry.
type Metrics struct {
	Consumed     uint64
	Succeeded    uint64
	Retried      uint64
	Failed       uint64
	DeadLettered uint64
	Acked        uint64
	Rejected     uint64
	Errors       uint64

	AvgProcessingTimeMs float64
}

// HealthStatus indicates container health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Pool      PoolStats
	Timestamp time.Time
	Message   string
}

// PoolStats returns telemetry about the worker pool.
type PoolStats struct {
	Rejected   uint64
	Completed  uint64
	Queued     int
	Workers    int
	BufferSize int
}
