package xstream

import "sync"

// MemoryLedger is the process-local Ledger. Counters do not survive a restart; the
// retry budget of an in-flight chain is reset to zero when the process goes away.
type MemoryLedger struct {
	mu       sync.Mutex
	attempts map[string]int64
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{attempts: make(map[string]int64)}
}

func (l *MemoryLedger) Get(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[key]
}

func (l *MemoryLedger) Set(key string, attempts int64) {
	l.mu.Lock()
	l.attempts[key] = attempts
	l.mu.Unlock()
}

func (l *MemoryLedger) Remove(key string) {
	l.mu.Lock()
	delete(l.attempts, key)
	l.mu.Unlock()
}

// Len reports how many retry chains are currently tracked.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// Snapshot copies the current counters.
func (l *MemoryLedger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.attempts))
	for k, v := range l.attempts {
		out[k] = v
	}
	return out
}
