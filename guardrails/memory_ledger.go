package guardrails

import (
	"context"
	"sync"
	"time"

	"github.com/liamcoop/automation/txn"
)

type memoryRecord struct {
	snapshot  any
	expiresAt time.Time
}

// MemoryLedger keeps records in process memory. Records created inside a
// unit of work are removed again if it rolls back.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]memoryRecord), now: time.Now}
}

func (l *MemoryLedger) PutIfAbsent(ctx context.Context, namespace, key string, snapshot any, ttl time.Duration) (bool, error) {
	id := namespace + "\x00" + key
	now := l.now()

	l.mu.Lock()
	if rec, ok := l.records[id]; ok && (rec.expiresAt.IsZero() || now.Before(rec.expiresAt)) {
		l.mu.Unlock()
		return false, nil
	}
	rec := memoryRecord{snapshot: snapshot}
	if ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}
	l.records[id] = rec
	l.mu.Unlock()

	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		delete(l.records, id)
		l.mu.Unlock()
	})
	return true, nil
}

// Get returns the snapshot recorded under (namespace, key).
func (l *MemoryLedger) Get(namespace, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[namespace+"\x00"+key]
	return rec.snapshot, ok
}
