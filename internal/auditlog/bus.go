// Package auditlog records one audit entry per connector/proxy operation
// and fans it out to live subscribers. Grounded on the teacher's
// internal/audit package (bus.go, logger.go, redact.go), adapted from
// its sqlite-backed AuditStore to this module's store.Store and from
// scope-keyed redaction hints (no auth-scope concept in this spec) to a
// single global pattern list plus caller-supplied extra hints.
package auditlog

import (
	"sync"

	"github.com/corvid-systems/mcpgate/internal/store"
)

// Bus fans out audit records to SSE subscribers in real time.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan *store.AuditRecord]struct{}
}

// NewBus creates a new audit event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan *store.AuditRecord]struct{})}
}

// Subscribe registers a new listener. The caller must call Unsubscribe
// with the same channel when done.
func (b *Bus) Subscribe() chan *store.AuditRecord {
	ch := make(chan *store.AuditRecord, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(ch chan *store.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends a record to all subscribers without blocking. Slow
// consumers that can't keep up will miss events.
func (b *Bus) Publish(rec *store.AuditRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
