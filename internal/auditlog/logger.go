package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-systems/mcpgate/internal/store"
)

// Logger writes audit records with parameter redaction and fans them out
// on a Bus, mirroring the teacher's audit.Logger. The per-scope
// redaction-hint lookup the teacher does against an auth-scope store has
// no analog here (this module has no multi-tenant auth-scope concept);
// callers pass any extra hints directly.
type Logger struct {
	store store.Store
	bus   *Bus
	log   *slog.Logger
}

// NewLogger creates an audit Logger. bus is optional (nil-safe).
func NewLogger(st store.Store, bus *Bus, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: st, bus: bus, log: log}
}

// Record redacts params, persists the audit record, and publishes it to
// any live subscribers. A persistence failure is logged at error (per
// spec.md's "no silent errors above warn" handling policy) but does not
// propagate — audit logging must never block the operation it describes.
func (l *Logger) Record(ctx context.Context, actor, serverName, method, outcome string, duration time.Duration, params json.RawMessage, hints []string) {
	detail := ""
	if len(params) > 0 {
		redacted := Redact(params, hints)
		detail = string(redacted)
	}

	rec := &store.AuditRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Actor:      actor,
		ServerName: serverName,
		Method:     method,
		Outcome:    outcome,
		DurationMs: duration.Milliseconds(),
		Detail:     detail,
	}

	if err := l.store.InsertAuditRecord(ctx, rec); err != nil {
		l.log.Error("failed to persist audit record", "error", fmt.Errorf("insert audit record: %w", err), "method", method, "server", serverName)
	}
	if l.bus != nil {
		l.bus.Publish(rec)
	}
}
