package core

// audit.go defines the audit trail produced by import and export runs.
//
// The Service builds one entry per create, update, version or skip decision
// and hands the whole batch to an AuditSink after the operation finishes.
// Sinks never influence the outcome: a failing sink is logged and ignored.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of decision being audited.
type AuditAction string

const (
	AuditCreate    AuditAction = "create"
	AuditUpdate    AuditAction = "update"
	AuditVersion   AuditAction = "create_version"
	AuditSupersede AuditAction = "supersede"
	AuditSkip      AuditAction = "skip"
	AuditRollback  AuditAction = "rollback"
	AuditExport    AuditAction = "export"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	AuditLow      AuditSeverity = "low"
	AuditMedium   AuditSeverity = "medium"
	AuditHigh     AuditSeverity = "high"
	AuditCritical AuditSeverity = "critical"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID          string         `json:"id"`
	OperationID string         `json:"operation_id"`
	Action      AuditAction    `json:"action"`
	Severity    AuditSeverity  `json:"severity"`
	EntityKind  EntityKind     `json:"entity_kind,omitempty"`
	RecordID    string         `json:"record_id,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	Origin      Locator        `json:"origin"`
	Actor       string         `json:"actor,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditSink receives the audit trail of one operation.
type AuditSink interface {
	Record(ctx context.Context, entries []AuditEntry) error
}

// determineSeverity returns the appropriate severity for an action.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case AuditRollback:
		return AuditCritical
	case AuditUpdate, AuditVersion, AuditSupersede:
		return AuditHigh
	case AuditCreate:
		return AuditMedium
	default:
		return AuditLow
	}
}

// newAuditEntry fills identity and request fields for an entry.
func newAuditEntry(ctx context.Context, opID string, action AuditAction, kind EntityKind, now time.Time) AuditEntry {
	info := RequestInfoFromContext(ctx)
	return AuditEntry{
		ID:          uuid.NewString(),
		OperationID: opID,
		Action:      action,
		Severity:    determineSeverity(action),
		EntityKind:  kind,
		Actor:       info.Actor,
		IPAddress:   info.IPAddress,
		UserAgent:   info.UserAgent,
		CreatedAt:   now.UTC(),
	}
}

// LogAuditSink writes entries to a structured logger.
type LogAuditSink struct {
	Logger *slog.Logger
}

// Record logs each entry at info level.
func (s LogAuditSink) Record(ctx context.Context, entries []AuditEntry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range entries {
		logger.InfoContext(ctx, "audit",
			"operation_id", e.OperationID,
			"action", e.Action,
			"severity", e.Severity,
			"kind", e.EntityKind,
			"record_id", e.RecordID,
			"client_id", e.ClientID,
			"origin", e.Origin.String(),
			"actor", e.Actor,
			"reason", e.Reason,
		)
	}
	return nil
}

// MultiAuditSink fans entries out to several sinks.
type MultiAuditSink []AuditSink

// Record forwards to every sink and joins their errors.
func (m MultiAuditSink) Record(ctx context.Context, entries []AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryAuditSink keeps entries in memory.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record appends the entries.
func (m *MemoryAuditSink) Record(_ context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *MemoryAuditSink) Entries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}
