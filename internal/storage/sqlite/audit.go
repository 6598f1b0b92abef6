package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

type auditRow struct {
	ID          string `gorm:"primaryKey"`
	OperationID string `gorm:"index;not null"`
	Action      string `gorm:"not null"`
	Severity    string `gorm:"not null"`
	EntityKind  string
	RecordID    string
	ClientID    string
	OldValues   datatypes.JSONMap
	NewValues   datatypes.JSONMap
	Origin      datatypes.JSONType[core.Locator]
	Actor       string
	IPAddress   string
	UserAgent   string
	Reason      string
	CreatedAt   time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "org_audit_log" }

// AuditLog persists audit entries through gorm. It implements
// core.AuditSink.
type AuditLog struct {
	db *gorm.DB
}

// NewAuditLog creates an audit sink sharing the store's database.
func NewAuditLog(s *Store) *AuditLog {
	return &AuditLog{db: s.db}
}

var _ core.AuditSink = (*AuditLog)(nil)

// auditBatchSize bounds the rows per INSERT statement.
const auditBatchSize = 200

// Record inserts entries in batches.
func (a *AuditLog) Record(ctx context.Context, entries []core.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]auditRow, len(entries))
	for i, e := range entries {
		rows[i] = toAuditRow(e)
	}
	if err := a.db.WithContext(ctx).CreateInBatches(&rows, auditBatchSize).Error; err != nil {
		return fmt.Errorf("insert audit entries: %w", err)
	}
	return nil
}

// Entries returns the audit trail of one operation in insert order. An
// empty id returns the most recent limit entries of every operation.
func (a *AuditLog) Entries(ctx context.Context, operationID string, limit int) ([]core.AuditEntry, error) {
	q := a.db.WithContext(ctx).Model(&auditRow{})
	if operationID != "" {
		q = q.Where("operation_id = ?", operationID).Order("created_at, rowid")
	} else {
		q = q.Order("created_at DESC, rowid DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	out := make([]core.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func toAuditRow(e core.AuditEntry) auditRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return auditRow{
		ID:          id,
		OperationID: e.OperationID,
		Action:      string(e.Action),
		Severity:    string(e.Severity),
		EntityKind:  string(e.EntityKind),
		RecordID:    e.RecordID,
		ClientID:    e.ClientID,
		OldValues:   jsonMap(e.OldValues),
		NewValues:   jsonMap(e.NewValues),
		Origin:      datatypes.NewJSONType(e.Origin),
		Actor:       e.Actor,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		Reason:      e.Reason,
		CreatedAt:   created.UTC(),
	}
}

// jsonMap round-trips values through JSON so times and typed slices are
// stored in their wire form.
func jsonMap(m map[string]any) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out datatypes.JSONMap
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func (r auditRow) entry() core.AuditEntry {
	return core.AuditEntry{
		ID:          r.ID,
		OperationID: r.OperationID,
		Action:      core.AuditAction(r.Action),
		Severity:    core.AuditSeverity(r.Severity),
		EntityKind:  core.EntityKind(r.EntityKind),
		RecordID:    r.RecordID,
		ClientID:    r.ClientID,
		OldValues:   map[string]any(r.OldValues),
		NewValues:   map[string]any(r.NewValues),
		Origin:      r.Origin.Data(),
		Actor:       r.Actor,
		IPAddress:   r.IPAddress,
		UserAgent:   r.UserAgent,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
	}
}
