package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// BatchQuerier adds batched statements to Querier.
type BatchQuerier interface {
	Querier
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertAuditSQL = `INSERT INTO org_audit_log (
	id, operation_id, action, severity, entity_kind, record_id, client_id,
	old_values, new_values, origin, actor, ip_address, user_agent, reason, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const selectAuditSQL = `SELECT id::text, operation_id, action, severity,
	coalesce(entity_kind, ''), coalesce(record_id, ''), coalesce(client_id, ''),
	old_values, new_values, origin, coalesce(actor, ''), ip_address,
	coalesce(user_agent, ''), coalesce(reason, ''), created_at
FROM org_audit_log`

// DefaultAuditLimit caps Query results when no limit is given.
const DefaultAuditLimit = 500

// AuditLog persists audit entries in org_audit_log. It implements
// core.AuditSink.
type AuditLog struct {
	db BatchQuerier
}

// NewAuditLog creates an audit sink.
func NewAuditLog(db BatchQuerier) *AuditLog {
	return &AuditLog{db: db}
}

var _ core.AuditSink = (*AuditLog)(nil)

// Record inserts all entries in one batch.
func (a *AuditLog) Record(ctx context.Context, entries []core.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		args, err := auditArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(insertAuditSQL, args...)
	}

	br := a.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", i, err)
		}
	}
	return nil
}

// AuditFilter narrows Query. Empty fields match everything.
type AuditFilter struct {
	OperationID string
	Kind        core.EntityKind
	Action      core.AuditAction
	From, To    time.Time
	Search      string // Matched against record and client ids
	Limit       int
}

// Query returns matching entries, newest first.
func (a *AuditLog) Query(ctx context.Context, f AuditFilter) ([]core.AuditEntry, error) {
	wb := newWhereBuilder()
	wb.Add("operation_id", f.OperationID)
	wb.Add("entity_kind", string(f.Kind))
	wb.Add("action", string(f.Action))
	wb.AddTimeRange("created_at", f.From, f.To)
	wb.AddSearch(f.Search, "record_id", "client_id")
	where, args := wb.Build()

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	sql := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT $%d", selectAuditSQL, where, wb.NextArgIndex())
	args = append(args, limit)

	rows, err := a.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func auditArgs(e core.AuditEntry) ([]any, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	oldJSON, err := jsonOrNil(e.OldValues)
	if err != nil {
		return nil, fmt.Errorf("old values: %w", err)
	}
	newJSON, err := jsonOrNil(e.NewValues)
	if err != nil {
		return nil, fmt.Errorf("new values: %w", err)
	}
	origin, err := json.Marshal(e.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{
		id, e.OperationID, string(e.Action), string(e.Severity),
		textOrNil(string(e.EntityKind)), textOrNil(e.RecordID), textOrNil(e.ClientID),
		oldJSON, newJSON, origin, textOrNil(e.Actor), parseIP(e.IPAddress),
		textOrNil(e.UserAgent), textOrNil(e.Reason), created.UTC(),
	}, nil
}

func scanAudit(rows pgx.Rows) (core.AuditEntry, error) {
	var (
		e                     core.AuditEntry
		action, severity      string
		kind                  string
		oldJSON, newJSON, loc []byte
		ip                    *netip.Addr
	)
	err := rows.Scan(&e.ID, &e.OperationID, &action, &severity, &kind, &e.RecordID, &e.ClientID,
		&oldJSON, &newJSON, &loc, &e.Actor, &ip, &e.UserAgent, &e.Reason, &e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Action = core.AuditAction(action)
	e.Severity = core.AuditSeverity(severity)
	e.EntityKind = core.EntityKind(kind)
	if ip != nil {
		e.IPAddress = ip.String()
	}
	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &e.OldValues); err != nil {
			return e, fmt.Errorf("audit %s old values: %w", e.ID, err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &e.NewValues); err != nil {
			return e, fmt.Errorf("audit %s new values: %w", e.ID, err)
		}
	}
	if len(loc) > 0 {
		_ = json.Unmarshal(loc, &e.Origin)
	}
	return e, nil
}

func jsonOrNil(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// parseIP strips a port and returns nil for anything that is not an address.
func parseIP(s string) *netip.Addr {
	if s == "" {
		return nil
	}
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	return &addr
}

// Entries returns the trail of one operation in the order it was written.
// An empty operationID returns the newest entries of any operation.
func (a *AuditLog) Entries(ctx context.Context, operationID string, limit int) ([]core.AuditEntry, error) {
	out, err := a.Query(ctx, AuditFilter{OperationID: operationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if operationID != "" {
		slices.Reverse(out)
	}
	return out, nil
}
