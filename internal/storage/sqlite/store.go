// Package sqlite stores org records in a SQLite file through gorm.
//
// It mirrors the postgres layout: one org_records table keyed by kind and
// id with a JSON body, plus an org_audit_log table. It suits single-node
// deployments and the CLI, where running a database server is overkill.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrTxDone         = errors.New("transaction already finished")
)

// recordRow is one stored record.
type recordRow struct {
	Seq         uint64         `gorm:"primaryKey;autoIncrement"`
	Kind        string         `gorm:"not null;uniqueIndex:idx_org_records_kind_id"`
	RecordID    string         `gorm:"column:record_id;not null;uniqueIndex:idx_org_records_kind_id"`
	Data        datatypes.JSON `gorm:"not null"`
	OperationID string         `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (recordRow) TableName() string { return "org_records" }

// Store implements core.Store on gorm.
type Store struct {
	db    *gorm.DB
	newID func() string
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides uuid-based id assignment.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return New(db, opts...)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if err := db.AutoMigrate(&recordRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, newID: uuid.NewString, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the gorm handle, for the audit log and for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FetchExisting returns every stored record of kind in insert order.
func (s *Store) FetchExisting(ctx context.Context, kind core.EntityKind) ([]*core.Record, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("kind = ?", string(kind)).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}

	out := make([]*core.Record, 0, len(rows))
	for _, row := range rows {
		rec := core.NewRecord(kind, core.Locator{})
		if err := json.Unmarshal(row.Data, rec); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", kind, row.RecordID, err)
		}
		rec.Set(core.FieldID, row.RecordID)
		rec.ClientID = row.RecordID
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records of kind.
func (s *Store) Count(ctx context.Context, kind core.EntityKind) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&recordRow{}).Where("kind = ?", string(kind)).Count(&n).Error
	return n, err
}

// Begin opens a gorm transaction for one operation.
func (s *Store) Begin(ctx context.Context, operationID string) (core.StoreTx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin: %w", tx.Error)
	}
	return &Tx{store: s, tx: tx, operationID: operationID}, nil
}

// Tx applies records inside a gorm transaction.
type Tx struct {
	store       *Store
	tx          *gorm.DB
	operationID string
	writes      int
	done        bool
}

// ApplyRecord updates the row named by rec's id, or inserts a new row under
// a generated id when rec has none.
func (t *Tx) ApplyRecord(ctx context.Context, kind core.EntityKind, rec *core.Record) (string, error) {
	if t.done {
		return "", ErrTxDone
	}
	now := t.store.now().UTC()
	rec = rec.Clone()
	db := t.tx.WithContext(ctx)

	if id := rec.ID(); id != "" {
		data, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("%s %s: %w", kind, id, err)
		}
		res := db.Model(&recordRow{}).
			Where("kind = ? AND record_id = ?", string(kind), id).
			Updates(map[string]any{
				"data":         datatypes.JSON(data),
				"operation_id": t.operationID,
				"updated_at":   now,
			})
		if res.Error != nil {
			return "", fmt.Errorf("update %s %s: %w", kind, id, res.Error)
		}
		if res.RowsAffected == 0 {
			return "", fmt.Errorf("%s %s: %w", kind, id, ErrRecordNotFound)
		}
		t.writes++
		return id, nil
	}

	id := t.store.newID()
	rec.Set(core.FieldID, id)
	if rec.IsNull(core.FieldCreatedAt) {
		rec.Set(core.FieldCreatedAt, now)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", kind, err)
	}
	row := recordRow{
		Kind:        string(kind),
		RecordID:    id,
		Data:        datatypes.JSON(data),
		OperationID: t.operationID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("insert %s: %w", kind, err)
	}
	t.writes++
	return id, nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit().Error
}

// Rollback aborts the transaction. Rolling back twice is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback().Error
}

// Writes returns how many records were applied so far.
func (t *Tx) Writes() int { return t.writes }
