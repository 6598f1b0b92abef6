// Package postgres stores org records in PostgreSQL.
//
// Every kind lives in one table, org_records, keyed by (kind, id) with the
// record body in a JSONB column. Schemas stay in the registry, so adding a
// kind never needs a migration. Insert order is kept in the seq column and
// FetchExisting returns rows in that order.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrTxDone         = errors.New("transaction already finished")
)

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

const (
	selectRecordsSQL = `SELECT id, data FROM org_records WHERE kind = $1 ORDER BY seq`

	insertRecordSQL = `INSERT INTO org_records (kind, id, data, operation_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)`

	updateRecordSQL = `UPDATE org_records SET data = $3, operation_id = $4, updated_at = $5
WHERE kind = $1 AND id = $2`
)

// Store implements core.Store over a pgx pool.
type Store struct {
	db    Querier
	newID func() string
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides uuid-based id assignment.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store. Run Migrate once before first use.
func New(db Querier, opts ...Option) *Store {
	s := &Store{db: db, newID: uuid.NewString, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchExisting returns every stored record of kind in insert order.
func (s *Store) FetchExisting(ctx context.Context, kind core.EntityKind) ([]*core.Record, error) {
	rows, err := s.db.Query(ctx, selectRecordsSQL, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*core.Record
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		rec, err := decodeRecord(kind, id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return out, nil
}

// Begin opens a database transaction for one operation.
func (s *Store) Begin(ctx context.Context, operationID string) (core.StoreTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{store: s, tx: tx, operationID: operationID}, nil
}

// Tx applies records inside a pgx transaction.
type Tx struct {
	store       *Store
	tx          pgx.Tx
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

	id := rec.ID()
	if id != "" {
		data, err := encodeRecord(rec)
		if err != nil {
			return "", fmt.Errorf("%s %s: %w", kind, id, err)
		}
		tag, err := t.tx.Exec(ctx, updateRecordSQL, string(kind), id, data, t.operationID, now)
		if err != nil {
			return "", fmt.Errorf("update %s %s: %w", kind, id, err)
		}
		if tag.RowsAffected() == 0 {
			return "", fmt.Errorf("%s %s: %w", kind, id, ErrRecordNotFound)
		}
		t.writes++
		return id, nil
	}

	id = t.store.newID()
	rec.Set(core.FieldID, id)
	if rec.IsNull(core.FieldCreatedAt) {
		rec.Set(core.FieldCreatedAt, now)
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", kind, err)
	}
	if _, err := t.tx.Exec(ctx, insertRecordSQL, string(kind), id, data, t.operationID, now); err != nil {
		return "", fmt.Errorf("insert %s: %w", kind, err)
	}
	t.writes++
	return id, nil
}

// Commit commits the database transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit(ctx)
}

// Rollback aborts the database transaction. Rolling back twice is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// Writes returns how many records were applied so far.
func (t *Tx) Writes() int { return t.writes }

// encodeRecord renders the stored body. Client ids and locators belong to
// the input file and are not persisted.
func encodeRecord(rec *core.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(kind core.EntityKind, id string, data []byte) (*core.Record, error) {
	rec := core.NewRecord(kind, core.Locator{})
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	rec.Set(core.FieldID, id)
	rec.ClientID = id
	return rec, nil
}
