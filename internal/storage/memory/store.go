// Package memory provides an in-memory transactional core.Store.
//
// A transaction works on a private copy of the data and swaps it in on
// commit. Commits are rejected when another transaction committed first.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrTxDone          = errors.New("transaction already finished")
	ErrConcurrentWrite = errors.New("concurrent write: store changed since transaction began")
)

type table struct {
	order []string
	rows  map[string]*core.Record
}

func (t *table) clone() *table {
	out := &table{
		order: append([]string(nil), t.order...),
		rows:  make(map[string]*core.Record, len(t.rows)),
	}
	for id, r := range t.rows {
		out.rows[id] = r.Clone()
	}
	return out
}

// Store keeps records per kind in insertion order.
type Store struct {
	mu      sync.RWMutex
	tables  map[core.EntityKind]*table
	version uint64
	newID   func() string
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides uuid-based id assignment.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[core.EntityKind]*table),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchExisting returns copies of every record of kind.
func (s *Store) FetchExisting(ctx context.Context, kind core.EntityKind) ([]*core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[kind]
	if !ok {
		return nil, nil
	}
	out := make([]*core.Record, 0, len(t.order))
	for _, id := range t.order {
		rec := t.rows[id].Clone()
		rec.ClientID = id
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of stored records of kind.
func (s *Store) Len(kind core.EntityKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[kind]; ok {
		return len(t.order)
	}
	return 0
}

// Get returns a copy of one stored record.
func (s *Store) Get(kind core.EntityKind, id string) (*core.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[kind]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Seed inserts records outside any transaction. Records without an id get
// a generated one. It returns the ids in input order.
func (s *Store) Seed(kind core.EntityKind, recs ...*core.Record) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, s.put(s.tables, kind, r.Clone()))
	}
	s.version++
	return ids
}

func (s *Store) put(tables map[core.EntityKind]*table, kind core.EntityKind, rec *core.Record) string {
	t, ok := tables[kind]
	if !ok {
		t = &table{rows: make(map[string]*core.Record)}
		tables[kind] = t
	}
	id := rec.ID()
	if id == "" {
		id = s.newID()
		rec.Set(core.FieldID, id)
	}
	if rec.IsNull(core.FieldCreatedAt) {
		rec.Set(core.FieldCreatedAt, s.now().UTC())
	}
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	rec.ClientID = ""
	rec.Origin = core.Locator{}
	t.rows[id] = rec
	return id
}

// Begin starts a transaction on a copy of the current data.
func (s *Store) Begin(ctx context.Context, operationID string) (core.StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	work := make(map[core.EntityKind]*table, len(s.tables))
	for k, t := range s.tables {
		work[k] = t.clone()
	}
	return &Tx{store: s, operationID: operationID, base: s.version, tables: work}, nil
}

// Tx is a pending set of writes.
type Tx struct {
	store       *Store
	operationID string
	base        uint64
	tables      map[core.EntityKind]*table
	writes      int
	done        bool
}

// ApplyRecord inserts rec, or replaces the stored row when rec has an id.
func (tx *Tx) ApplyRecord(ctx context.Context, kind core.EntityKind, rec *core.Record) (string, error) {
	if tx.done {
		return "", ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec = rec.Clone()
	if id := rec.ID(); id != "" {
		t, ok := tx.tables[kind]
		if !ok || t.rows[id] == nil {
			return "", fmt.Errorf("%s %s: %w", kind, id, ErrRecordNotFound)
		}
	}
	tx.writes++
	return tx.store.put(tx.tables, kind, rec), nil
}

// Commit publishes the transaction's writes.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != tx.base {
		return ErrConcurrentWrite
	}
	s.tables = tx.tables
	s.version++
	return nil
}

// Rollback discards the transaction. Rolling back twice is a no-op.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.done = true
	tx.tables = nil
	return nil
}

// Writes returns how many records were applied so far.
func (tx *Tx) Writes() int { return tx.writes }
