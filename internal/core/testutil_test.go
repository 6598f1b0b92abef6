package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fixtures
// ============================================================================

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

// testSchemas is a small org: teams, members with a self-referencing
// manager, and versioned roles.
func testSchemas() []EntitySchema {
	return []EntitySchema{
		{
			Kind: "teams",
			Fields: []FieldRule{
				{Name: FieldID, Type: TypeString, Nullable: true},
				{Name: "name", Type: TypeString, Required: true, MaxLength: intPtr(50)},
				{Name: "short_name", Type: TypeString, Nullable: true},
				{Name: FieldCreatedAt, Type: TypeDateTime, Nullable: true},
				{Name: FieldUpdatedAt, Type: TypeDateTime, Nullable: true},
			},
			UniqueConstraints: [][]string{{"name"}},
			IdentifyingFields: []string{"name"},
		},
		{
			Kind: "members",
			Fields: []FieldRule{
				{Name: FieldID, Type: TypeString, Nullable: true},
				{Name: "email", Type: TypeEmail, Required: true},
				{Name: "team_id", Type: TypeString, Required: true},
				{Name: "manager_id", Type: TypeString, Nullable: true},
				{Name: "active", Type: TypeBoolean, Default: true},
				{Name: FieldUpdatedAt, Type: TypeDateTime, Nullable: true},
			},
			ForeignKeys: []ForeignKey{
				{Field: "team_id", Target: "teams"},
				{Field: "manager_id", Target: "members"},
			},
			UniqueConstraints: [][]string{{"email"}},
			DependsOn:         []EntityKind{"teams"},
			IdentifyingFields: []string{"email"},
		},
		{
			Kind: "roles",
			Fields: []FieldRule{
				{Name: FieldID, Type: TypeString, Nullable: true},
				{Name: "member_id", Type: TypeString, Required: true},
				{Name: "title", Type: TypeString, Required: true},
				{Name: "share", Type: TypePercentage, Default: 1.0},
				{Name: "start_date", Type: TypeDate, Required: true},
				{Name: "end_date", Type: TypeDate, Nullable: true},
				{Name: "version", Type: TypeInteger, Default: int64(1), Min: floatPtr(1)},
				{Name: "is_current", Type: TypeBoolean, Default: true},
				{Name: "valid_to", Type: TypeDateTime, Nullable: true},
				{Name: FieldCreatedAt, Type: TypeDateTime, Nullable: true},
				{Name: FieldUpdatedAt, Type: TypeDateTime, Nullable: true},
			},
			ForeignKeys:       []ForeignKey{{Field: "member_id", Target: "members"}},
			UniqueConstraints: [][]string{{"member_id", "title"}},
			DependsOn:         []EntityKind{"members"},
			Versioning:        &Versioning{VersionField: "version", CurrentField: "is_current", ValidToField: "valid_to"},
		},
	}
}

func testRegistry(t testing.TB) *Registry {
	t.Helper()
	reg, err := NewRegistry(testSchemas()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func testRules() []BusinessRule {
	return []BusinessRule{{
		Name:      "start_before_end",
		AppliesTo: []EntityKind{"roles"},
		Field:     "end_date",
		Check: func(rec *Record) string {
			start, ok1 := rec.Value("start_date").(time.Time)
			end, ok2 := rec.Value("end_date").(time.Time)
			if ok1 && ok2 && end.Before(start) {
				return "end_date is before start_date"
			}
			return ""
		},
	}}
}

// ============================================================================
// Fake Store
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	rows    map[EntityKind][]*Record
	nextID  int
	failOn  func(kind EntityKind, rec *Record) error
	commits int
	aborts  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[EntityKind][]*Record)}
}

func (s *fakeStore) seed(kind EntityKind, recs ...*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		r = r.Clone()
		if r.ID() == "" {
			s.nextID++
			r.Set(FieldID, fmt.Sprintf("%s-%d", kind, s.nextID))
		}
		s.rows[kind] = append(s.rows[kind], r)
	}
}

func (s *fakeStore) all(kind EntityKind) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(s.rows[kind]))
	for i, r := range s.rows[kind] {
		out[i] = r.Clone()
	}
	return out
}

func (s *fakeStore) FetchExisting(ctx context.Context, kind EntityKind) ([]*Record, error) {
	out := s.all(kind)
	for _, r := range out {
		r.ClientID = r.ID()
	}
	return out, nil
}

func (s *fakeStore) Begin(ctx context.Context, opID string) (StoreTx, error) {
	return &fakeTx{store: s}, nil
}

type fakeWrite struct {
	kind EntityKind
	rec  *Record
}

type fakeTx struct {
	store  *fakeStore
	writes []fakeWrite
	ids    int
}

func (tx *fakeTx) ApplyRecord(ctx context.Context, kind EntityKind, rec *Record) (string, error) {
	if tx.store.failOn != nil {
		if err := tx.store.failOn(kind, rec); err != nil {
			return "", err
		}
	}
	rec = rec.Clone()
	if rec.ID() == "" {
		tx.store.mu.Lock()
		tx.store.nextID++
		rec.Set(FieldID, fmt.Sprintf("%s-%d", kind, tx.store.nextID))
		tx.store.mu.Unlock()
	}
	tx.writes = append(tx.writes, fakeWrite{kind, rec})
	return rec.ID(), nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range tx.writes {
		replaced := false
		for i, r := range s.rows[w.kind] {
			if r.ID() == w.rec.ID() {
				s.rows[w.kind][i] = w.rec
				replaced = true
				break
			}
		}
		if !replaced {
			s.rows[w.kind] = append(s.rows[w.kind], w.rec)
		}
	}
	s.commits++
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.store.mu.Lock()
	tx.store.aborts++
	tx.store.mu.Unlock()
	tx.writes = nil
	return nil
}

var errStoreDown = errors.New("store unavailable")

// fakeResource is a bare coordinator resource.
type fakeResource struct {
	commitErr   error
	committed   int
	rolledBack  int
	rollbackErr error
}

func (r *fakeResource) Commit(ctx context.Context) error {
	r.committed++
	return r.commitErr
}

func (r *fakeResource) Rollback(ctx context.Context) error {
	r.rolledBack++
	return r.rollbackErr
}

func newTestService(t testing.TB, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	base := []ServiceOption{WithServiceClock(fixedClock), WithRules(testRules()...)}
	return NewService(testRegistry(t), store, append(base, opts...)...)
}
