package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestResolver(t *testing.T) *ConflictResolver {
	t.Helper()
	return NewConflictResolver(testRegistry(t), WithClock(fixedClock))
}

// normalized runs a raw record through the validator as the importer does.
func normalized(t *testing.T, kind EntityKind, pairs ...any) *Record {
	t.Helper()
	v := NewValidator(testRegistry(t))
	rr, err := v.Normalize(kind, RecordFrom(kind, pairs...))
	if err != nil {
		t.Fatal(err)
	}
	if !rr.OK() {
		t.Fatalf("fixture does not validate: %v", rr.Errors)
	}
	return rr.Record
}

func storedTeam(id, name, short string) *Record {
	r := RecordFrom("teams", "id", id, "name", name, "short_name", short)
	r.ClientID = id
	return r
}

func storedRole(id, member, title string, version int64, current bool) *Record {
	r := RecordFrom("roles",
		"id", id,
		"member_id", member,
		"title", title,
		"share", 1.0,
		"start_date", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		"version", version,
		"is_current", current,
	)
	r.ClientID = id
	return r
}

// ============================================================================
// Detection Tests
// ============================================================================

func TestDetect(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedTeam("t1", "Core", "C")}

	tests := []struct {
		name        string
		incoming    []*Record
		wantKind    ConflictKind
		wantIndex   int
		withinBatch bool
		suggested   Strategy
	}{
		{
			name:      "primary key",
			incoming:  []*Record{normalized(t, "teams", "id", "t1", "name", "Renamed")},
			wantKind:  ConflictPrimaryKey,
			suggested: StrategySkip,
		},
		{
			name:      "unique field against storage",
			incoming:  []*Record{normalized(t, "teams", "name", "Core")},
			wantKind:  ConflictUniqueField,
			suggested: StrategyUpdate,
		},
		{
			name: "same id twice in batch",
			incoming: []*Record{
				normalized(t, "teams", "id", "x", "name", "A"),
				normalized(t, "teams", "id", "x", "name", "B"),
			},
			wantKind:    ConflictReference,
			wantIndex:   1,
			withinBatch: true,
			suggested:   StrategySkip,
		},
		{
			name: "business key twice in batch",
			incoming: []*Record{
				normalized(t, "teams", "name", "New"),
				normalized(t, "teams", "name", "New"),
			},
			wantKind:    ConflictBusinessKey,
			wantIndex:   1,
			withinBatch: true,
			suggested:   StrategyUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Detect("teams", tt.incoming, existing)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 conflict, got %d: %v", len(got), got)
			}
			c := got[0]
			if c.ConflictKind != tt.wantKind {
				t.Errorf("ConflictKind = %s, want %s", c.ConflictKind, tt.wantKind)
			}
			if c.IncomingIndex != tt.wantIndex {
				t.Errorf("IncomingIndex = %d, want %d", c.IncomingIndex, tt.wantIndex)
			}
			if c.WithinBatch != tt.withinBatch {
				t.Errorf("WithinBatch = %v, want %v", c.WithinBatch, tt.withinBatch)
			}
			if tt.withinBatch && c.ExistingIndex != 0 {
				t.Errorf("ExistingIndex = %d, want 0", c.ExistingIndex)
			}
			if c.Suggested != tt.suggested {
				t.Errorf("Suggested = %s, want %s", c.Suggested, tt.suggested)
			}
		})
	}
}

func TestDetect_AtMostOnePerRecord(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedTeam("t1", "Core", "C")}
	incoming := []*Record{normalized(t, "teams", "id", "t1", "name", "Core")}

	got, _ := r.Detect("teams", incoming, existing)
	if len(got) != 1 || got[0].ConflictKind != ConflictPrimaryKey {
		t.Errorf("expected one primary key conflict, got %v", got)
	}
}

func TestDetect_VersionConflict(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedRole("r1", "m1", "Lead", 2, true)}
	incoming := []*Record{normalized(t, "roles",
		"id", "r1", "member_id", "m1", "title", "Lead", "start_date", "2024-01-01", "version", 2)}

	got, _ := r.Detect("roles", incoming, existing)
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
	if got[0].ConflictKind != ConflictVersion {
		t.Errorf("ConflictKind = %s, want version_conflict", got[0].ConflictKind)
	}
	if got[0].Suggested != StrategyCreateVersion {
		t.Errorf("Suggested = %s", got[0].Suggested)
	}
}

func TestDetect_ClosedVersionsIgnored(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedRole("r0", "m1", "Lead", 1, false)}
	incoming := []*Record{normalized(t, "roles",
		"member_id", "m1", "title", "Lead", "start_date", "2024-01-01")}

	got, _ := r.Detect("roles", incoming, existing)
	if len(got) != 0 {
		t.Errorf("closed versions must not conflict on business keys, got %v", got)
	}
}

func TestDetect_DatesCompareByDay(t *testing.T) {
	reg := MustNewRegistry(EntitySchema{
		Kind: "events",
		Fields: []FieldRule{
			{Name: "on", Type: TypeDate},
		},
		UniqueConstraints: [][]string{{"on"}},
	})
	r := NewConflictResolver(reg)
	existing := []*Record{RecordFrom("events", "on", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))}
	incoming := []*Record{RecordFrom("events", "on", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))}

	got, _ := r.Detect("events", incoming, existing)
	if len(got) != 1 || got[0].Value != "2024-05-01" {
		t.Errorf("expected one conflict on 2024-05-01, got %v", got)
	}
}

// ============================================================================
// Resolution Tests
// ============================================================================

func TestResolve_Skip(t *testing.T) {
	r := newTestResolver(t)
	c := ConflictInfo{
		ConflictKind: ConflictUniqueField,
		EntityKind:   "teams",
		Fields:       []string{"name"},
		Value:        "Core",
		Existing:     storedTeam("t1", "Core", "C"),
		Incoming:     normalized(t, "teams", "name", "Core"),
	}
	out, err := r.Resolve(c, StrategySkip)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionSkip || out.Record != nil {
		t.Errorf("outcome = %+v", out)
	}
	if out.Warning == nil || out.Warning.Severity != SeverityWarning || !strings.Contains(out.Warning.Message, "t1") {
		t.Errorf("warning = %+v", out.Warning)
	}
}

func TestResolve_Update(t *testing.T) {
	r := newTestResolver(t)
	existing := storedTeam("t1", "HR", "HR")
	incoming := normalized(t, "teams", "name", "HR", "short_name", "HR2")
	c := ConflictInfo{EntityKind: "teams", Existing: existing, Incoming: incoming, Fields: []string{"name"}}

	out, err := r.Resolve(c, StrategyUpdate)
	if err != nil {
		t.Fatal(err)
	}
	got := out.Record
	if got.ID() != "t1" {
		t.Errorf("id = %q, existing id must be preserved", got.ID())
	}
	if got.Text("short_name") != "HR2" {
		t.Errorf("short_name = %q, want HR2", got.Text("short_name"))
	}
	if ts, ok := got.Value(FieldUpdatedAt).(time.Time); !ok || !ts.Equal(fixedNow) {
		t.Errorf("updated_at = %v, want %v", got.Value(FieldUpdatedAt), fixedNow)
	}
	if existing.Text("short_name") != "HR" {
		t.Error("Resolve must not modify the existing record")
	}
}

func TestResolve_UpdateKeepsStoredOverDefaultsAndNulls(t *testing.T) {
	r := newTestResolver(t)
	existing := storedRole("r1", "m1", "Lead", 3, true)
	existing.Set("share", 0.5)
	existing.Set("end_date", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	incoming := normalized(t, "roles", "member_id", "m1", "title", "Lead", "start_date", "2024-02-01", "end_date", "")

	out, err := r.Resolve(ConflictInfo{EntityKind: "roles", Existing: existing, Incoming: incoming}, StrategyUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if out.Record.Value("share") != 0.5 {
		t.Errorf("defaulted share overwrote stored value: %v", out.Record.Value("share"))
	}
	if out.Record.Value("version") != int64(3) {
		t.Errorf("version = %v, update must keep the stored version", out.Record.Value("version"))
	}
	if out.Record.IsNull("end_date") {
		t.Error("null incoming value must not clear stored end_date")
	}
}

func TestResolve_CreateVersion(t *testing.T) {
	r := newTestResolver(t)
	existing := storedRole("r1", "m1", "Lead", 2, true)
	incoming := normalized(t, "roles", "member_id", "m1", "title", "Lead", "start_date", "2024-02-01", "share", 0.5)

	out, err := r.Resolve(ConflictInfo{EntityKind: "roles", Existing: existing, Incoming: incoming}, StrategyCreateVersion)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreateVersion {
		t.Fatalf("Action = %s", out.Action)
	}
	prev, next := out.Superseded, out.Record

	if next.Value("version") != int64(3) {
		t.Errorf("new version = %v, want 3", next.Value("version"))
	}
	prevCurrent := prev.Value("is_current").(bool)
	nextCurrent := next.Value("is_current").(bool)
	if prevCurrent == nextCurrent || !nextCurrent {
		t.Errorf("exactly the new row must be current: prev=%v next=%v", prevCurrent, nextCurrent)
	}
	if ts, ok := prev.Value("valid_to").(time.Time); !ok || !ts.Equal(fixedNow) {
		t.Errorf("prev valid_to = %v, want %v", prev.Value("valid_to"), fixedNow)
	}
	if prev.ID() != "r1" || next.ID() != "" {
		t.Errorf("prev keeps id, next has none: prev=%q next=%q", prev.ID(), next.ID())
	}
	if ts, ok := next.Value(FieldCreatedAt).(time.Time); !ok || !ts.Equal(fixedNow) {
		t.Errorf("next created_at = %v", next.Value(FieldCreatedAt))
	}
}

func TestResolve_CreateVersionUnsupported(t *testing.T) {
	r := newTestResolver(t)
	c := ConflictInfo{EntityKind: "teams", Existing: storedTeam("t1", "A", ""), Incoming: normalized(t, "teams", "name", "A")}

	_, err := r.Resolve(c, StrategyCreateVersion)
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestResolve_UnknownStrategy(t *testing.T) {
	r := newTestResolver(t)
	c := ConflictInfo{EntityKind: "teams", Existing: storedTeam("t1", "A", ""), Incoming: normalized(t, "teams", "name", "A")}
	if _, err := r.Resolve(c, "merge"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

// ============================================================================
// ProcessConflicts Law Tests
// ============================================================================

func teamBatch(t *testing.T) (incoming, existing []*Record) {
	existing = []*Record{
		storedTeam("t1", "Core", "C"),
		storedTeam("t2", "Data", "D"),
	}
	incoming = []*Record{
		normalized(t, "teams", "id", "a", "name", "Core", "short_name", "C2"),
		normalized(t, "teams", "id", "b", "name", "Fresh"),
		normalized(t, "teams", "id", "c", "name", "Data", "short_name", "D2"),
	}
	return incoming, existing
}

func TestProcessConflicts_SkipLaw(t *testing.T) {
	r := newTestResolver(t)
	incoming, existing := teamBatch(t)

	res, err := r.ProcessConflicts("teams", incoming, existing, StrategySkip)
	if err != nil {
		t.Fatal(err)
	}
	n := len(res.Conflicts)
	if n != 2 {
		t.Fatalf("expected 2 conflicts, got %d", n)
	}
	if len(res.Survivors) != len(incoming)-n {
		t.Errorf("survivors = %d, want %d", len(res.Survivors), len(incoming)-n)
	}
	if res.Skipped != n || len(res.Warnings) != n {
		t.Errorf("skipped=%d warnings=%d", res.Skipped, len(res.Warnings))
	}
	if res.Resolved["a"] != "t1" || res.Resolved["c"] != "t2" {
		t.Errorf("skipped client ids should resolve to stored ids: %v", res.Resolved)
	}
}

func TestProcessConflicts_UpdateLaw(t *testing.T) {
	r := newTestResolver(t)
	incoming, existing := teamBatch(t)

	res, err := r.ProcessConflicts("teams", incoming, existing, StrategyUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Survivors) != len(incoming) {
		t.Fatalf("survivors = %d, want %d", len(res.Survivors), len(incoming))
	}
	ids := []string{res.Survivors[0].ID(), res.Survivors[2].ID()}
	if ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("updated rows must keep stored ids, got %v", ids)
	}
	if res.Survivors[0].Text("short_name") != "C2" {
		t.Errorf("short_name = %q", res.Survivors[0].Text("short_name"))
	}
	if res.Survivors[0].ClientID != "a" {
		t.Errorf("ClientID = %q, want a", res.Survivors[0].ClientID)
	}
}

func TestProcessConflicts_CreateVersionFallback(t *testing.T) {
	r := newTestResolver(t)
	incoming, existing := teamBatch(t)

	res, err := r.ProcessConflicts("teams", incoming, existing, StrategyCreateVersion)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0].Message, "falling back to update") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if len(res.Errors) != 0 || len(res.Survivors) != 3 {
		t.Errorf("errors=%v survivors=%d", res.Errors, len(res.Survivors))
	}
}

func TestProcessConflicts_CreateVersionLaw(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedRole("r1", "m1", "Lead", 1, true)}
	incoming := []*Record{normalized(t, "roles", "member_id", "m1", "title", "Lead", "start_date", "2024-02-01")}

	res, err := r.ProcessConflicts("roles", incoming, existing, StrategyCreateVersion)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Superseded) != 1 || len(res.Survivors) != 1 {
		t.Fatalf("superseded=%d survivors=%d", len(res.Superseded), len(res.Survivors))
	}
	current := 0
	for _, rec := range append(res.Superseded, res.Survivors...) {
		if rec.Value("is_current") == true {
			current++
		}
	}
	if current != 1 {
		t.Errorf("exactly one row must be current, got %d", current)
	}
	if res.Survivors[0].Value("version") != int64(2) {
		t.Errorf("version = %v", res.Survivors[0].Value("version"))
	}
}

func TestProcessConflicts_WithinBatchUpdateMerges(t *testing.T) {
	r := newTestResolver(t)
	incoming := []*Record{
		normalized(t, "teams", "id", "a", "name", "New"),
		normalized(t, "teams", "id", "b", "name", "New", "short_name", "N"),
	}

	res, err := r.ProcessConflicts("teams", incoming, nil, StrategyUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Survivors) != 1 {
		t.Fatalf("survivors = %d, want 1", len(res.Survivors))
	}
	s := res.Survivors[0]
	if s.ClientID != "a" || s.Text("short_name") != "N" {
		t.Errorf("merged survivor = %v (client %q)", s.Map(), s.ClientID)
	}
	if res.Aliases["b"] != "a" {
		t.Errorf("aliases = %v", res.Aliases)
	}
}

func TestProcessConflicts_DuplicateOfSkippedRecord(t *testing.T) {
	r := newTestResolver(t)
	existing := []*Record{storedTeam("t1", "Core", "C")}
	incoming := []*Record{
		normalized(t, "teams", "id", "x", "name", "Core"),
		normalized(t, "teams", "id", "x", "name", "Other"),
	}

	res, err := r.ProcessConflicts("teams", incoming, existing, StrategySkip)
	if err != nil {
		t.Fatal(err)
	}
	n := len(res.Conflicts)
	if n != 2 {
		t.Fatalf("expected 2 conflicts, got %d", n)
	}
	if len(res.Survivors) != len(incoming)-n {
		t.Errorf("survivors = %d, want %d", len(res.Survivors), len(incoming)-n)
	}
	if res.Skipped != n || len(res.Warnings) != n || len(res.Outcomes) != n {
		t.Errorf("skipped=%d warnings=%d outcomes=%d", res.Skipped, len(res.Warnings), len(res.Outcomes))
	}
	if res.Resolved["x"] != "t1" {
		t.Errorf("resolved = %v", res.Resolved)
	}
}

func TestProcessConflicts_DuplicateOfFoldedRecord(t *testing.T) {
	r := newTestResolver(t)
	incoming := []*Record{
		normalized(t, "teams", "id", "a", "name", "New"),
		normalized(t, "teams", "id", "b", "name", "New"),
		normalized(t, "teams", "id", "b", "name", "Other", "short_name", "O"),
	}

	res, err := r.ProcessConflicts("teams", incoming, nil, StrategyUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 2 || len(res.Outcomes) != 2 {
		t.Fatalf("conflicts=%d outcomes=%d", len(res.Conflicts), len(res.Outcomes))
	}
	if len(res.Survivors) != 1 {
		t.Fatalf("survivors = %d, want 1", len(res.Survivors))
	}
	if s := res.Survivors[0]; s.ClientID != "a" || s.Text("short_name") != "O" {
		t.Errorf("survivor = %v (client %q)", s.Map(), s.ClientID)
	}
}
