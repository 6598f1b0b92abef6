package core

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestValidator(t *testing.T, opts ...ValidatorOption) *Validator {
	t.Helper()
	return NewValidator(testRegistry(t), append([]ValidatorOption{WithBusinessRules(testRules()...)}, opts...)...)
}

// ============================================================================
// ValidateField Tests
// ============================================================================

func TestValidateField(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name     string
		kind     EntityKind
		field    string
		value    any
		wantKind ErrorKind
		wantMsg  string
	}{
		{"valid string", "teams", "name", "Platform", "", ""},
		{"required empty", "teams", "name", "  ", ErrKindMissingRequired, "required field is empty"},
		{"required nil", "teams", "name", nil, ErrKindMissingRequired, "required field is empty"},
		{"too long", "teams", "name", strings.Repeat("x", 51), ErrKindInvalidType, "at most 50 characters"},
		{"nullable empty ok", "teams", "short_name", "", "", ""},
		{"bad email", "members", "email", "not-an-email", ErrKindInvalidType, "invalid email address"},
		{"email normalized ok", "members", "email", " Ada@Example.COM ", "", ""},
		{"bad boolean", "members", "active", "maybe", ErrKindInvalidType, "yes/no"},
		{"percentage out of range", "roles", "share", 1.5, ErrKindInvalidType, "between 0.0 and 1.0"},
		{"percentage string", "roles", "share", "50%", "", ""},
		{"integer below min", "roles", "version", 0, ErrKindInvalidType, "at least 1"},
		{"fractional integer", "roles", "version", "1.5", ErrKindInvalidType, "fractional"},
		{"bad date", "roles", "start_date", "31/31/2024", ErrKindInvalidType, "invalid date"},
		{"unknown field ignored", "teams", "colour", "blue", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := v.ValidateField(tt.kind, tt.field, tt.value)
			if err != nil {
				t.Fatalf("ValidateField: %v", err)
			}
			if tt.wantKind == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
			}
			if errs[0].ErrorKind != tt.wantKind {
				t.Errorf("ErrorKind = %s, want %s", errs[0].ErrorKind, tt.wantKind)
			}
			if !strings.Contains(errs[0].Message, tt.wantMsg) {
				t.Errorf("Message = %q, want substring %q", errs[0].Message, tt.wantMsg)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidateField_CoercionBeforeConstraints(t *testing.T) {
	reg := MustNewRegistry(EntitySchema{
		Kind: "codes",
		Fields: []FieldRule{
			{Name: "n", Type: TypeInteger, Min: floatPtr(10)},
		},
	})
	v := NewValidator(reg)

	errs, _ := v.ValidateField("codes", "n", "abc")
	if len(errs) != 1 || errs[0].Message != "invalid integer format" {
		t.Errorf("expected only the coercion error, got %v", errs)
	}
}

func TestValidateField_TransformAndValidator(t *testing.T) {
	reg := MustNewRegistry(EntitySchema{
		Kind: "codes",
		Fields: []FieldRule{{
			Name: "code",
			Type: TypeString,
			Transform: func(v any) (any, error) {
				s, _ := v.(string)
				return strings.ToUpper(s), nil
			},
			Validator: func(v any) error {
				if v.(string) == "XX" {
					return errors.New("reserved code")
				}
				return nil
			},
		}},
	})
	v := NewValidator(reg)

	errs, _ := v.ValidateField("codes", "code", "xx")
	if len(errs) != 1 || errs[0].Message != "reserved code" {
		t.Errorf("validator should see the transformed value, got %v", errs)
	}
}

func TestValidateField_Idempotent(t *testing.T) {
	v := newTestValidator(t)
	inputs := []struct {
		kind  EntityKind
		field string
		value any
	}{
		{"roles", "share", 1.5},
		{"members", "email", "bad"},
		{"teams", "name", ""},
		{"roles", "start_date", "2024-01-15"},
	}
	for _, in := range inputs {
		first, _ := v.ValidateField(in.kind, in.field, in.value)
		second, _ := v.ValidateField(in.kind, in.field, in.value)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("ValidateField(%s.%s) not idempotent: %v vs %v", in.kind, in.field, first, second)
		}
	}
}

func TestValidateField_UnknownKind(t *testing.T) {
	v := newTestValidator(t)
	if _, err := v.ValidateField("widgets", "x", 1); !errors.Is(err, ErrUnknownEntityKind) {
		t.Errorf("expected ErrUnknownEntityKind, got %v", err)
	}
}

// ============================================================================
// Normalize / ValidateRecord Tests
// ============================================================================

func TestNormalize_CoercesAndDefaults(t *testing.T) {
	v := newTestValidator(t)
	rec := RecordFrom("roles",
		"title", "Lead",
		"member_id", "m1",
		"start_date", "2024-01-15",
		"colour", "blue",
	)

	rr, err := v.Normalize("roles", rec)
	if err != nil {
		t.Fatal(err)
	}
	if !rr.OK() {
		t.Fatalf("unexpected errors: %v", rr.Errors)
	}
	out := rr.Record

	if got := out.Keys(); !reflect.DeepEqual(got[:4], []string{"member_id", "title", "share", "start_date"}) {
		t.Errorf("fields should follow schema order, got %v", got)
	}
	if _, ok := out.Get("colour"); ok {
		t.Error("undeclared field should be dropped")
	}
	if out.Value("share") != 1.0 || !out.Defaulted("share") {
		t.Errorf("share should default to 1.0, got %v", out.Value("share"))
	}
	if out.Value("version") != int64(1) {
		t.Errorf("version default = %v", out.Value("version"))
	}
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	if got, ok := out.Value("start_date").(time.Time); !ok || !got.Equal(want) {
		t.Errorf("start_date = %v, want %v", out.Value("start_date"), want)
	}
	if rec.Value("start_date") != "2024-01-15" {
		t.Error("Normalize must not modify its input")
	}
}

func TestNormalize_ClientID(t *testing.T) {
	v := newTestValidator(t)
	rr, _ := v.Normalize("teams", RecordFrom("teams", "id", "t-1", "name", "Core"))
	if rr.Record.ClientID != "t-1" {
		t.Errorf("ClientID = %q, want t-1", rr.Record.ClientID)
	}
}

func TestValidateRecord_MissingRequired(t *testing.T) {
	v := newTestValidator(t)
	origin := Locator{Source: "roles.csv", Line: 3}

	errs, err := v.ValidateRecord("roles", RecordFrom("roles", "title", "Lead"), origin)
	if err != nil {
		t.Fatal(err)
	}
	missing := ErrorsOf(errs, ErrKindMissingRequired)
	if len(missing) != 2 {
		t.Fatalf("expected member_id and start_date missing, got %v", errs)
	}
	for _, e := range missing {
		if e.Origin != origin {
			t.Errorf("origin = %v, want %v", e.Origin, origin)
		}
	}
}

func TestValidateRecord_BusinessRule(t *testing.T) {
	v := newTestValidator(t)
	rec := RecordFrom("roles",
		"member_id", "m1",
		"title", "Lead",
		"start_date", "2024-06-01",
		"end_date", "2024-01-01",
	)
	errs, _ := v.ValidateRecord("roles", rec, Locator{})
	if len(errs) != 1 || errs[0].ErrorKind != ErrKindBusinessRule || errs[0].Field != "end_date" {
		t.Errorf("expected one business rule error on end_date, got %v", errs)
	}
}

func TestValidateRecord_RuleSkipsFailedField(t *testing.T) {
	v := newTestValidator(t)
	rec := RecordFrom("roles",
		"member_id", "m1",
		"title", "Lead",
		"start_date", "2024-06-01",
		"end_date", "not a date",
	)
	errs, _ := v.ValidateRecord("roles", rec, Locator{})
	if len(errs) != 1 || errs[0].ErrorKind != ErrKindInvalidType {
		t.Errorf("expected only the coercion error, got %v", errs)
	}
}

func TestValidateRecord_PercentageScenario(t *testing.T) {
	v := newTestValidator(t)
	rec := RecordFrom("roles",
		"member_id", "m1",
		"title", "Lead",
		"start_date", "2024-06-01",
		"share", 1.5,
	)
	res, err := v.NormalizeBatch("roles", []*Record{rec}, Locator{Source: "roles.json"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", res.Errors)
	}
	if e := res.Errors[0]; e.ErrorKind != ErrKindInvalidType || e.Field != "share" {
		t.Errorf("error = %+v", e)
	}
	if len(res.Survivors) != 0 || res.Failed != 1 {
		t.Errorf("record should be excluded: survivors=%d failed=%d", len(res.Survivors), res.Failed)
	}
}

// ============================================================================
// Batch Tests
// ============================================================================

func TestNormalizeBatch_SequentialLocators(t *testing.T) {
	v := newTestValidator(t)
	recs := []*Record{
		RecordFrom("teams", "name", "A"),
		RecordFrom("teams", "name", ""),
		RecordFrom("teams", "name", "C"),
	}
	res, err := v.NormalizeBatch("teams", recs, Locator{Source: "teams.csv", Line: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Survivors) != 2 || res.Failed != 1 {
		t.Fatalf("survivors=%d failed=%d", len(res.Survivors), res.Failed)
	}
	want := Locator{Source: "teams.csv", Line: 3, Index: 1}
	if res.Errors[0].Origin != want {
		t.Errorf("origin = %+v, want %+v", res.Errors[0].Origin, want)
	}
	if res.Survivors[1].Origin.Line != 4 {
		t.Errorf("survivor origin = %+v", res.Survivors[1].Origin)
	}
}

func TestNormalizeBatch_ErrorLimit(t *testing.T) {
	v := newTestValidator(t, WithErrorLimit(2))
	var recs []*Record
	for i := 0; i < 5; i++ {
		recs = append(recs, RecordFrom("teams", "name", ""))
	}
	res, _ := v.NormalizeBatch("teams", recs, Locator{})
	if !res.Halted {
		t.Fatal("expected batch to halt")
	}
	if res.Checked != 2 {
		t.Errorf("Checked = %d, want 2", res.Checked)
	}
	last := res.Errors[len(res.Errors)-1]
	if last.Severity != SeverityWarning || !strings.Contains(last.Message, "error limit of 2") {
		t.Errorf("terminal diagnostic = %+v", last)
	}
	if len(res.Errors) != 3 {
		t.Errorf("collected errors should be preserved, got %d", len(res.Errors))
	}
}

// ============================================================================
// Foreign Key Tests
// ============================================================================

func TestCheckForeignKeys(t *testing.T) {
	v := newTestValidator(t)
	index := ReferenceIndex{}
	index.Add("teams", "t1")

	recs := []*Record{
		{Kind: "members", ClientID: "m1"},
		{Kind: "members", ClientID: "m2"},
		{Kind: "members", ClientID: "m3"},
		{Kind: "members", ClientID: "m4"},
	}
	recs[0].Set("team_id", "t1")
	recs[1].Set("team_id", "t1")
	recs[1].Set("manager_id", "m1") // earlier in batch
	recs[2].Set("team_id", "t1")
	recs[2].Set("manager_id", "m4") // forward reference
	recs[3].Set("team_id", "t9")

	valid, errs, err := v.CheckForeignKeys("members", recs, index)
	if err != nil {
		t.Fatal(err)
	}
	if len(valid) != 2 || valid[0].ClientID != "m1" || valid[1].ClientID != "m2" {
		t.Errorf("valid = %v", valid)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if errs[0].Field != "manager_id" || !strings.Contains(errs[0].Message, "appears later") {
		t.Errorf("forward reference error = %+v", errs[0])
	}
	if errs[1].Field != "team_id" || errs[1].Value != "t9" || errs[1].ErrorKind != ErrKindForeignKey {
		t.Errorf("missing team error = %+v", errs[1])
	}
}

func TestValidateForeignKeys_NullHandling(t *testing.T) {
	v := newTestValidator(t)
	rec := &Record{Kind: "members"}
	rec.Set("team_id", nil)
	rec.Set("manager_id", nil)

	errs, _ := v.ValidateForeignKeys("members", []*Record{rec}, ReferenceIndex{})
	if len(errs) != 1 || errs[0].Field != "team_id" {
		t.Errorf("only the non-nullable null should fail, got %v", errs)
	}
}

// ============================================================================
// ValidationError Tests
// ============================================================================

func TestValidationError_Fatal(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want bool
	}{
		{ValidationError{ErrorKind: ErrKindFileFormat, Severity: SeverityError}, true},
		{ValidationError{ErrorKind: ErrKindCircular, Severity: SeverityCritical}, true},
		{ValidationError{ErrorKind: ErrKindSystem, Severity: SeverityWarning}, false},
		{ValidationError{ErrorKind: ErrKindInvalidType, Severity: SeverityError}, false},
		{ValidationError{ErrorKind: ErrKindInvalidType, Severity: SeverityCritical}, true},
	}
	for _, tt := range tests {
		if got := tt.err.Fatal(); got != tt.want {
			t.Errorf("%s/%s Fatal() = %v, want %v", tt.err.ErrorKind, tt.err.Severity, got, tt.want)
		}
	}
}

func TestAsValidationError(t *testing.T) {
	ve := FileFormatError(Locator{Source: "x.json"}, "bad root: %s", "array")
	wrapped := errors.Join(errors.New("decode"), ve)

	got, ok := AsValidationError(wrapped)
	if !ok || got.Message != "bad root: array" {
		t.Errorf("AsValidationError = %+v, %v", got, ok)
	}
}
