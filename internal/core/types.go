// Package core provides the import/export orchestration engine for org records.
// This package has no transport or storage dependencies and can be used by any frontend.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// EntityKind identifies a record category such as "units" or "assignments".
type EntityKind string

// FieldType represents the semantic type a field value is coerced to.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInteger    FieldType = "integer"
	TypeFloat      FieldType = "float"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeDateTime   FieldType = "datetime"
	TypeJSONList   FieldType = "json_list"
	TypePercentage FieldType = "percentage"
	TypeEmail      FieldType = "email"
)

// Well-known field names shared by every schema.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// FieldRule defines validation and coercion rules for a single field.
//
// Coercion runs before any range or pattern check, so MinLength, Min, Pattern
// and Enum always see a value of the declared Type.
type FieldRule struct {
	Name      string
	Type      FieldType
	Required  bool // Field must be present (absent values fall back to Default)
	Nullable  bool // Null is an acceptable value, including for foreign keys
	MinLength *int // Rune count for strings, element count for json_list
	MaxLength *int
	Min       *float64 // Inclusive bounds for numeric types
	Max       *float64
	Pattern   *regexp.Regexp
	Enum      []string // Allowed values; applied per element for json_list
	Default   any

	// Transform runs before type coercion, e.g. to parse a textual date.
	Transform func(any) (any, error)

	// Validator runs last, on the coerced value.
	Validator func(any) error
}

// ForeignKey declares that Field holds an id of a Target record.
type ForeignKey struct {
	Field  string
	Target EntityKind
}

// Versioning marks a kind as modelling point-in-time facts. Only versioned
// kinds support the create-new-version conflict strategy.
type Versioning struct {
	VersionField string `json:"version_field"`
	CurrentField string `json:"current_field"`
	ValidToField string `json:"valid_to_field"`
}

// EntitySchema is the static metadata for one entity kind.
type EntitySchema struct {
	Kind              EntityKind
	Label             string
	Fields            []FieldRule
	ForeignKeys       []ForeignKey
	UniqueConstraints [][]string
	DependsOn         []EntityKind
	IdentifyingFields []string // Human-meaningful fields, e.g. name or email
	Versioning        *Versioning
}

// Field returns the rule for the named field.
func (s EntitySchema) Field(name string) (FieldRule, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldRule{}, false
}

// ForeignKey returns the foreign key declared on the named field.
func (s EntitySchema) ForeignKey(field string) (ForeignKey, bool) {
	for _, fk := range s.ForeignKeys {
		if fk.Field == field {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// FieldNames returns field names in declaration order.
func (s EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Versioned reports whether the kind supports create-new-version.
func (s EntitySchema) Versioned() bool {
	return s.Versioning != nil
}

// Locator points at the origin of a record for error attribution.
type Locator struct {
	Source string `json:"source,omitempty"` // File name or sheet
	Line   int    `json:"line,omitempty"`   // 1-based line, 0 when unknown
	Index  int    `json:"index"`            // 0-based position within its kind
}

// IsZero reports whether no origin has been recorded.
func (l Locator) IsZero() bool {
	return l == Locator{}
}

func (l Locator) String() string {
	switch {
	case l.Source != "" && l.Line > 0:
		return fmt.Sprintf("%s:%d", l.Source, l.Line)
	case l.Source != "":
		return fmt.Sprintf("%s[%d]", l.Source, l.Index)
	case l.Line > 0:
		return fmt.Sprintf("line %d", l.Line)
	default:
		return fmt.Sprintf("record %d", l.Index+1)
	}
}

// Dataset holds records grouped by kind.
type Dataset map[EntityKind][]*Record

// Count returns the total number of records.
func (d Dataset) Count() int {
	n := 0
	for _, recs := range d {
		n += len(recs)
	}
	return n
}

// Kinds returns the kinds present in the dataset, in registry order.
// Kinds unknown to the registry are appended in map order.
func (d Dataset) Kinds(reg *Registry) []EntityKind {
	var out []EntityKind
	seen := make(map[EntityKind]bool, len(d))
	for _, k := range reg.Kinds() {
		if _, ok := d[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	for k := range d {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// Strategy is the conflict resolution strategy chosen by the caller.
type Strategy string

const (
	StrategySkip          Strategy = "skip"
	StrategyUpdate        Strategy = "update"
	StrategyCreateVersion Strategy = "create_new_version"
)

// ParseStrategy converts user input into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySkip, StrategyUpdate, StrategyCreateVersion:
		return Strategy(s), nil
	case "create_version", "version":
		return StrategyCreateVersion, nil
	case "":
		return StrategySkip, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Store is the persistence collaborator used by the Service.
type Store interface {
	// FetchExisting returns every stored record of the kind.
	FetchExisting(ctx context.Context, kind EntityKind) ([]*Record, error)

	// Begin opens a write transaction scoped to one operation.
	Begin(ctx context.Context, operationID string) (StoreTx, error)
}

// StoreTx applies records inside a revertible transaction.
//
// ApplyRecord updates the stored row when rec carries an id and inserts a new
// row otherwise. It returns the storage id of the written row.
type StoreTx interface {
	ApplyRecord(ctx context.Context, kind EntityKind, rec *Record) (string, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OperationMode distinguishes import, preview and export runs.
type OperationMode string

const (
	ModeImport  OperationMode = "import"
	ModePreview OperationMode = "preview"
	ModeExport  OperationMode = "export"
)

// KindCounts aggregates per-kind processing counts.
type KindCounts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// OperationResult contains the final result of an import, preview or export.
type OperationResult struct {
	OperationID string                           `json:"operation_id"`
	Mode        OperationMode                    `json:"mode"`
	Success     bool                             `json:"success"`
	Order       []EntityKind                     `json:"order"`
	Counts      map[EntityKind]*KindCounts       `json:"counts"`
	Errors      []ValidationError                `json:"errors"`
	Warnings    []ValidationError                `json:"warnings"`
	Conflicts   []ConflictInfo                   `json:"conflicts,omitempty"`
	IDMap       map[EntityKind]map[string]string `json:"id_map,omitempty"`
	StartedAt   time.Time                        `json:"started_at"`
	Duration    time.Duration                    `json:"-"`
}

func newOperationResult(id string, mode OperationMode, started time.Time) *OperationResult {
	return &OperationResult{
		OperationID: id,
		Mode:        mode,
		Counts:      make(map[EntityKind]*KindCounts),
		StartedAt:   started,
	}
}

// counts returns the counters for kind, creating them on first use.
func (r *OperationResult) counts(kind EntityKind) *KindCounts {
	c, ok := r.Counts[kind]
	if !ok {
		c = &KindCounts{}
		r.Counts[kind] = c
	}
	return c
}

// add files a diagnostic into Errors or Warnings by severity.
func (r *OperationResult) add(errs ...ValidationError) {
	for _, e := range errs {
		if e.Severity.AtLeast(SeverityError) {
			r.Errors = append(r.Errors, e)
		} else {
			r.Warnings = append(r.Warnings, e)
		}
	}
}

// Fatal reports whether any collected error aborted the operation.
func (r *OperationResult) Fatal() bool {
	for _, e := range r.Errors {
		if e.Fatal() {
			return true
		}
	}
	return false
}

// Totals sums the per-kind counters.
func (r *OperationResult) Totals() KindCounts {
	var t KindCounts
	for _, c := range r.Counts {
		t.Processed += c.Processed
		t.Created += c.Created
		t.Updated += c.Updated
		t.Skipped += c.Skipped
		t.Failed += c.Failed
	}
	return t
}

// MarshalJSON renders Duration in milliseconds.
func (r *OperationResult) MarshalJSON() ([]byte, error) {
	type alias OperationResult
	return json.Marshal(struct {
		*alias
		DurationMS int64 `json:"duration_ms"`
	}{
		alias:      (*alias)(r),
		DurationMS: r.Duration.Milliseconds(),
	})
}
