// Package tables declares the organizational entity schemas.
package tables

import (
	"regexp"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// Entity kinds in canonical order.
const (
	UnitTypes       core.EntityKind = "unit_types"
	Units           core.EntityKind = "units"
	JobTitles       core.EntityKind = "job_titles"
	Persons         core.EntityKind = "persons"
	AssignmentTypes core.EntityKind = "assignment_types"
	Assignments     core.EntityKind = "assignments"
)

// ContactChannels are the accepted values of persons.contact_preferences.
var ContactChannels = []string{"email", "phone", "sms", "post"}

var unitCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,31}$`)

func intp(n int) *int           { return &n }
func floatp(f float64) *float64 { return &f }

// timestamps are the bookkeeping fields every kind carries.
func timestamps() []core.FieldRule {
	return []core.FieldRule{
		{Name: core.FieldCreatedAt, Type: core.TypeDateTime, Nullable: true},
		{Name: core.FieldUpdatedAt, Type: core.TypeDateTime, Nullable: true},
	}
}

func withTimestamps(fields ...core.FieldRule) []core.FieldRule {
	idField := core.FieldRule{Name: core.FieldID, Type: core.TypeString, Nullable: true, MaxLength: intp(64)}
	out := append([]core.FieldRule{idField}, fields...)
	return append(out, timestamps()...)
}

// Schemas returns the six org schemas in canonical order.
func Schemas() []core.EntitySchema {
	return []core.EntitySchema{
		unitTypeSchema(),
		unitSchema(),
		jobTitleSchema(),
		personSchema(),
		assignmentTypeSchema(),
		assignmentSchema(),
	}
}

// NewRegistry builds the production registry.
func NewRegistry() (*core.Registry, error) {
	return core.NewRegistry(Schemas()...)
}

func unitTypeSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  UnitTypes,
		Label: "Unit Types",
		Fields: withTimestamps(
			core.FieldRule{Name: "name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(100), Transform: collapseSpaces},
			core.FieldRule{Name: "short_name", Type: core.TypeString, Nullable: true, MaxLength: intp(20), Transform: collapseSpaces},
			core.FieldRule{Name: "description", Type: core.TypeString, Nullable: true, MaxLength: intp(1000)},
		),
		UniqueConstraints: [][]string{{"name"}},
		IdentifyingFields: []string{"name"},
	}
}

func unitSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  Units,
		Label: "Units",
		Fields: withTimestamps(
			core.FieldRule{Name: "code", Type: core.TypeString, Required: true, Pattern: unitCodePattern, Transform: upperCode},
			core.FieldRule{Name: "name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(200), Transform: collapseSpaces},
			core.FieldRule{Name: "unit_type_id", Type: core.TypeString, Required: true},
			core.FieldRule{Name: "parent_id", Type: core.TypeString, Nullable: true},
			core.FieldRule{Name: "is_active", Type: core.TypeBoolean, Default: true},
			core.FieldRule{Name: "established_on", Type: core.TypeDate, Nullable: true},
		),
		ForeignKeys: []core.ForeignKey{
			{Field: "unit_type_id", Target: UnitTypes},
			{Field: "parent_id", Target: Units},
		},
		UniqueConstraints: [][]string{{"code"}},
		DependsOn:         []core.EntityKind{UnitTypes},
		IdentifyingFields: []string{"name"},
	}
}

func jobTitleSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  JobTitles,
		Label: "Job Titles",
		Fields: withTimestamps(
			core.FieldRule{Name: "name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(150), Transform: collapseSpaces},
			core.FieldRule{Name: "grade", Type: core.TypeInteger, Nullable: true, Min: floatp(1), Max: floatp(20)},
			core.FieldRule{Name: "description", Type: core.TypeString, Nullable: true, MaxLength: intp(1000)},
		),
		UniqueConstraints: [][]string{{"name"}},
		IdentifyingFields: []string{"name"},
	}
}

func personSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  Persons,
		Label: "Persons",
		Fields: withTimestamps(
			core.FieldRule{Name: "first_name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(100), Transform: collapseSpaces},
			core.FieldRule{Name: "last_name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(100), Transform: collapseSpaces},
			core.FieldRule{Name: "email", Type: core.TypeEmail, Required: true},
			core.FieldRule{Name: "phone", Type: core.TypeString, Nullable: true, Transform: normalizePhone, Validator: checkPhone},
			core.FieldRule{Name: "birth_date", Type: core.TypeDate, Nullable: true},
			core.FieldRule{Name: "contact_preferences", Type: core.TypeJSONList, Nullable: true, Enum: ContactChannels, MaxLength: intp(len(ContactChannels))},
		),
		UniqueConstraints: [][]string{{"email"}},
		IdentifyingFields: []string{"email"},
	}
}

func assignmentTypeSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  AssignmentTypes,
		Label: "Assignment Types",
		Fields: withTimestamps(
			core.FieldRule{Name: "name", Type: core.TypeString, Required: true, MinLength: intp(1), MaxLength: intp(100), Transform: collapseSpaces},
			core.FieldRule{Name: "is_primary", Type: core.TypeBoolean, Default: false},
			core.FieldRule{Name: "description", Type: core.TypeString, Nullable: true, MaxLength: intp(1000)},
		),
		UniqueConstraints: [][]string{{"name"}},
		IdentifyingFields: []string{"name"},
	}
}

func assignmentSchema() core.EntitySchema {
	return core.EntitySchema{
		Kind:  Assignments,
		Label: "Assignments",
		Fields: withTimestamps(
			core.FieldRule{Name: "person_id", Type: core.TypeString, Required: true},
			core.FieldRule{Name: "unit_id", Type: core.TypeString, Required: true},
			core.FieldRule{Name: "job_title_id", Type: core.TypeString, Required: true},
			core.FieldRule{Name: "assignment_type_id", Type: core.TypeString, Required: true},
			core.FieldRule{Name: "percentage", Type: core.TypePercentage, Default: 1.0},
			core.FieldRule{Name: "start_date", Type: core.TypeDate, Required: true},
			core.FieldRule{Name: "end_date", Type: core.TypeDate, Nullable: true},
			core.FieldRule{Name: "version", Type: core.TypeInteger, Default: int64(1), Min: floatp(1)},
			core.FieldRule{Name: "is_current", Type: core.TypeBoolean, Default: true},
			core.FieldRule{Name: "valid_to", Type: core.TypeDateTime, Nullable: true},
		),
		ForeignKeys: []core.ForeignKey{
			{Field: "person_id", Target: Persons},
			{Field: "unit_id", Target: Units},
			{Field: "job_title_id", Target: JobTitles},
			{Field: "assignment_type_id", Target: AssignmentTypes},
		},
		UniqueConstraints: [][]string{{"person_id", "unit_id", "job_title_id"}},
		DependsOn:         []core.EntityKind{Persons, Units, JobTitles, AssignmentTypes},
		Versioning: &core.Versioning{
			VersionField: "version",
			CurrentField: "is_current",
			ValidToField: "valid_to",
		},
	}
}
