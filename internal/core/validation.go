package core

// validation.go provides field, record and batch validation for incoming records.
//
// Validation happens at three levels:
//  1. Field validation: null/required check, type coercion, length/range/pattern
//     checks, then the field's custom validator. The first two short-circuit.
//  2. Record validation: every present field, required fields that are absent,
//     and business rules evaluated over the coerced record.
//  3. Batch validation: every record in order, halted only by the error limit.
//
// Data problems are returned as ValidationError values, never as Go errors.
// The only Go error is ErrUnknownEntityKind, which indicates a programming or
// configuration mistake rather than bad input.

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a validation error.
type ErrorKind string

const (
	ErrKindFileFormat      ErrorKind = "file_format"
	ErrKindMissingRequired ErrorKind = "missing_required_field"
	ErrKindInvalidType     ErrorKind = "invalid_data_type"
	ErrKindForeignKey      ErrorKind = "foreign_key_violation"
	ErrKindDuplicate       ErrorKind = "duplicate_record"
	ErrKindBusinessRule    ErrorKind = "business_rule_violation"
	ErrKindCircular        ErrorKind = "circular_reference"
	ErrKindSystem          ErrorKind = "system"
)

// Severity ranks a validation error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 2
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// ValidationError represents a single diagnostic attributed to an input record.
type ValidationError struct {
	Kind      EntityKind `json:"entity_kind,omitempty"`
	Field     string     `json:"field,omitempty"`
	Value     string     `json:"value,omitempty"`
	Message   string     `json:"message"`
	ErrorKind ErrorKind  `json:"error_kind"`
	Severity  Severity   `json:"severity"`
	Origin    Locator    `json:"origin"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.Kind != "" {
		b.WriteString(string(e.Kind))
		b.WriteString(" ")
	}
	if !e.Origin.IsZero() {
		b.WriteString(e.Origin.String())
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Fatal reports whether the error aborts the whole operation.
func (e ValidationError) Fatal() bool {
	if !e.Severity.AtLeast(SeverityError) {
		return false
	}
	switch e.ErrorKind {
	case ErrKindFileFormat, ErrKindCircular, ErrKindSystem:
		return true
	}
	return e.Severity == SeverityCritical
}

// FileFormatError builds a fatal structural error for a parser.
func FileFormatError(origin Locator, format string, args ...any) ValidationError {
	return ValidationError{
		Message:   fmt.Sprintf(format, args...),
		ErrorKind: ErrKindFileFormat,
		Severity:  SeverityCritical,
		Origin:    origin,
	}
}

// systemError wraps an infrastructure failure as a fatal diagnostic.
func systemError(kind EntityKind, err error) ValidationError {
	return ValidationError{
		Kind:      kind,
		Message:   err.Error(),
		ErrorKind: ErrKindSystem,
		Severity:  SeverityCritical,
	}
}

// BusinessRule is a cross-field predicate over a coerced record.
//
// Check returns an empty string when the record is acceptable, or a message
// describing the violation. Rules only see fields that passed coercion, so a
// rule never repeats a field-level error.
type BusinessRule struct {
	Name      string
	AppliesTo []EntityKind
	Field     string // Optional attribution
	Check     func(rec *Record) string
}

func (r BusinessRule) appliesTo(kind EntityKind) bool {
	return slices.Contains(r.AppliesTo, kind)
}

// DefaultErrorLimit caps per-batch errors when no limit is configured.
const DefaultErrorLimit = 1000

// Validator checks records against registry rules and business rules.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	reg        *Registry
	rules      []BusinessRule
	errorLimit int
	logger     *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithBusinessRules registers cross-field rules.
func WithBusinessRules(rules ...BusinessRule) ValidatorOption {
	return func(v *Validator) { v.rules = append(v.rules, rules...) }
}

// WithErrorLimit sets the per-batch error ceiling. Zero or negative disables it.
func WithErrorLimit(n int) ValidatorOption {
	return func(v *Validator) { v.errorLimit = n }
}

// WithValidatorLogger sets the logger used for unknown-field notices.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a validator over reg.
func NewValidator(reg *Registry, opts ...ValidatorOption) *Validator {
	v := &Validator{
		reg:        reg,
		errorLimit: DefaultErrorLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ErrorLimit returns the configured per-batch error ceiling.
func (v *Validator) ErrorLimit() int {
	return v.errorLimit
}

// ValidateField checks one value against its field rule.
// Fields not declared in the schema are logged and accepted.
func (v *Validator) ValidateField(kind EntityKind, field string, value any) ([]ValidationError, error) {
	schema, err := v.reg.Schema(kind)
	if err != nil {
		return nil, err
	}
	rule, ok := schema.Field(field)
	if !ok {
		v.logger.Debug("unknown field ignored", "kind", kind, "field", field)
		return nil, nil
	}
	_, errs := checkField(kind, rule, value)
	return errs, nil
}

// checkField runs the field pipeline and returns the coerced value.
func checkField(kind EntityKind, rule FieldRule, value any) (any, []ValidationError) {
	fail := func(ek ErrorKind, msg string) []ValidationError {
		return []ValidationError{{
			Kind:      kind,
			Field:     rule.Name,
			Value:     displayValue(value),
			Message:   msg,
			ErrorKind: ek,
			Severity:  SeverityError,
		}}
	}

	// (a) null / required
	if isNull(value) {
		if rule.Required && !rule.Nullable {
			return nil, fail(ErrKindMissingRequired, "required field is empty")
		}
		return nil, nil
	}

	// (b) transform and coercion
	raw := value
	if rule.Transform != nil {
		t, err := rule.Transform(raw)
		if err != nil {
			return nil, fail(ErrKindInvalidType, err.Error())
		}
		raw = t
		if isNull(raw) {
			if rule.Required && !rule.Nullable {
				return nil, fail(ErrKindMissingRequired, "required field is empty")
			}
			return nil, nil
		}
	}
	coerced, err := Coerce(rule.Type, raw)
	if err != nil {
		return nil, fail(ErrKindInvalidType, err.Error())
	}

	// (c) length, range, pattern, enum
	var errs []ValidationError
	for _, msg := range checkConstraints(rule, coerced) {
		errs = append(errs, fail(ErrKindInvalidType, msg)...)
	}

	// (d) custom validator
	if rule.Validator != nil {
		if err := rule.Validator(coerced); err != nil {
			errs = append(errs, fail(ErrKindInvalidType, err.Error())...)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return coerced, nil
}

func checkConstraints(rule FieldRule, value any) []string {
	var msgs []string

	switch x := value.(type) {
	case string:
		n := utf8.RuneCountInString(x)
		if rule.MinLength != nil && n < *rule.MinLength {
			msgs = append(msgs, fmt.Sprintf("must be at least %d characters", *rule.MinLength))
		}
		if rule.MaxLength != nil && n > *rule.MaxLength {
			msgs = append(msgs, fmt.Sprintf("must be at most %d characters", *rule.MaxLength))
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(x) {
			msgs = append(msgs, fmt.Sprintf("does not match pattern %s", rule.Pattern.String()))
		}
		if len(rule.Enum) > 0 && !slices.Contains(rule.Enum, x) {
			msgs = append(msgs, fmt.Sprintf("value must be one of: %s", strings.Join(rule.Enum, ", ")))
		}

	case []string:
		if rule.MinLength != nil && len(x) < *rule.MinLength {
			msgs = append(msgs, fmt.Sprintf("must contain at least %d items", *rule.MinLength))
		}
		if rule.MaxLength != nil && len(x) > *rule.MaxLength {
			msgs = append(msgs, fmt.Sprintf("must contain at most %d items", *rule.MaxLength))
		}
		if len(rule.Enum) > 0 {
			for _, item := range x {
				if !slices.Contains(rule.Enum, item) {
					msgs = append(msgs, fmt.Sprintf("item %q must be one of: %s", item, strings.Join(rule.Enum, ", ")))
				}
			}
		}

	case int64:
		msgs = append(msgs, checkRange(rule, float64(x))...)

	case float64:
		msgs = append(msgs, checkRange(rule, x)...)
	}

	return msgs
}

func checkRange(rule FieldRule, f float64) []string {
	var msgs []string
	if rule.Min != nil && f < *rule.Min {
		msgs = append(msgs, fmt.Sprintf("must be at least %s", formatFloat(*rule.Min)))
	}
	if rule.Max != nil && f > *rule.Max {
		msgs = append(msgs, fmt.Sprintf("must be at most %s", formatFloat(*rule.Max)))
	}
	return msgs
}

// RecordResult is the outcome of normalizing one record: either a coerced
// record or the errors that rejected it.
type RecordResult struct {
	Record *Record
	Errors []ValidationError
}

// OK reports whether the record passed validation.
func (r RecordResult) OK() bool {
	for _, e := range r.Errors {
		if e.Severity.AtLeast(SeverityError) {
			return false
		}
	}
	return true
}

// Normalize validates rec and returns a coerced copy. Fields are emitted in
// schema order, defaults are filled in, and undeclared fields are dropped.
// Business rules run over the coerced copy.
func (v *Validator) Normalize(kind EntityKind, rec *Record) (RecordResult, error) {
	schema, err := v.reg.Schema(kind)
	if err != nil {
		return RecordResult{}, err
	}

	out := NewRecord(kind, rec.Origin)
	out.ClientID = rec.ClientID
	if out.ClientID == "" {
		out.ClientID = clientIDOf(rec)
	}

	var errs []ValidationError
	for _, rule := range schema.Fields {
		raw, present := rec.Get(rule.Name)
		if !present {
			if rule.Default != nil {
				out.setDefault(rule.Name, cloneValue(rule.Default))
				continue
			}
			if rule.Required {
				errs = append(errs, ValidationError{
					Kind:      kind,
					Field:     rule.Name,
					Message:   "missing required field",
					ErrorKind: ErrKindMissingRequired,
					Severity:  SeverityError,
				})
			}
			continue
		}

		coerced, ferrs := checkField(kind, rule, raw)
		if len(ferrs) > 0 {
			errs = append(errs, ferrs...)
			continue
		}
		if coerced == nil && rule.Default != nil {
			out.setDefault(rule.Name, cloneValue(rule.Default))
			continue
		}
		out.Set(rule.Name, coerced)
	}

	for _, key := range rec.Keys() {
		if _, ok := schema.Field(key); !ok {
			v.logger.Debug("unknown field ignored",
				"kind", kind,
				"field", key,
				"origin", rec.Origin.String(),
			)
		}
	}

	for _, rule := range v.rules {
		if !rule.appliesTo(kind) {
			continue
		}
		if msg := rule.Check(out); msg != "" {
			errs = append(errs, ValidationError{
				Kind:      kind,
				Field:     rule.Field,
				Message:   msg,
				ErrorKind: ErrKindBusinessRule,
				Severity:  SeverityError,
			})
		}
	}

	for i := range errs {
		errs[i].Origin = rec.Origin
	}

	return RecordResult{Record: out, Errors: errs}, nil
}

// ValidateRecord validates one record. origin overrides the record's own
// locator for attribution when non-zero.
func (v *Validator) ValidateRecord(kind EntityKind, rec *Record, origin Locator) ([]ValidationError, error) {
	if !origin.IsZero() && origin != rec.Origin {
		rec = rec.Clone()
		rec.Origin = origin
	}
	res, err := v.Normalize(kind, rec)
	if err != nil {
		return nil, err
	}
	return res.Errors, nil
}

// BatchResult folds a batch of RecordResults into survivors and errors.
type BatchResult struct {
	Survivors []*Record
	Errors    []ValidationError
	Failed    int  // Records rejected by validation
	Halted    bool // The error limit was reached
	Checked   int  // Records evaluated before halting
}

// NormalizeBatch validates every record, assigning sequential locators from
// start to records that have none. Evaluation stops only when the error limit
// is reached; records past that point are neither checked nor kept.
func (v *Validator) NormalizeBatch(kind EntityKind, records []*Record, start Locator) (BatchResult, error) {
	if !v.reg.Has(kind) {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrUnknownEntityKind, kind)
	}

	var res BatchResult
	errCount := 0
	for i, rec := range records {
		if v.errorLimit > 0 && errCount >= v.errorLimit {
			res.Halted = true
			res.Errors = append(res.Errors, ValidationError{
				Kind:      kind,
				Message:   fmt.Sprintf("error limit of %d reached; %d remaining records were not validated", v.errorLimit, len(records)-i),
				ErrorKind: ErrKindSystem,
				Severity:  SeverityWarning,
				Origin:    rec.Origin,
			})
			break
		}

		if rec.Origin.IsZero() {
			rec = rec.Clone()
			rec.Origin = sequentialLocator(start, i)
		}

		rr, err := v.Normalize(kind, rec)
		if err != nil {
			return BatchResult{}, err
		}
		res.Checked++
		res.Errors = append(res.Errors, rr.Errors...)
		if rr.OK() {
			res.Survivors = append(res.Survivors, rr.Record)
		} else {
			res.Failed++
			errCount += len(rr.Errors)
		}
	}
	return res, nil
}

// ValidateBatch validates every record and returns all errors.
func (v *Validator) ValidateBatch(kind EntityKind, records []*Record, start Locator) ([]ValidationError, error) {
	res, err := v.NormalizeBatch(kind, records, start)
	if err != nil {
		return nil, err
	}
	return res.Errors, nil
}

func sequentialLocator(start Locator, i int) Locator {
	loc := Locator{Source: start.Source, Index: start.Index + i}
	if start.Line > 0 {
		loc.Line = start.Line + i
	}
	return loc
}

func clientIDOf(rec *Record) string {
	v, ok := rec.Get(FieldID)
	if !ok || isNull(v) {
		return ""
	}
	s, err := Coerce(TypeString, v)
	if err != nil {
		return ""
	}
	return s.(string)
}

// ReferenceIndex is the set of valid ids per target kind.
type ReferenceIndex map[EntityKind]map[string]struct{}

// Add records id as a valid reference for kind.
func (ix ReferenceIndex) Add(kind EntityKind, ids ...string) {
	set, ok := ix[kind]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		ix[kind] = set
	}
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

// Has reports whether id is a valid reference for kind.
func (ix ReferenceIndex) Has(kind EntityKind, id string) bool {
	_, ok := ix[kind][id]
	return ok
}

// Clone returns a deep copy.
func (ix ReferenceIndex) Clone() ReferenceIndex {
	out := make(ReferenceIndex, len(ix))
	for k, set := range ix {
		cp := make(map[string]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		out[k] = cp
	}
	return out
}

// ValidateForeignKeys checks every non-null foreign key against index.
//
// Self references may point at records earlier in the same batch; forward
// references within the batch are rejected.
func (v *Validator) ValidateForeignKeys(kind EntityKind, records []*Record, index ReferenceIndex) ([]ValidationError, error) {
	_, errs, err := v.CheckForeignKeys(kind, records, index)
	return errs, err
}

// CheckForeignKeys is ValidateForeignKeys that also returns the records
// whose references all resolved.
func (v *Validator) CheckForeignKeys(kind EntityKind, records []*Record, index ReferenceIndex) ([]*Record, []ValidationError, error) {
	schema, err := v.reg.Schema(kind)
	if err != nil {
		return nil, nil, err
	}

	seen := ReferenceIndex{}
	var (
		valid []*Record
		errs  []ValidationError
	)
	for _, rec := range records {
		bad := false
		for _, fk := range schema.ForeignKeys {
			rule, _ := schema.Field(fk.Field)
			val, present := rec.Get(fk.Field)
			if !present || isNull(val) {
				if present && !rule.Nullable {
					errs = append(errs, fkError(kind, fk, "", "reference must not be null", rec.Origin))
					bad = true
				}
				continue
			}
			ref := fmt.Sprint(val)
			if index.Has(fk.Target, ref) {
				continue
			}
			if fk.Target == kind && seen.Has(kind, ref) {
				continue
			}
			msg := fmt.Sprintf("%s %q does not exist", fk.Target, ref)
			if fk.Target == kind {
				msg = fmt.Sprintf("%s %q does not exist or appears later in the file", fk.Target, ref)
			}
			errs = append(errs, fkError(kind, fk, ref, msg, rec.Origin))
			bad = true
		}
		if !bad {
			valid = append(valid, rec)
			seen.Add(kind, rec.ClientID, rec.ID())
		}
	}
	return valid, errs, nil
}

func fkError(kind EntityKind, fk ForeignKey, value, msg string, origin Locator) ValidationError {
	return ValidationError{
		Kind:      kind,
		Field:     fk.Field,
		Value:     value,
		Message:   msg,
		ErrorKind: ErrKindForeignKey,
		Severity:  SeverityError,
		Origin:    origin,
	}
}

// ErrorsOf filters diagnostics of one ErrorKind.
func ErrorsOf(errs []ValidationError, kind ErrorKind) []ValidationError {
	var out []ValidationError
	for _, e := range errs {
		if e.ErrorKind == kind {
			out = append(out, e)
		}
	}
	return out
}

// AsValidationError extracts a ValidationError from err.
func AsValidationError(err error) (ValidationError, bool) {
	var ve ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
