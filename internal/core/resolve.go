package core

// resolve.go applies a conflict strategy to detected conflicts.
//
// Strategies are a closed set handled by a single switch in Resolve. Whether
// create-new-version is available is a capability of the schema (Versioning),
// not a property of any particular kind name.

import (
	"fmt"
	"strings"
)

// ResolutionAction is what happened to an incoming record.
type ResolutionAction string

const (
	ActionSkip          ResolutionAction = "skip"
	ActionUpdate        ResolutionAction = "update"
	ActionCreateVersion ResolutionAction = "create_version"
)

// ResolutionOutcome is the result of resolving one conflict.
type ResolutionOutcome struct {
	Action     ResolutionAction
	Record     *Record // Record to apply; nil for skip
	Superseded *Record // Previous version to apply first; create_version only
	Warning    *ValidationError
	Conflict   ConflictInfo
}

// Resolve applies strategy to one conflict.
func (r *ConflictResolver) Resolve(c ConflictInfo, strategy Strategy) (ResolutionOutcome, error) {
	schema, err := r.reg.Schema(c.EntityKind)
	if err != nil {
		return ResolutionOutcome{}, err
	}
	if c.Incoming == nil || c.Existing == nil {
		return ResolutionOutcome{}, fmt.Errorf("conflict on %s is missing a record", c.EntityKind)
	}

	switch strategy {
	case StrategySkip:
		w := skipWarning(c)
		return ResolutionOutcome{Action: ActionSkip, Warning: &w, Conflict: c}, nil

	case StrategyUpdate:
		return ResolutionOutcome{
			Action:   ActionUpdate,
			Record:   r.merge(schema, c),
			Conflict: c,
		}, nil

	case StrategyCreateVersion:
		if !schema.Versioned() {
			return ResolutionOutcome{}, fmt.Errorf("%w: %s does not support versioning", ErrUnsupportedOperation, c.EntityKind)
		}
		prev, next := r.newVersion(schema, c)
		return ResolutionOutcome{
			Action:     ActionCreateVersion,
			Record:     next,
			Superseded: prev,
			Conflict:   c,
		}, nil

	default:
		return ResolutionOutcome{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// merge overlays every non-null incoming field onto a copy of the existing
// record. Nulls and schema defaults never overwrite stored values, and the
// existing id is kept.
func (r *ConflictResolver) merge(schema EntitySchema, c ConflictInfo) *Record {
	merged := c.Existing.Clone()
	for _, key := range c.Incoming.Keys() {
		switch key {
		case FieldID, FieldCreatedAt:
			continue
		}
		if schema.Versioning != nil && key == schema.Versioning.VersionField {
			continue
		}
		if c.Incoming.Defaulted(key) || c.Incoming.IsNull(key) {
			continue
		}
		merged.Set(key, cloneValue(c.Incoming.Value(key)))
	}
	if _, ok := schema.Field(FieldUpdatedAt); ok {
		merged.Set(FieldUpdatedAt, r.now().UTC())
	}
	if !c.WithinBatch {
		merged.Origin = c.Incoming.Origin
		merged.ClientID = c.Incoming.ClientID
	}
	return merged
}

// newVersion closes the existing row and opens a new current one.
// The closed row's validity ends at the resolver's clock.
func (r *ConflictResolver) newVersion(schema EntitySchema, c ConflictInfo) (prev, next *Record) {
	v := schema.Versioning
	now := r.now().UTC()

	current, ok := versionOf(c.Existing, v.VersionField)
	if !ok {
		current = 1
	}

	prev = c.Existing.Clone()
	prev.Set(v.CurrentField, false)
	prev.Set(v.ValidToField, now)
	if _, ok := schema.Field(FieldUpdatedAt); ok {
		prev.Set(FieldUpdatedAt, now)
	}

	next = c.Incoming.Clone()
	next.Delete(FieldID)
	next.Set(v.VersionField, current+1)
	next.Set(v.CurrentField, true)
	next.Set(v.ValidToField, nil)
	if _, ok := schema.Field(FieldCreatedAt); ok {
		next.Set(FieldCreatedAt, now)
	}
	if _, ok := schema.Field(FieldUpdatedAt); ok {
		next.Set(FieldUpdatedAt, now)
	}
	return prev, next
}

func skipWarning(c ConflictInfo) ValidationError {
	target := c.Existing.ID()
	if c.WithinBatch {
		target = fmt.Sprintf("at %s", c.Existing.Origin)
	}
	return ValidationError{
		Kind:      c.EntityKind,
		Field:     strings.Join(c.Fields, ","),
		Value:     c.Value,
		Message:   fmt.Sprintf("skipped: %s matches existing record %s", c.ConflictKind, target),
		ErrorKind: ErrKindDuplicate,
		Severity:  SeverityWarning,
		Origin:    c.Origin,
	}
}

// ConflictBatchResult is the outcome of resolving one kind's batch.
type ConflictBatchResult struct {
	Survivors  []*Record // In input order
	Superseded []*Record // Stored rows closed by create_version, applied before survivors
	Conflicts  []ConflictInfo
	Outcomes   []ResolutionOutcome
	Errors     []ValidationError
	Warnings   []ValidationError
	Skipped    int

	// Resolved maps the client id of a skipped record to the storage id of
	// the record it matched, so references to it still resolve.
	Resolved map[string]string

	// Aliases maps the client id of a record folded into an earlier batch
	// record to that record's client id.
	Aliases map[string]string
}

// ProcessConflicts detects conflicts and applies strategy uniformly.
//
// A record leaves the surviving set when it is skipped, when its resolution
// fails, or when it is merged into an earlier record of the same batch. A
// duplicate of a batch record that was skipped resolves against the stored
// record that one matched; a duplicate of a rejected record is rejected too.
// create_new_version on an unversioned kind falls back to update with a warning.
func (r *ConflictResolver) ProcessConflicts(kind EntityKind, incoming, existing []*Record, strategy Strategy) (ConflictBatchResult, error) {
	schema, err := r.reg.Schema(kind)
	if err != nil {
		return ConflictBatchResult{}, err
	}
	conflicts, err := r.Detect(kind, incoming, existing)
	if err != nil {
		return ConflictBatchResult{}, err
	}

	res := ConflictBatchResult{
		Conflicts: conflicts,
		Resolved:  make(map[string]string),
		Aliases:   make(map[string]string),
	}

	effective := strategy
	if strategy == StrategyCreateVersion && !schema.Versioned() && len(conflicts) > 0 {
		res.Warnings = append(res.Warnings, ValidationError{
			Kind:      kind,
			Message:   fmt.Sprintf("create_new_version is not supported for %s; falling back to update", kind),
			ErrorKind: ErrKindDuplicate,
			Severity:  SeverityWarning,
		})
		effective = StrategyUpdate
	}

	slots := make([]*Record, len(incoming))
	copy(slots, incoming)

	// latest follows a batch position to the record that replaced it, so
	// repeated conflicts chain onto the newest version.
	latest := make(map[int]int)
	follow := func(i int) int {
		for {
			next, ok := latest[i]
			if !ok {
				return i
			}
			i = next
		}
	}
	// claimed tracks stored records already resolved by an earlier incoming
	// record; later hits are treated as batch duplicates of that record.
	claimed := make(map[*Record]int)
	// matched keeps the stored record behind each batch position that was
	// skipped, so its later duplicates resolve against that record.
	matched := make(map[int]*Record)

	for _, c := range conflicts {
		i := c.IncomingIndex
		if !c.WithinBatch {
			if j, ok := claimed[c.Existing]; ok && slots[follow(j)] != nil {
				c.WithinBatch = true
				c.ExistingIndex = j
			}
		}
		target := -1
		if c.WithinBatch {
			target = follow(c.ExistingIndex)
			if slots[target] == nil {
				stored, ok := matched[target]
				if !ok {
					res.Errors = append(res.Errors, ValidationError{
						Kind:      kind,
						Field:     strings.Join(c.Fields, ","),
						Value:     c.Value,
						Message:   fmt.Sprintf("cannot resolve %s: the earlier record was rejected", c),
						ErrorKind: ErrKindDuplicate,
						Severity:  SeverityError,
						Origin:    c.Origin,
					})
					slots[i] = nil
					continue
				}
				c.WithinBatch = false
				c.ExistingIndex = -1
				c.Existing = stored
				target = -1
			} else {
				c.Existing = slots[target]
			}
		}

		out, err := r.Resolve(c, effective)
		if err != nil {
			res.Errors = append(res.Errors, ValidationError{
				Kind:      kind,
				Field:     strings.Join(c.Fields, ","),
				Value:     c.Value,
				Message:   fmt.Sprintf("cannot resolve %s: %v", c, err),
				ErrorKind: ErrKindDuplicate,
				Severity:  SeverityError,
				Origin:    c.Origin,
			})
			slots[i] = nil
			continue
		}
		res.Outcomes = append(res.Outcomes, out)

		switch out.Action {
		case ActionSkip:
			slots[i] = nil
			res.Skipped++
			res.Warnings = append(res.Warnings, *out.Warning)
			if target < 0 {
				matched[i] = c.Existing
			} else {
				latest[i] = target
			}
			link(&res, c, target, slots)

		case ActionUpdate:
			if c.WithinBatch {
				slots[target] = out.Record
				slots[i] = nil
				latest[i] = target
				link(&res, c, target, slots)
			} else {
				slots[i] = out.Record
				claimed[c.Existing] = i
			}

		case ActionCreateVersion:
			if c.WithinBatch {
				slots[target] = out.Superseded
				latest[target] = i
			} else {
				res.Superseded = append(res.Superseded, out.Superseded)
				claimed[c.Existing] = i
			}
			slots[i] = out.Record
		}
	}

	for _, rec := range slots {
		if rec != nil {
			res.Survivors = append(res.Survivors, rec)
		}
	}
	return res, nil
}

// link records where a dropped record's client id now points.
func link(res *ConflictBatchResult, c ConflictInfo, target int, slots []*Record) {
	from := c.Incoming.ClientID
	if from == "" {
		return
	}
	if target < 0 {
		if id := c.Existing.ID(); id != "" {
			res.Resolved[from] = id
		}
		return
	}
	if to := slots[target].ClientID; to != "" && to != from {
		res.Aliases[from] = to
	}
}
