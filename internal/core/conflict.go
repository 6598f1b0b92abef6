package core

// conflict.go detects collisions between incoming records and stored records,
// and between incoming records of the same batch.
//
// Each incoming record yields at most one conflict. Checks run in a fixed
// order and the first hit wins:
//  1. id matches a stored record (duplicate_primary_key, or version_conflict
//     when a versioned record carries a version that is not newer)
//  2. a unique field group matches a stored record (duplicate_unique_field)
//  3. the same id appeared earlier in the batch (reference_conflict)
//  4. a unique field group matches an earlier batch record (duplicate_business_key)
//
// For versioned kinds only current stored rows take part in unique checks;
// superseded versions legitimately share the same business key.

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictPrimaryKey  ConflictKind = "duplicate_primary_key"
	ConflictUniqueField ConflictKind = "duplicate_unique_field"
	ConflictBusinessKey ConflictKind = "duplicate_business_key"
	ConflictVersion     ConflictKind = "version_conflict"
	ConflictReference   ConflictKind = "reference_conflict"
)

// ConflictInfo describes one collision. Existing is the stored record, or the
// first batch occurrence when WithinBatch is set.
type ConflictInfo struct {
	ConflictKind  ConflictKind `json:"conflict_kind"`
	EntityKind    EntityKind   `json:"entity_kind"`
	Fields        []string     `json:"fields"`
	Value         string       `json:"value"`
	Existing      *Record      `json:"existing,omitempty"`
	Incoming      *Record      `json:"incoming,omitempty"`
	Origin        Locator      `json:"origin"`
	Suggested     Strategy     `json:"suggested_strategy"`
	WithinBatch   bool         `json:"within_batch"`
	IncomingIndex int          `json:"incoming_index"`
	ExistingIndex int          `json:"existing_index"` // Batch position when WithinBatch, else -1
}

func (c ConflictInfo) String() string {
	return fmt.Sprintf("%s on %s=%s", c.ConflictKind, strings.Join(c.Fields, "+"), c.Value)
}

// ConflictResolver detects and resolves conflicts. It reads the registry
// only and is safe for concurrent use.
type ConflictResolver struct {
	reg *Registry
	now func() time.Time
}

// ResolverOption configures a ConflictResolver.
type ResolverOption func(*ConflictResolver)

// WithClock overrides the clock used for update and validity timestamps.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *ConflictResolver) { r.now = now }
}

// NewConflictResolver creates a resolver over reg.
func NewConflictResolver(reg *Registry, opts ...ResolverOption) *ConflictResolver {
	r := &ConflictResolver{reg: reg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detect returns at most one conflict per incoming record, in input order.
func (r *ConflictResolver) Detect(kind EntityKind, incoming, existing []*Record) ([]ConflictInfo, error) {
	schema, err := r.reg.Schema(kind)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Record, len(existing))
	uniqueStored := make([]map[string]*Record, len(schema.UniqueConstraints))
	for g := range uniqueStored {
		uniqueStored[g] = make(map[string]*Record)
	}
	for _, rec := range existing {
		if id := rec.ID(); id != "" {
			byID[id] = rec
		}
		if !isCurrent(schema, rec) {
			continue
		}
		for g, group := range schema.UniqueConstraints {
			if key, ok := groupKey(schema, group, rec); ok {
				if _, dup := uniqueStored[g][key]; !dup {
					uniqueStored[g][key] = rec
				}
			}
		}
	}

	batchIDs := make(map[string]int)
	uniqueBatch := make([]map[string]int, len(schema.UniqueConstraints))
	for g := range uniqueBatch {
		uniqueBatch[g] = make(map[string]int)
	}

	var out []ConflictInfo
	for i, rec := range incoming {
		c, found := r.detectOne(schema, i, rec, byID, uniqueStored, batchIDs, uniqueBatch, incoming)
		if found {
			out = append(out, c)
		}

		// Register this record for later batch checks, first occurrence wins.
		if id := rec.ID(); id != "" {
			if _, seen := batchIDs[id]; !seen {
				batchIDs[id] = i
			}
		}
		if !isCurrent(schema, rec) {
			continue
		}
		for g, group := range schema.UniqueConstraints {
			if key, ok := groupKey(schema, group, rec); ok {
				if _, seen := uniqueBatch[g][key]; !seen {
					uniqueBatch[g][key] = i
				}
			}
		}
	}
	return out, nil
}

func (r *ConflictResolver) detectOne(
	schema EntitySchema,
	i int,
	rec *Record,
	byID map[string]*Record,
	uniqueStored []map[string]*Record,
	batchIDs map[string]int,
	uniqueBatch []map[string]int,
	incoming []*Record,
) (ConflictInfo, bool) {
	base := ConflictInfo{
		EntityKind:    schema.Kind,
		Incoming:      rec,
		Origin:        rec.Origin,
		IncomingIndex: i,
		ExistingIndex: -1,
	}

	id := rec.ID()
	if id != "" {
		if ex, ok := byID[id]; ok {
			c := base
			c.ConflictKind = ConflictPrimaryKey
			c.Fields = []string{FieldID}
			c.Value = id
			c.Existing = ex
			if staleVersion(schema, rec, ex) {
				c.ConflictKind = ConflictVersion
				c.Fields = []string{schema.Versioning.VersionField}
				c.Value = FormatValue(rec.Value(schema.Versioning.VersionField))
			}
			c.Suggested = suggestStrategy(schema, c.Fields)
			return c, true
		}
	}

	// Unique groups only bind current rows of versioned kinds.
	current := isCurrent(schema, rec)

	for g, group := range schema.UniqueConstraints {
		key, ok := groupKey(schema, group, rec)
		if !ok || !current {
			continue
		}
		if ex, hit := uniqueStored[g][key]; hit {
			c := base
			c.ConflictKind = ConflictUniqueField
			c.Fields = slices.Clone(group)
			c.Value = displayKey(key)
			c.Existing = ex
			c.Suggested = suggestStrategy(schema, group)
			return c, true
		}
	}

	if id != "" {
		if first, ok := batchIDs[id]; ok {
			c := base
			c.ConflictKind = ConflictReference
			c.Fields = []string{FieldID}
			c.Value = id
			c.Existing = incoming[first]
			c.WithinBatch = true
			c.ExistingIndex = first
			c.Suggested = suggestStrategy(schema, c.Fields)
			return c, true
		}
	}

	for g, group := range schema.UniqueConstraints {
		key, ok := groupKey(schema, group, rec)
		if !ok || !current {
			continue
		}
		if first, hit := uniqueBatch[g][key]; hit {
			c := base
			c.ConflictKind = ConflictBusinessKey
			c.Fields = slices.Clone(group)
			c.Value = displayKey(key)
			c.Existing = incoming[first]
			c.WithinBatch = true
			c.ExistingIndex = first
			c.Suggested = suggestStrategy(schema, group)
			return c, true
		}
	}

	return ConflictInfo{}, false
}

// suggestStrategy is advisory: versioned kinds suggest a new version,
// identifying fields suggest update, everything else skip.
func suggestStrategy(schema EntitySchema, fields []string) Strategy {
	if schema.Versioned() {
		return StrategyCreateVersion
	}
	for _, f := range fields {
		if slices.Contains(schema.IdentifyingFields, f) {
			return StrategyUpdate
		}
	}
	return StrategySkip
}

const keySep = "\x1f"

// groupKey joins the canonical values of a unique group. ok is false when
// any field of the group is absent or null.
func groupKey(schema EntitySchema, group []string, rec *Record) (string, bool) {
	parts := make([]string, len(group))
	for i, name := range group {
		v, present := rec.Get(name)
		if !present || isNull(v) {
			return "", false
		}
		rule, _ := schema.Field(name)
		parts[i] = canonicalKey(rule.Type, v)
	}
	return strings.Join(parts, keySep), true
}

func displayKey(key string) string {
	return strings.ReplaceAll(key, keySep, "+")
}

func isCurrent(schema EntitySchema, rec *Record) bool {
	if schema.Versioning == nil {
		return true
	}
	v, ok := rec.Get(schema.Versioning.CurrentField)
	if !ok || v == nil {
		return true
	}
	b, err := toBool(v)
	return err != nil || b.(bool)
}

func staleVersion(schema EntitySchema, incoming, existing *Record) bool {
	if schema.Versioning == nil {
		return false
	}
	in, ok := versionOf(incoming, schema.Versioning.VersionField)
	if !ok {
		return false
	}
	ex, _ := versionOf(existing, schema.Versioning.VersionField)
	return in <= ex
}

func versionOf(rec *Record, field string) (int64, bool) {
	v, ok := rec.Get(field)
	if !ok || isNull(v) {
		return 0, false
	}
	n, err := toInteger(v)
	if err != nil {
		return 0, false
	}
	return n.(int64), true
}
