package core

// registry.go holds the schema registry: static per-kind metadata plus the
// dependency graph between kinds.
//
// A Registry is built once at startup and never mutated afterwards, so it is
// safe for concurrent reads without locking. Construction validates the
// schemas as a whole: foreign keys must point at registered kinds that are
// also declared dependencies, unique groups must name real fields, and the
// dependency graph must be acyclic. A misconfigured registry fails at
// startup instead of during an import.

import (
	"errors"
	"fmt"
)

// Registry is the immutable set of entity schemas. Registration order is
// the canonical order used to break ties when ordering kinds.
type Registry struct {
	schemas map[EntityKind]EntitySchema
	order   []EntityKind
}

// NewRegistry validates and registers the schemas.
func NewRegistry(schemas ...EntitySchema) (*Registry, error) {
	r := &Registry{
		schemas: make(map[EntityKind]EntitySchema, len(schemas)),
		order:   make([]EntityKind, 0, len(schemas)),
	}

	for _, s := range schemas {
		if s.Kind == "" {
			return nil, fmt.Errorf("%w: schema without kind", ErrInvalidSchema)
		}
		if _, exists := r.schemas[s.Kind]; exists {
			return nil, fmt.Errorf("%w: kind already registered: %s", ErrInvalidSchema, s.Kind)
		}
		r.schemas[s.Kind] = s
		r.order = append(r.order, s.Kind)
	}

	var errs []error
	for _, kind := range r.order {
		if err := r.checkSchema(r.schemas[kind]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// The full graph must be a DAG so every requested subset can be ordered.
	if _, err := topoSort(r, r.order); err != nil {
		return nil, err
	}

	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on error.
func MustNewRegistry(schemas ...EntitySchema) *Registry {
	r, err := NewRegistry(schemas...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) checkSchema(s EntitySchema) error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: field without name", ErrInvalidSchema, s.Kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSchema, s.Kind, f.Name)
		}
		seen[f.Name] = true
	}

	deps := make(map[EntityKind]bool, len(s.DependsOn))
	for _, d := range s.DependsOn {
		if _, ok := r.schemas[d]; !ok {
			return fmt.Errorf("%w: %s depends on unregistered kind %s", ErrInvalidSchema, s.Kind, d)
		}
		if d == s.Kind {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidSchema, s.Kind)
		}
		deps[d] = true
	}

	for _, fk := range s.ForeignKeys {
		if !seen[fk.Field] {
			return fmt.Errorf("%w: %s: foreign key on unknown field %q", ErrInvalidSchema, s.Kind, fk.Field)
		}
		if _, ok := r.schemas[fk.Target]; !ok {
			return fmt.Errorf("%w: %s.%s references unregistered kind %s", ErrInvalidSchema, s.Kind, fk.Field, fk.Target)
		}
		// Self references are ordered within the batch, not by the graph.
		if fk.Target != s.Kind && !deps[fk.Target] {
			return fmt.Errorf("%w: %s.%s references %s which is not a declared dependency", ErrInvalidSchema, s.Kind, fk.Field, fk.Target)
		}
	}

	for _, group := range s.UniqueConstraints {
		if len(group) == 0 {
			return fmt.Errorf("%w: %s: empty unique constraint", ErrInvalidSchema, s.Kind)
		}
		for _, name := range group {
			if !seen[name] {
				return fmt.Errorf("%w: %s: unique constraint on unknown field %q", ErrInvalidSchema, s.Kind, name)
			}
		}
	}

	if v := s.Versioning; v != nil {
		for _, name := range []string{v.VersionField, v.CurrentField, v.ValidToField} {
			if !seen[name] {
				return fmt.Errorf("%w: %s: versioning field %q not declared", ErrInvalidSchema, s.Kind, name)
			}
		}
	}
	return nil
}

// Schema returns the schema for a kind.
func (r *Registry) Schema(kind EntityKind) (EntitySchema, error) {
	s, ok := r.schemas[kind]
	if !ok {
		return EntitySchema{}, fmt.Errorf("%w: %s", ErrUnknownEntityKind, kind)
	}
	return s, nil
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind EntityKind) bool {
	_, ok := r.schemas[kind]
	return ok
}

// Kinds returns all kinds in canonical order.
func (r *Registry) Kinds() []EntityKind {
	out := make([]EntityKind, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	return len(r.order)
}

// All returns every schema in canonical order.
func (r *Registry) All() []EntitySchema {
	out := make([]EntitySchema, len(r.order))
	for i, k := range r.order {
		out[i] = r.schemas[k]
	}
	return out
}

// RequiredFields returns the names of required fields.
func (r *Registry) RequiredFields(kind EntityKind) ([]string, error) {
	s, err := r.Schema(kind)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

// UniqueConstraints returns the unique field groups of a kind.
func (r *Registry) UniqueConstraints(kind EntityKind) ([][]string, error) {
	s, err := r.Schema(kind)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(s.UniqueConstraints))
	for i, g := range s.UniqueConstraints {
		out[i] = append([]string(nil), g...)
	}
	return out, nil
}

// ForeignKeys returns the foreign keys of a kind.
func (r *Registry) ForeignKeys(kind EntityKind) ([]ForeignKey, error) {
	s, err := r.Schema(kind)
	if err != nil {
		return nil, err
	}
	return append([]ForeignKey(nil), s.ForeignKeys...), nil
}

// DependenciesOf returns the declared dependencies of a kind.
// Unknown kinds have none.
func (r *Registry) DependenciesOf(kind EntityKind) []EntityKind {
	return append([]EntityKind(nil), r.schemas[kind].DependsOn...)
}
