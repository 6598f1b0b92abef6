package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Record is an ordered mapping of field name to value, tagged with its kind
// and origin. The origin survives every rewrite so errors can always be
// traced back to the input.
type Record struct {
	Kind   EntityKind
	Origin Locator

	// ClientID is the id the input file used for this record. It is kept
	// after the id field is rewritten so references can be remapped.
	ClientID string

	keys     []string
	values   map[string]any
	defaults map[string]bool // Fields filled from schema defaults
}

// NewRecord creates an empty record.
func NewRecord(kind EntityKind, origin Locator) *Record {
	return &Record{
		Kind:   kind,
		Origin: origin,
		values: make(map[string]any),
	}
}

// RecordFrom builds a record from key/value pairs.
// Panics if pairs has odd length or a key is not a string. Intended for tests
// and fixtures.
func RecordFrom(kind EntityKind, pairs ...any) *Record {
	if len(pairs)%2 != 0 {
		panic("RecordFrom: odd number of arguments")
	}
	r := NewRecord(kind, Locator{})
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("RecordFrom: key %v is not a string", pairs[i]))
		}
		r.Set(key, pairs[i+1])
	}
	return r
}

// Get returns the value of a field and whether it is present.
func (r *Record) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns the field value or nil when absent.
func (r *Record) Value(field string) any {
	return r.values[field]
}

// Text returns the field as a string, or "" when absent or not a string.
func (r *Record) Text(field string) string {
	s, _ := r.values[field].(string)
	return s
}

// Set assigns a field, appending it to the key order when new.
func (r *Record) Set(field string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[field]; !ok {
		r.keys = append(r.keys, field)
	}
	r.values[field] = value
	delete(r.defaults, field)
}

// setDefault assigns a field from a schema default.
func (r *Record) setDefault(field string, value any) {
	r.Set(field, value)
	if r.defaults == nil {
		r.defaults = make(map[string]bool)
	}
	r.defaults[field] = true
}

// Defaulted reports whether the field was filled from a schema default
// rather than supplied by the input.
func (r *Record) Defaulted(field string) bool {
	return r.defaults[field]
}

// Delete removes a field.
func (r *Record) Delete(field string) {
	if _, ok := r.values[field]; !ok {
		return
	}
	delete(r.values, field)
	delete(r.defaults, field)
	for i, k := range r.keys {
		if k == field {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.keys)
}

// ID returns the id field or "".
func (r *Record) ID() string {
	return r.Text(FieldID)
}

// IsNull reports whether the field is absent or holds a null value.
func (r *Record) IsNull(field string) bool {
	v, ok := r.values[field]
	return !ok || isNull(v)
}

// Clone returns a deep copy. Slice values are copied so later edits
// do not leak between rewrites.
func (r *Record) Clone() *Record {
	c := &Record{
		Kind:     r.Kind,
		Origin:   r.Origin,
		ClientID: r.ClientID,
		keys:     make([]string, len(r.keys)),
		values:   make(map[string]any, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = cloneValue(v)
	}
	if len(r.defaults) > 0 {
		c.defaults = make(map[string]bool, len(r.defaults))
		for k := range r.defaults {
			c.defaults[k] = true
		}
	}
	return c
}

// Map returns a shallow copy of the values.
func (r *Record) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

// MarshalJSON writes fields in insertion order. Dates are written as
// calendar dates when they fall on midnight UTC.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(jsonValue(r.values[k]))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object into the record, keeping key order.
// Kind and Origin are left untouched. Numbers decode as float64.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record must be a JSON object")
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %v: %w", key, err)
		}
		r.Set(key.(string), v)
	}
	_, err = dec.Token()
	return err
}

func jsonValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return FormatTime(t)
	}
	return v
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
