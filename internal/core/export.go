package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecordFilter keeps records whose date field falls inside [From, To].
// A nil bound is open. Records with a null value in Field are dropped.
type RecordFilter struct {
	Kind  EntityKind
	Field string
	From  *time.Time
	To    *time.Time
}

// ParseRecordFilter parses kind.field:from..to. Either bound may be empty.
//
//	assignments.start_date:2024-01-01..2024-12-31
//	persons.birth_date:..1990-06-30
func ParseRecordFilter(raw string) (RecordFilter, error) {
	target, bounds, ok := strings.Cut(raw, ":")
	kind, field, ok2 := strings.Cut(target, ".")
	if !ok || !ok2 || kind == "" || field == "" {
		return RecordFilter{}, fmt.Errorf("%w: %q must look like kind.field:from..to", ErrInvalidFilter, raw)
	}
	from, to, ok := strings.Cut(bounds, "..")
	if !ok {
		return RecordFilter{}, fmt.Errorf("%w: %q needs a from..to range", ErrInvalidFilter, raw)
	}

	f := RecordFilter{Kind: EntityKind(kind), Field: field}
	var err error
	if f.From, err = filterBound(raw, from); err != nil {
		return RecordFilter{}, err
	}
	if f.To, err = filterBound(raw, to); err != nil {
		return RecordFilter{}, err
	}
	return f, nil
}

func filterBound(raw, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, ok := ParseDate(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q: invalid date %q", ErrInvalidFilter, raw, s)
	}
	return &t, nil
}

func (f RecordFilter) match(rec *Record) bool {
	v, ok := rec.Get(f.Field)
	if !ok || isNull(v) {
		return false
	}
	t, ok := v.(time.Time)
	if !ok {
		return false
	}
	if f.From != nil && t.Before(*f.From) {
		return false
	}
	if f.To != nil && t.After(*f.To) {
		return false
	}
	return true
}

// ExportOptions controls an export run.
type ExportOptions struct {
	OperationID string

	// Kinds to export; empty means every registered kind.
	Kinds []EntityKind

	Filters []RecordFilter

	// CurrentOnly drops closed versions of versioned kinds.
	CurrentOnly bool
}

// Export reads stored records in dependency order and returns them with
// values normalized to their semantic types. Parents of self-referencing
// kinds precede their children so the output re-imports cleanly.
func (s *Service) Export(ctx context.Context, opts ExportOptions) (Dataset, *OperationResult, error) {
	opts.OperationID = newOperationID(opts.OperationID)

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = s.reg.Kinds()
	}
	order, err := s.deps.Order(kinds)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range opts.Filters {
		if err := s.checkFilter(f); err != nil {
			return nil, nil, err
		}
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	ctx, cancel := s.bound(ctx)
	defer cancel()

	logger := s.logger.With("operation_id", opts.OperationID, "mode", ModeExport)
	res := newOperationResult(opts.OperationID, ModeExport, s.now())
	res.Order = order
	ds := make(Dataset, len(order))

	for _, kind := range order {
		if err := ctx.Err(); err != nil {
			res.add(systemError(kind, err))
			break
		}
		schema, _ := s.reg.Schema(kind)
		counts := res.counts(kind)

		stored, err := s.store.FetchExisting(ctx, kind)
		if err != nil {
			res.add(systemError(kind, fmt.Errorf("fetch %s: %w", kind, err)))
			break
		}
		counts.Processed = len(stored)

		out := make([]*Record, 0, len(stored))
		for _, rec := range stored {
			rr, err := s.validator.Normalize(kind, rec)
			if err != nil {
				return nil, nil, err
			}
			norm := rr.Record
			if !rr.OK() {
				// Stored data that no longer validates is exported as is.
				for _, e := range rr.Errors {
					e.Severity = SeverityWarning
					res.add(e)
				}
				norm = rec.Clone()
			}
			if opts.CurrentOnly && !isCurrent(schema, norm) {
				counts.Skipped++
				continue
			}
			if !s.keep(kind, norm, opts.Filters) {
				counts.Skipped++
				continue
			}
			out = append(out, norm)
		}

		// Exported rows are reported as created.
		ds[kind] = orderSelfReferences(schema, out)
		counts.Created = len(ds[kind])
	}

	res.Success = len(res.Errors) == 0

	entry := newAuditEntry(ctx, opts.OperationID, AuditExport, "", s.now())
	entry.Reason = fmt.Sprintf("exported %d records across %d kinds", ds.Count(), len(order))
	s.recordAudit(ctx, logger, []AuditEntry{entry})

	logger.Info("export finished",
		"success", res.Success,
		"kinds", len(order),
		"records", ds.Count(),
	)
	s.finish(res)
	return ds, res, nil
}

func (s *Service) checkFilter(f RecordFilter) error {
	schema, err := s.reg.Schema(f.Kind)
	if err != nil {
		return err
	}
	rule, ok := schema.Field(f.Field)
	if !ok {
		return fmt.Errorf("%w: %s has no field %q", ErrInvalidFilter, f.Kind, f.Field)
	}
	if rule.Type != TypeDate && rule.Type != TypeDateTime {
		return fmt.Errorf("%w: %s.%s is %s, not a date", ErrInvalidFilter, f.Kind, f.Field, rule.Type)
	}
	return nil
}

func (s *Service) keep(kind EntityKind, rec *Record, filters []RecordFilter) bool {
	for _, f := range filters {
		if f.Kind == kind && !f.match(rec) {
			return false
		}
	}
	return true
}

// orderSelfReferences sorts records so that a record referenced through a
// self foreign key comes before the records pointing at it. Relative order
// is otherwise preserved. Cycles in the data are broken at the first
// revisited record.
func orderSelfReferences(schema EntitySchema, recs []*Record) []*Record {
	var self []string
	for _, fk := range schema.ForeignKeys {
		if fk.Target == schema.Kind {
			self = append(self, fk.Field)
		}
	}
	if len(self) == 0 || len(recs) < 2 {
		return recs
	}

	byID := make(map[string]*Record, len(recs))
	for _, r := range recs {
		if id := r.ID(); id != "" {
			byID[id] = r
		}
	}

	out := make([]*Record, 0, len(recs))
	visited := make(map[*Record]bool, len(recs))
	var visit func(r *Record)
	visit = func(r *Record) {
		if visited[r] {
			return
		}
		visited[r] = true
		for _, field := range self {
			if r.IsNull(field) {
				continue
			}
			if parent, ok := byID[fmt.Sprint(r.Value(field))]; ok {
				visit(parent)
			}
		}
		out = append(out, r)
	}
	for _, r := range recs {
		visit(r)
	}
	return out
}
