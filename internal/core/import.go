package core

// import.go runs the import pipeline:
//
//	order kinds -> validate -> check references -> resolve conflicts
//	            -> open transaction -> apply in order -> commit -> report
//
// The first four steps build a plan and never write. Preview stops there.
// Import applies the plan inside one transaction; any failure while applying
// rolls back every kind, so a run either lands completely or not at all.
//
// References are checked against stored ids plus the ids of records accepted
// earlier in the order. Because kinds are processed dependencies-first, a
// reference to a record that only appears later in the file is rejected.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// ImportOptions controls an import or preview run.
type ImportOptions struct {
	// OperationID identifies the run; a UUID is generated when empty.
	OperationID string

	// Kinds limits the run to these kinds. Empty means every registered
	// kind present in the dataset.
	Kinds []EntityKind

	// Strategy is applied to every detected conflict. Defaults to skip.
	Strategy Strategy

	// ContinueOnError applies the surviving records even when some records
	// were rejected. Fatal errors still abort the run.
	ContinueOnError bool

	// Source labels generated locators, usually the file name.
	Source string

	// Diagnostics carries problems found while decoding the input. They are
	// reported in the result, and fatal ones stop the run before planning.
	Diagnostics []ValidationError
}

type plannedWrite struct {
	rec    *Record
	action AuditAction
	old    *Record
}

type kindPlan struct {
	kind     EntityKind
	writes   []plannedWrite
	skips    []ResolutionOutcome
	resolved map[string]string // skipped client id -> stored id
	aliases  map[string]string // merged client id -> surviving client id
}

type importPlan struct {
	kinds []kindPlan
	known map[EntityKind]map[string]bool // stored ids per kind
}

// Import validates, resolves and applies a dataset atomically.
//
// The returned error is reserved for caller mistakes such as unknown kinds,
// a busy limiter or an operation id that is already active. Data problems and
// storage failures are reported in the result with Success=false.
func (s *Service) Import(ctx context.Context, ds Dataset, opts ImportOptions) (*OperationResult, error) {
	return s.runImport(ctx, ModeImport, ds, opts)
}

// Preview runs validation and conflict detection without opening a
// transaction. The result has the same shape as Import's.
func (s *Service) Preview(ctx context.Context, ds Dataset, opts ImportOptions) (*OperationResult, error) {
	return s.runImport(ctx, ModePreview, ds, opts)
}

func (s *Service) runImport(ctx context.Context, mode OperationMode, ds Dataset, opts ImportOptions) (res *OperationResult, err error) {
	opts.OperationID = newOperationID(opts.OperationID)
	if opts.Strategy == "" {
		opts.Strategy = StrategySkip
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := s.bound(ctx)
	defer cancel()

	logger := s.logger.With("operation_id", opts.OperationID, "mode", mode)
	res = newOperationResult(opts.OperationID, mode, s.now())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in operation", "panic", r)
			if rbErr := s.tx.Rollback(context.WithoutCancel(ctx), opts.OperationID); rbErr != nil {
				logger.Error("rollback after panic failed", "error", rbErr)
			}
			res.add(systemError("", fmt.Errorf("internal error: %v", r)))
			res.Success = false
			s.finish(res)
			err = nil
		}
	}()

	if len(opts.Diagnostics) > 0 {
		res.add(opts.Diagnostics...)
		if res.Fatal() {
			logger.Warn("operation rejected: unreadable input", "errors", len(res.Errors))
			s.finish(res)
			return res, nil
		}
	}

	requested, err := s.requestedKinds(ds, opts.Kinds, res)
	if err != nil {
		return nil, err
	}

	logger.Info("operation started",
		"kinds", len(requested),
		"records", ds.Count(),
		"strategy", opts.Strategy,
	)

	plan, err := s.plan(ctx, ds, requested, opts, res)
	if err != nil {
		return nil, err
	}

	res.Success = !res.Fatal() && (len(res.Errors) == 0 || opts.ContinueOnError)
	if mode == ModePreview || !res.Success {
		if !res.Success {
			logger.Warn("operation rejected before apply",
				"errors", len(res.Errors),
				"fatal", res.Fatal(),
			)
		}
		s.finish(res)
		return res, nil
	}

	if err := s.apply(ctx, logger, plan, opts, res); err != nil {
		return nil, err
	}

	totals := res.Totals()
	logger.Info("operation finished",
		"success", res.Success,
		"created", totals.Created,
		"updated", totals.Updated,
		"skipped", totals.Skipped,
		"failed", totals.Failed,
	)
	s.finish(res)
	return res, nil
}

// requestedKinds resolves the kinds to process. Records of kinds outside the
// request are reported and ignored.
func (s *Service) requestedKinds(ds Dataset, explicit []EntityKind, res *OperationResult) ([]EntityKind, error) {
	if len(explicit) > 0 {
		for _, k := range explicit {
			if !s.reg.Has(k) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownEntityKind, k)
			}
		}
	}

	var requested []EntityKind
	for _, k := range ds.Kinds(s.reg) {
		switch {
		case !s.reg.Has(k):
			res.add(ValidationError{
				Kind:      k,
				Message:   fmt.Sprintf("unknown entity kind %q ignored (%d records)", k, len(ds[k])),
				ErrorKind: ErrKindFileFormat,
				Severity:  SeverityWarning,
			})
		case len(explicit) > 0 && !slices.Contains(explicit, k):
			res.add(ValidationError{
				Kind:      k,
				Message:   fmt.Sprintf("%d records ignored: kind not requested", len(ds[k])),
				ErrorKind: ErrKindFileFormat,
				Severity:  SeverityInfo,
			})
		default:
			requested = append(requested, k)
		}
	}
	if len(explicit) > 0 {
		return explicit, nil
	}
	return requested, nil
}

// plan performs every read-only step. It returns an error only for caller
// mistakes; everything else lands in res.
func (s *Service) plan(ctx context.Context, ds Dataset, requested []EntityKind, opts ImportOptions, res *OperationResult) (*importPlan, error) {
	order, err := s.deps.Order(requested)
	if err != nil {
		if errors.Is(err, ErrCircularDependency) {
			res.add(ValidationError{
				Message:   err.Error(),
				ErrorKind: ErrKindCircular,
				Severity:  SeverityCritical,
			})
			return &importPlan{}, nil
		}
		return nil, err
	}
	res.Order = order

	plan := &importPlan{known: make(map[EntityKind]map[string]bool)}
	existing := make(map[EntityKind][]*Record)
	index := ReferenceIndex{}
	resolved := make(map[EntityKind]map[string]string)

	load := func(kind EntityKind) ([]*Record, error) {
		if recs, ok := existing[kind]; ok {
			return recs, nil
		}
		recs, err := s.store.FetchExisting(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("fetch existing %s: %w", kind, err)
		}
		existing[kind] = recs
		ids := make(map[string]bool, len(recs))
		for _, r := range recs {
			if id := r.ID(); id != "" {
				ids[id] = true
				index.Add(kind, id)
			}
		}
		plan.known[kind] = ids
		return recs, nil
	}

	for _, kind := range order {
		schema, err := s.reg.Schema(kind)
		if err != nil {
			return nil, err
		}
		counts := res.counts(kind)
		counts.Processed = len(ds[kind])

		stored, err := load(kind)
		if err != nil {
			res.add(systemError(kind, err))
			return plan, nil
		}
		for _, fk := range schema.ForeignKeys {
			if _, err := load(fk.Target); err != nil {
				res.add(systemError(kind, err))
				return plan, nil
			}
		}

		batch, err := s.validator.NormalizeBatch(kind, ds[kind], Locator{Source: opts.Source})
		if err != nil {
			return nil, err
		}
		res.add(batch.Errors...)
		counts.Failed += batch.Failed
		if batch.Halted {
			counts.Failed += len(ds[kind]) - batch.Checked
		}

		accepted, fkErrs, err := s.validator.CheckForeignKeys(kind, batch.Survivors, index)
		if err != nil {
			return nil, err
		}
		res.add(fkErrs...)
		counts.Failed += len(batch.Survivors) - len(accepted)

		// References already known to point at stored rows are rewritten now
		// so unique groups containing them compare against storage.
		for _, rec := range accepted {
			rewriteResolved(schema, rec, resolved)
		}

		cr, err := s.conflicts.ProcessConflicts(kind, accepted, stored, opts.Strategy)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, cr.Conflicts...)
		res.add(cr.Errors...)
		res.add(cr.Warnings...)
		counts.Failed += len(cr.Errors)
		counts.Skipped += cr.Skipped

		kp := buildKindPlan(schema, stored, cr, counts)
		plan.kinds = append(plan.kinds, kp)
		resolved[kind] = storedRefs(cr, plan.known[kind])

		for _, rec := range cr.Survivors {
			index.Add(kind, rec.ClientID)
		}
		for id := range cr.Resolved {
			index.Add(kind, id)
		}
		for id := range cr.Aliases {
			index.Add(kind, id)
		}

		if batch.Halted {
			// The ceiling stops per-record checks for the rest of the run.
			for _, rest := range order[slices.Index(order, kind)+1:] {
				c := res.counts(rest)
				c.Processed = len(ds[rest])
				c.Failed = len(ds[rest])
			}
			break
		}
	}
	return plan, nil
}

func buildKindPlan(schema EntitySchema, stored []*Record, cr ConflictBatchResult, counts *KindCounts) kindPlan {
	byID := make(map[string]*Record, len(stored))
	for _, r := range stored {
		if id := r.ID(); id != "" {
			byID[id] = r
		}
	}
	versions := make(map[*Record]bool)
	for _, out := range cr.Outcomes {
		switch out.Action {
		case ActionCreateVersion:
			versions[out.Record] = true
		}
	}

	kp := kindPlan{
		kind:     schema.Kind,
		resolved: cr.Resolved,
		aliases:  cr.Aliases,
	}
	for _, sup := range cr.Superseded {
		kp.writes = append(kp.writes, plannedWrite{rec: sup, action: AuditSupersede, old: byID[sup.ID()]})
		counts.Updated++
	}
	for _, rec := range cr.Survivors {
		w := plannedWrite{rec: rec, action: AuditCreate}
		if old, ok := byID[rec.ID()]; ok && rec.ID() != "" {
			w.action = AuditUpdate
			w.old = old
			counts.Updated++
		} else {
			if versions[rec] {
				w.action = AuditVersion
			}
			counts.Created++
		}
		kp.writes = append(kp.writes, w)
	}
	for _, out := range cr.Outcomes {
		if out.Action == ActionSkip {
			kp.skips = append(kp.skips, out)
		}
	}
	return kp
}

// storedRefs maps client ids that already denote a stored row to its id:
// skipped records and records merged into a stored row by update.
func storedRefs(cr ConflictBatchResult, known map[string]bool) map[string]string {
	refs := maps.Clone(cr.Resolved)
	if refs == nil {
		refs = make(map[string]string)
	}
	for _, rec := range cr.Survivors {
		if id := rec.ID(); id != "" && known[id] && rec.ClientID != "" {
			refs[rec.ClientID] = id
		}
	}
	for from, to := range cr.Aliases {
		if id, ok := refs[to]; ok {
			refs[from] = id
		}
	}
	return refs
}

// rewriteResolved replaces references to skipped client ids with the stored
// id they resolved to.
func rewriteResolved(schema EntitySchema, rec *Record, resolved map[EntityKind]map[string]string) {
	for _, fk := range schema.ForeignKeys {
		if rec.IsNull(fk.Field) {
			continue
		}
		ref := fmt.Sprint(rec.Value(fk.Field))
		if id, ok := resolved[fk.Target][ref]; ok {
			rec.Set(fk.Field, id)
		}
	}
}

// apply writes the plan inside one transaction.
func (s *Service) apply(ctx context.Context, logger *slog.Logger, plan *importPlan, opts ImportOptions, res *OperationResult) error {
	opID := opts.OperationID

	tx, err := s.store.Begin(ctx, opID)
	if err != nil {
		res.add(systemError("", fmt.Errorf("begin transaction: %w", err)))
		res.Success = false
		return nil
	}
	opCtx, err := s.tx.Begin(ctx, opID, tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("rollback of unused transaction failed", "error", rbErr)
		}
		return err
	}

	idMap := make(map[EntityKind]map[string]string)
	aliases := make(map[EntityKind]map[string]string)
	var entries []AuditEntry

	abort := func(kind EntityKind, cause error) {
		logger.Error("apply failed, rolling back", "kind", kind, "error", cause)
		if rbErr := s.tx.Rollback(context.WithoutCancel(ctx), opID); rbErr != nil {
			logger.Error("rollback failed", "error", rbErr)
		}
		res.add(systemError(kind, cause))
		res.Success = false

		entry := newAuditEntry(ctx, opID, AuditRollback, kind, s.now())
		entry.Reason = cause.Error()
		s.recordAudit(ctx, logger, []AuditEntry{entry})
	}

	for _, kp := range plan.kinds {
		schema, err := s.reg.Schema(kp.kind)
		if err != nil {
			abort(kp.kind, err)
			return nil
		}
		ids := make(map[string]string, len(kp.writes)+len(kp.resolved))
		for client, stored := range kp.resolved {
			ids[client] = stored
		}
		idMap[kp.kind] = ids
		aliases[kp.kind] = kp.aliases
		if plan.known[kp.kind] == nil {
			plan.known[kp.kind] = make(map[string]bool)
		}

		for _, w := range kp.writes {
			if err := opCtx.Err(); err != nil {
				abort(kp.kind, err)
				return nil
			}

			out := w.rec.Clone()
			if err := resolveReferences(schema, out, idMap, aliases, plan.known); err != nil {
				abort(kp.kind, fmt.Errorf("%s: %w", out.Origin, err))
				return nil
			}
			// Client ids are placeholders; only stored ids select an update.
			if id := out.ID(); id != "" && !plan.known[kp.kind][id] {
				out.Delete(FieldID)
			}

			var id string
			err := s.tx.Do(opID, func() error {
				var err error
				id, err = tx.ApplyRecord(opCtx, kp.kind, out)
				return err
			})
			if err != nil {
				abort(kp.kind, fmt.Errorf("apply %s at %s: %w", kp.kind, out.Origin, err))
				return nil
			}
			plan.known[kp.kind][id] = true
			if w.rec.ClientID != "" && w.action != AuditSupersede {
				ids[w.rec.ClientID] = id
			}

			entry := newAuditEntry(ctx, opID, w.action, kp.kind, s.now())
			entry.RecordID = id
			entry.ClientID = w.rec.ClientID
			entry.Origin = w.rec.Origin
			entry.NewValues = out.Map()
			if w.old != nil {
				entry.OldValues = w.old.Map()
			}
			entries = append(entries, entry)
		}

		for from, to := range kp.aliases {
			if id, ok := ids[to]; ok {
				ids[from] = id
			}
		}

		for _, out := range kp.skips {
			entry := newAuditEntry(ctx, opID, AuditSkip, kp.kind, s.now())
			entry.ClientID = out.Conflict.Incoming.ClientID
			entry.RecordID = out.Conflict.Existing.ID()
			entry.Origin = out.Conflict.Origin
			entry.NewValues = out.Conflict.Incoming.Map()
			if out.Warning != nil {
				entry.Reason = out.Warning.Message
			}
			entries = append(entries, entry)
		}
	}

	if err := s.tx.Commit(opCtx, opID); err != nil {
		res.add(systemError("", err))
		res.Success = false
		entry := newAuditEntry(ctx, opID, AuditRollback, "", s.now())
		entry.Reason = err.Error()
		s.recordAudit(ctx, logger, []AuditEntry{entry})
		return nil
	}

	res.IDMap = idMap
	s.recordAudit(ctx, logger, entries)
	return nil
}

// resolveReferences rewrites foreign keys from client ids to stored ids.
func resolveReferences(
	schema EntitySchema,
	rec *Record,
	idMap map[EntityKind]map[string]string,
	aliases map[EntityKind]map[string]string,
	known map[EntityKind]map[string]bool,
) error {
	for _, fk := range schema.ForeignKeys {
		if rec.IsNull(fk.Field) {
			continue
		}
		ref := fmt.Sprint(rec.Value(fk.Field))
		if id, ok := idMap[fk.Target][ref]; ok {
			rec.Set(fk.Field, id)
			continue
		}
		if to, ok := aliases[fk.Target][ref]; ok {
			if id, ok := idMap[fk.Target][to]; ok {
				rec.Set(fk.Field, id)
				continue
			}
		}
		if known[fk.Target][ref] {
			continue
		}
		return fmt.Errorf("%s: unresolved reference %q to %s", fk.Field, ref, fk.Target)
	}
	return nil
}
