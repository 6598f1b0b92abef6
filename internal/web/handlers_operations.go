package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// schemaField describes one field for API clients.
type schemaField struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required,omitempty"`
	Nullable   bool     `json:"nullable,omitempty"`
	References string   `json:"references,omitempty"`
	Enum       []string `json:"enum,omitempty"`
	MinLength  *int     `json:"min_length,omitempty"`
	MaxLength  *int     `json:"max_length,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Default    any      `json:"default,omitempty"`
}

// schemaView is the JSON form of a core.EntitySchema.
type schemaView struct {
	Kind              string            `json:"kind"`
	Label             string            `json:"label,omitempty"`
	DependsOn         []core.EntityKind `json:"depends_on"`
	Fields            []schemaField     `json:"fields"`
	UniqueConstraints [][]string        `json:"unique_constraints,omitempty"`
	IdentifyingFields []string          `json:"identifying_fields,omitempty"`
	Versioning        *core.Versioning  `json:"versioning,omitempty"`
	Strategies        []core.Strategy   `json:"strategies"`
}

func newSchemaView(reg *core.Registry, s core.EntitySchema) schemaView {
	v := schemaView{
		Kind:              string(s.Kind),
		Label:             s.Label,
		DependsOn:         reg.DependenciesOf(s.Kind),
		UniqueConstraints: s.UniqueConstraints,
		IdentifyingFields: s.IdentifyingFields,
		Versioning:        s.Versioning,
		Strategies:        []core.Strategy{core.StrategySkip, core.StrategyUpdate},
	}
	if v.DependsOn == nil {
		v.DependsOn = []core.EntityKind{}
	}
	if s.Versioned() {
		v.Strategies = append(v.Strategies, core.StrategyCreateVersion)
	}
	for _, f := range s.Fields {
		sf := schemaField{
			Name:      f.Name,
			Type:      string(f.Type),
			Required:  f.Required,
			Nullable:  f.Nullable,
			Enum:      f.Enum,
			MinLength: f.MinLength,
			MaxLength: f.MaxLength,
			Min:       f.Min,
			Max:       f.Max,
			Default:   f.Default,
		}
		if f.Pattern != nil {
			sf.Pattern = f.Pattern.String()
		}
		if fk, ok := s.ForeignKey(f.Name); ok {
			sf.References = string(fk.Target)
		}
		v.Fields = append(v.Fields, sf)
	}
	return v
}

// handleListSchemas returns every registered kind in registry order.
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	reg := s.service.Registry()
	all := reg.All()
	out := make([]schemaView, 0, len(all))
	for _, sc := range all {
		out = append(out, newSchemaView(reg, sc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": out})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	reg := s.service.Registry()
	sc, err := reg.Schema(core.EntityKind(chi.URLParam(r, "kind")))
	if err != nil {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newSchemaView(reg, sc))
}

// handleListOperations returns recent results, newest first, along with
// transactions still in flight.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"operations": s.service.Operations(),
		"active":     s.service.Coordinator().ListActive(),
	}
	if l := s.service.Limiter(); l != nil {
		resp["limiter"] = l.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetOperation returns a finished result, or the transaction state
// of an operation that is still running.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res, ok := s.service.Operation(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if tc, ok := s.service.Coordinator().Status(id); ok {
		writeJSON(w, http.StatusOK, tc)
		return
	}
	s.fail(w, r, fmt.Errorf("%w: %s", core.ErrTransactionNotFound, id))
}

// handleOperationAudit returns the stored audit trail of an operation.
func (s *Server) handleOperationAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log is not configured", "REQ501")
		return
	}
	id := chi.URLParam(r, "id")
	limit := parseLimit(r.URL.Query(), "limit", defaultAuditLimit, maxAuditLimit)

	entries, err := s.audit.Entries(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": id, "entries": entries})
}

// handleRollback aborts an operation that has not committed yet.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	coord := s.service.Coordinator()

	tc, ok := coord.Status(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", core.ErrTransactionNotFound, id))
		return
	}
	if !tc.Active {
		writeError(w, http.StatusConflict, fmt.Sprintf("operation is already %s", tc.State), "TXN003")
		return
	}

	if err := s.service.Rollback(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	tc, _ = coord.Status(id)
	writeJSON(w, http.StatusOK, tc)
}

// handleHealth reports whether the store is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.respondError(w, r, err, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
