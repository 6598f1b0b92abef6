package web

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
)

const (
	defaultAuditLimit = 500
	maxAuditLimit     = 5000
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// parseKinds reads kinds from repeated or comma-separated "kinds" params.
func parseKinds(q url.Values) []core.EntityKind {
	var kinds []core.EntityKind
	for _, v := range q["kinds"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, core.EntityKind(k))
			}
		}
	}
	return kinds
}

// parseBool parses an optional boolean query parameter.
func parseBool(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest("%s must be true or false, got %q", name, v)
	}
	return b, nil
}

// parseLimit parses an integer query parameter clamped to [1, max].
func parseLimit(q url.Values, name string, def, max int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < 1 {
		return def
	}
	return min(n, max)
}

// importOptions reads strategy, kinds and flags for an import or preview.
// Unset values fall back to the configured defaults.
func (s *Server) importOptions(r *http.Request) (core.ImportOptions, error) {
	q := r.URL.Query()

	raw := q.Get("strategy")
	if raw == "" {
		raw = s.cfg.Import.DefaultStrategy
	}
	strategy, err := core.ParseStrategy(raw)
	if err != nil {
		return core.ImportOptions{}, err
	}

	cont, err := parseBool(q, "continue_on_error", s.cfg.Import.ContinueOnError)
	if err != nil {
		return core.ImportOptions{}, err
	}

	return core.ImportOptions{
		OperationID:     q.Get("operation_id"),
		Kinds:           parseKinds(q),
		Strategy:        strategy,
		ContinueOnError: cont,
	}, nil
}

// exportOptions reads kinds, filters and flags for an export.
//
// Filters use kind.field:from..to, with either bound optional:
//
//	filter=assignments.start_date:2024-01-01..2024-12-31
//	filter=units.established_on:..2023-06-30
func (s *Server) exportOptions(r *http.Request) (core.ExportOptions, error) {
	q := r.URL.Query()

	current, err := parseBool(q, "current_only", s.cfg.Export.CurrentOnly)
	if err != nil {
		return core.ExportOptions{}, err
	}

	opts := core.ExportOptions{
		OperationID: q.Get("operation_id"),
		Kinds:       parseKinds(q),
		CurrentOnly: current,
	}
	for _, raw := range q["filter"] {
		f, err := core.ParseRecordFilter(raw)
		if err != nil {
			return core.ExportOptions{}, err
		}
		opts.Filters = append(opts.Filters, f)
	}
	return opts, nil
}

// bodyFormat picks the format of a raw request body from the format
// parameter, falling back to the Content-Type.
func bodyFormat(param, contentType string) (codec.Format, error) {
	if param != "" {
		return codec.ParseFormat(param)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/json":
		return codec.FormatJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return codec.FormatYAML, nil
	case "text/csv":
		return codec.FormatCSV, nil
	case codec.FormatXLSX.ContentType():
		return codec.FormatXLSX, nil
	}
	return "", badRequest("cannot tell the format of %q; set the format parameter", contentType)
}
