// Package codec reads and writes datasets in the supported file formats.
//
// JSON and YAML files hold every kind in one document: a root mapping from
// entity kind to a list of records. XLSX workbooks hold one sheet per kind.
// CSV holds one kind per file, named after the kind ("units.csv"), so a full
// dataset is a directory of CSV files.
//
// Decoders never validate field values; they only report structural
// problems as file_format diagnostics and hand raw values to the validator.
package codec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// Format names a file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatYAML, FormatCSV, FormatXLSX}

var (
	// ErrUnknownFormat is returned for unsupported format names.
	ErrUnknownFormat = errors.New("unknown format")

	// ErrSingleKind is returned when a one-kind format is asked to encode
	// several kinds.
	ErrSingleKind = errors.New("format holds a single entity kind")
)

// ParseFormat converts user input ("yml", "JSON") into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatOf derives the format from a file name extension.
func FormatOf(name string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(name), "."))
}

// ContentType returns the MIME type used when serving a format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Codec decodes and encodes datasets. The registry supplies column order for
// tabular formats; kinds it does not know are still carried through.
type Codec struct {
	reg     *core.Registry
	maxSize int64
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxSize caps the number of bytes read from one input.
func WithMaxSize(n int64) Option {
	return func(c *Codec) { c.maxSize = n }
}

// New creates a Codec.
func New(reg *core.Registry, opts ...Option) *Codec {
	c := &Codec{reg: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decode parses r. source names the input in locators; for CSV its base name
// without extension is the entity kind.
//
// Structural problems are returned as diagnostics alongside whatever could
// be read. The error result is reserved for I/O failures and oversize input.
func (c *Codec) Decode(format Format, r io.Reader, source string) (core.Dataset, []core.ValidationError, error) {
	if format == FormatXLSX {
		return decodeXLSX(limit(r, c.maxSize), source)
	}
	r = clean(r, c.maxSize)
	switch format {
	case FormatJSON:
		return decodeJSON(r, source)
	case FormatYAML:
		return decodeYAML(r, source)
	case FormatCSV:
		kind := core.EntityKind(strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)))
		recs, diags, err := decodeCSV(r, kind, source)
		if err != nil {
			return nil, diags, err
		}
		return core.Dataset{kind: recs}, diags, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// DecodeFile picks the format from the file name.
func (c *Codec) DecodeFile(name string, r io.Reader) (core.Dataset, []core.ValidationError, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, nil, err
	}
	return c.Decode(format, r, filepath.Base(name))
}

// Encode writes ds to w with kinds in the given order. Kinds missing from
// order are appended in registry order. CSV accepts exactly one kind.
func (c *Codec) Encode(format Format, w io.Writer, ds core.Dataset, order []core.EntityKind) error {
	order = c.complete(ds, order)
	switch format {
	case FormatJSON:
		return encodeJSON(w, ds, order)
	case FormatYAML:
		return encodeYAML(w, ds, order)
	case FormatCSV:
		if len(order) != 1 {
			return fmt.Errorf("%w: got %d kinds", ErrSingleKind, len(order))
		}
		return encodeCSV(w, c.columns(order[0], ds[order[0]]), ds[order[0]])
	case FormatXLSX:
		return c.encodeXLSX(w, ds, order)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteFile encodes ds into path. The file is written under a temporary
// name and renamed once complete, so readers never see a partial export.
// CSV writes a directory of per-kind files at path instead.
func (c *Codec) WriteFile(format Format, path string, ds core.Dataset, order []core.EntityKind) error {
	if format == FormatCSV {
		return c.WriteDir(path, ds, order)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := c.Encode(format, tmp, ds, order); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Merge folds src into dst. Records of a kind present in both are appended
// and re-indexed so locators stay unique.
func Merge(dst, src core.Dataset) core.Dataset {
	if dst == nil {
		dst = make(core.Dataset, len(src))
	}
	for kind, recs := range src {
		base := len(dst[kind])
		for i, r := range recs {
			r.Origin.Index = base + i
		}
		dst[kind] = append(dst[kind], recs...)
	}
	return dst
}

// complete returns order restricted to kinds present in ds, followed by the
// remaining kinds of ds.
func (c *Codec) complete(ds core.Dataset, order []core.EntityKind) []core.EntityKind {
	out := make([]core.EntityKind, 0, len(ds))
	seen := make(map[core.EntityKind]bool, len(ds))
	for _, k := range order {
		if _, ok := ds[k]; ok && !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []core.EntityKind
	if c.reg != nil {
		rest = ds.Kinds(c.reg)
	} else {
		for k := range ds {
			rest = append(rest, k)
		}
	}
	for _, k := range rest {
		if !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	return out
}

// columns lists the schema fields of kind followed by any other keys the
// records carry, in first-seen order.
func (c *Codec) columns(kind core.EntityKind, recs []*core.Record) []string {
	var cols []string
	seen := make(map[string]bool)
	if c.reg != nil {
		if schema, err := c.reg.Schema(kind); err == nil {
			for _, f := range schema.FieldNames() {
				cols = append(cols, f)
				seen[f] = true
			}
		}
	}
	for _, r := range recs {
		for _, k := range r.Keys() {
			if !seen[k] {
				cols = append(cols, k)
				seen[k] = true
			}
		}
	}
	return cols
}

// cell renders a value for CSV and XLSX.
func cell(v any) string {
	return core.FormatValue(v)
}

func structural(source string, line, index int, format string, args ...any) core.ValidationError {
	return core.FileFormatError(core.Locator{Source: source, Line: line, Index: index}, format, args...)
}
