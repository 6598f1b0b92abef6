package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
)

// multipartMemory is how much of a multipart upload is held in memory
// before parts spill to temporary files.
const multipartMemory = 32 << 20

type runFunc func(ctx context.Context, ds core.Dataset, opts core.ImportOptions) (*core.OperationResult, error)

// handleImport decodes the uploaded dataset and applies it.
//
// The body is either multipart with one or more "file" parts, whose names
// give their formats, or a single raw document whose format comes from the
// format parameter or the Content-Type. A raw CSV body also needs kind.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	s.runImport(w, r, s.service.Import)
}

// handlePreview runs the same pipeline as handleImport without writing.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.runImport(w, r, s.service.Preview)
}

func (s *Server) runImport(w http.ResponseWriter, r *http.Request, run runFunc) {
	opts, err := s.importOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ds, diags, source, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts.Source = source
	opts.Diagnostics = diags

	res, err := run(r.Context(), ds, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("operation completed",
		"operation_id", res.OperationID,
		"mode", res.Mode,
		"source", source,
		"success", res.Success,
		"errors", len(res.Errors),
	)

	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// readUpload decodes the request body into a dataset. The returned source
// names the input for locators.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (core.Dataset, []core.ValidationError, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	q := r.URL.Query()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.readMultipart(r, q.Get("format"))
	}

	format, err := bodyFormat(q.Get("format"), r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, "", err
	}

	source := q.Get("filename")
	if format == codec.FormatCSV {
		kind := q.Get("kind")
		if kind == "" {
			return nil, nil, "", badRequest("a CSV body needs the kind parameter")
		}
		source = kind + ".csv"
	}
	if source == "" {
		source = "request." + string(format)
	}

	ds, diags, err := s.codec.Decode(format, r.Body, source)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decode %s: %w", source, err)
	}
	return ds, diags, source, nil
}

// readMultipart decodes every "file" part and merges them into one
// dataset, so a set of per-kind CSV files imports as a whole.
func (s *Server) readMultipart(r *http.Request, formatParam string) (core.Dataset, []core.ValidationError, string, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return nil, nil, "", err
		}
		return nil, nil, "", badRequest("invalid multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		return nil, nil, "", badRequest("no file provided")
	}

	var (
		ds    core.Dataset
		diags []core.ValidationError
		names []string
	)
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		format, err := codec.FormatOf(name)
		if formatParam != "" {
			format, err = codec.ParseFormat(formatParam)
		}
		if err != nil {
			return nil, nil, "", err
		}

		f, err := fh.Open()
		if err != nil {
			return nil, nil, "", fmt.Errorf("open %s: %w", name, err)
		}
		part, d, err := s.codec.Decode(format, f, name)
		f.Close()
		if err != nil {
			return nil, nil, "", fmt.Errorf("decode %s: %w", name, err)
		}
		ds = codec.Merge(ds, part)
		diags = append(diags, d...)
		names = append(names, name)
	}
	return ds, diags, strings.Join(names, ","), nil
}

// handleExport streams stored records in the requested format.
//
// The document is encoded into memory first so encoding failures still
// produce a JSON error instead of a truncated download.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawFormat := q.Get("format")
	if rawFormat == "" {
		rawFormat = s.cfg.Export.Format
	}
	format, err := codec.ParseFormat(rawFormat)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	opts, err := s.exportOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if format == codec.FormatCSV && len(opts.Kinds) != 1 {
		s.fail(w, r, fmt.Errorf("%w: name exactly one kind for csv", codec.ErrSingleKind))
		return
	}

	ds, res, err := s.service.Export(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}

	var buf bytes.Buffer
	if err := s.codec.Encode(format, &buf, ds, res.Order); err != nil {
		s.fail(w, r, err)
		return
	}

	filename := exportFilename(opts.Kinds, format, res.StartedAt)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("X-Operation-ID", res.OperationID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.FromContext(r.Context()).Warn("export write failed", "operation_id", res.OperationID, "error", err)
	}
}

// exportFilename builds "<kind or org>-20060102T150405Z.<ext>".
func exportFilename(kinds []core.EntityKind, format codec.Format, at time.Time) string {
	base := "org"
	if len(kinds) == 1 {
		base = string(kinds[0])
	}
	return fmt.Sprintf("%s-%s.%s", base, at.UTC().Format("20060102T150405Z"), format)
}
