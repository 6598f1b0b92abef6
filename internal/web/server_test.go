package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/config"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/core/tables"
	"github.com/JonMunkholm/orgtransfer/internal/storage/memory"
)

const orgJSON = `{
  "unit_types": [{"id": "ut-1", "name": "Department"}],
  "units": [
    {"id": "u-1", "code": "hq", "name": "Head Office", "unit_type_id": "ut-1"},
    {"id": "u-2", "code": "eng", "name": "Engineering", "unit_type_id": "ut-1", "parent_id": "u-1"}
  ]
}`

type testEnv struct {
	srv   *Server
	store *memory.Store
	svc   *core.Service
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
		Import: config.ImportConfig{
			MaxFileSize:     1 << 20,
			Timeout:         time.Minute,
			DefaultStrategy: "skip",
		},
		Export: config.ExportConfig{Format: "json"},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...Option) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg, err := tables.NewRegistry()
	require.NoError(t, err)
	store := memory.New()
	svc := core.NewService(reg, store, core.WithRules(tables.BusinessRules()...))
	srv := NewServer(svc, codec.New(reg, codec.WithMaxSize(cfg.Import.MaxFileSize)), cfg, opts...)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, store: store, svc: svc}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (e *testEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type resultBody struct {
	OperationID string                       `json:"operation_id"`
	Mode        string                       `json:"mode"`
	Success     bool                         `json:"success"`
	Counts      map[string]map[string]int    `json:"counts"`
	Errors      []core.ValidationError       `json:"errors"`
	IDMap       map[string]map[string]string `json:"id_map"`
}

// ============================================================================
// Health and schema
// ============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	down := newTestEnv(t, nil, WithHealthCheck(func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))
	rec = down.get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DB004", decodeBody[ErrorResponse](t, rec).Code)
}

func TestListSchemas(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/api/schemas")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[struct {
		Schemas []schemaView `json:"schemas"`
	}](t, rec)
	require.Len(t, body.Schemas, len(tables.Schemas()))

	byKind := map[string]schemaView{}
	for _, s := range body.Schemas {
		byKind[s.Kind] = s
	}
	units := byKind[string(tables.Units)]
	assert.Equal(t, []core.EntityKind{tables.UnitTypes}, units.DependsOn)
	assert.NotContains(t, units.Strategies, core.StrategyCreateVersion)

	var parent schemaField
	for _, f := range units.Fields {
		if f.Name == "parent_id" {
			parent = f
		}
	}
	assert.Equal(t, "units", parent.References)
	assert.True(t, parent.Nullable)

	assignments := byKind[string(tables.Assignments)]
	assert.Contains(t, assignments.Strategies, core.StrategyCreateVersion)
	require.NotNil(t, assignments.Versioning)
	assert.Equal(t, "is_current", assignments.Versioning.CurrentField)
}

func TestGetSchema_Unknown(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/api/schemas/widgets")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SCH001", decodeBody[ErrorResponse](t, rec).Code)

	rec = env.get("/api/schemas/units")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================================
// Import and preview
// ============================================================================

func TestImport_RawJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/api/import?operation_id=op-web-1", orgJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[resultBody](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "op-web-1", res.OperationID)
	assert.Equal(t, "import", res.Mode)
	assert.Equal(t, 2, res.Counts["units"]["created"])
	assert.Equal(t, 2, env.store.Len(tables.Units))

	rec = env.get("/api/operations/op-web-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[resultBody](t, rec).Success)

	rec = env.get("/api/operations")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Operations []resultBody `json:"operations"`
	}](t, rec)
	require.Len(t, list.Operations, 1)
	assert.Equal(t, "op-web-1", list.Operations[0].OperationID)
}

func TestImport_MalformedDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/api/import", `{"units": [`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	res := decodeBody[resultBody](t, rec)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, core.ErrKindFileFormat, res.Errors[0].ErrorKind)
	assert.Equal(t, 0, env.store.Len(tables.Units))
}

func TestImport_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/api/import", `{"units": [{"id": "u-1", "code": "hq", "name": "HQ", "unit_type_id": "missing"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res := decodeBody[resultBody](t, rec)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, core.ErrKindForeignKey, res.Errors[0].ErrorKind)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/api/import/preview", orgJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[resultBody](t, rec)
	assert.Equal(t, "preview", res.Mode)
	assert.Equal(t, 2, res.Counts["units"]["created"])
	assert.Equal(t, 0, env.store.Len(tables.Units))
}

func TestImport_MultipartCSV(t *testing.T) {
	env := newTestEnv(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "unit_types.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("id,name\nut-1,Department\nut-2,Team\n"))
	part, err = mw.CreateFormFile("file", "units.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("id,code,name,unit_type_id\nu-1,hq,Head Office,ut-1\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 2, env.store.Len(tables.UnitTypes))
	assert.Equal(t, 1, env.store.Len(tables.Units))
}

func TestImport_RequestErrors(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		status      int
		code        string
	}{
		{"unknown strategy", "/api/import?strategy=merge", "application/json", orgJSON, http.StatusBadRequest, "CNF002"},
		{"bad boolean", "/api/import?continue_on_error=maybe", "application/json", orgJSON, http.StatusBadRequest, "REQ400"},
		{"csv without kind", "/api/import", "text/csv", "id,name\n", http.StatusBadRequest, "REQ400"},
		{"unknown content type", "/api/import", "application/pdf", "%PDF", http.StatusBadRequest, "REQ400"},
		{"unknown format param", "/api/import?format=toml", "", "a = 1", http.StatusBadRequest, "FILE004"},
		{"unknown requested kind", "/api/import?kinds=widgets", "application/json", orgJSON, http.StatusBadRequest, "SCH001"},
		{"multipart without file", "/api/import", "multipart/form-data; boundary=x", "--x--\r\n", http.StatusBadRequest, "REQ400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := env.do(req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestImport_RawCSVWithKind(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/import?kind=job_titles",
		strings.NewReader("name,grade\nEngineer,5\nManager,8\n"))
	req.Header.Set("Content-Type", "text/csv")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, env.store.Len(tables.JobTitles))
}

// ============================================================================
// Export
// ============================================================================

func TestExport_JSONRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.postJSON("/api/import", orgJSON).Code)

	rec := env.get("/api/export?format=json&operation_id=exp-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "exp-1", rec.Header().Get("X-Operation-ID"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="org-`)

	var doc map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc["units"], 2)
	assert.Equal(t, "HQ", doc["units"][0]["code"])

	// The export imports cleanly into an empty store.
	other := newTestEnv(t, nil)
	rec = other.postJSON("/api/import", rec.Body.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, other.store.Len(tables.Units))
}

func TestExport_CSV(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.postJSON("/api/import", orgJSON).Code)

	rec := env.get("/api/export?format=csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE006", decodeBody[ErrorResponse](t, rec).Code)

	rec = env.get("/api/export?format=csv&kinds=units")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, codec.FormatCSV.ContentType(), rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="units-`)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 3)
}

func TestExport_FilterErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get("/api/export?filter=assignments.start_date")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SCH004", decodeBody[ErrorResponse](t, rec).Code)

	rec = env.get("/api/export?filter=units.name:2024-01-01..")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SCH004", decodeBody[ErrorResponse](t, rec).Code)

	rec = env.get("/api/export?filter=assignments.start_date:2024-01-01..2024-12-31")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// ============================================================================
// Operations
// ============================================================================

func TestGetOperation_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/api/operations/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TXN002", decodeBody[ErrorResponse](t, rec).Code)
}

type stubTx struct{ rolledBack bool }

func (s *stubTx) Commit(context.Context) error   { return nil }
func (s *stubTx) Rollback(context.Context) error { s.rolledBack = true; return nil }

func TestRollback(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/operations/nope/rollback", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	res := &stubTx{}
	_, err := env.svc.Coordinator().Create("op-running", res)
	require.NoError(t, err)

	rec = env.get("/api/operations/op-running")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.TxActive, decodeBody[core.TransactionContext](t, rec).State)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/operations/op-running/rollback", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.TxRolledBack, decodeBody[core.TransactionContext](t, rec).State)
	assert.True(t, res.rolledBack)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/operations/op-running/rollback", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TXN003", decodeBody[ErrorResponse](t, rec).Code)
}

type fakeAuditReader struct {
	entries []core.AuditEntry
	limit   int
}

func (f *fakeAuditReader) Entries(_ context.Context, operationID string, limit int) ([]core.AuditEntry, error) {
	f.limit = limit
	var out []core.AuditEntry
	for _, e := range f.entries {
		if e.OperationID == operationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestOperationAudit(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/api/operations/op-1/audit")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	reader := &fakeAuditReader{entries: []core.AuditEntry{
		{ID: "a1", OperationID: "op-1", Action: core.AuditCreate},
		{ID: "a2", OperationID: "op-2", Action: core.AuditCreate},
	}}
	env = newTestEnv(t, nil, WithAuditReader(reader))

	rec = env.get("/api/operations/op-1/audit?limit=99999")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Entries []core.AuditEntry `json:"entries"`
	}](t, rec)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "a1", body.Entries[0].ID)
	assert.Equal(t, maxAuditLimit, reader.limit)

	rec = env.get("/api/operations/op-9/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

// ============================================================================
// Middleware wiring
// ============================================================================

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1"}}
	env := newTestEnv(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, env.get("/api/schemas").Code)
	assert.Equal(t, http.StatusOK, env.get("/healthz").Code, "health stays open")

	req := httptest.NewRequest(http.MethodGet, "/api/schemas", nil)
	req.Header.Set("X-API-Key", "k1")
	assert.Equal(t, http.StatusOK, env.do(req).Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, WithRateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.get("/healthz").Code)
	}
	rec := env.get("/healthz")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================================
// Helpers
// ============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", core.ErrUnknownEntityKind), http.StatusBadRequest},
		{fmt.Errorf("x: %w", codec.ErrSingleKind), http.StatusBadRequest},
		{fmt.Errorf("x: %w", core.ErrInvalidFilter), http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("decode: %w", codec.ErrInputTooLarge), http.StatusRequestEntityTooLarge},
		{core.ErrTransactionExists, http.StatusConflict},
		{core.ErrTooManyOperations, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestBodyFormat(t *testing.T) {
	tests := []struct {
		param, contentType string
		want               codec.Format
	}{
		{"yml", "", codec.FormatYAML},
		{"", "application/json; charset=utf-8", codec.FormatJSON},
		{"", "text/yaml", codec.FormatYAML},
		{"", "text/csv", codec.FormatCSV},
		{"", codec.FormatXLSX.ContentType(), codec.FormatXLSX},
	}
	for _, tt := range tests {
		got, err := bodyFormat(tt.param, tt.contentType)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := bodyFormat("", "")
	assert.Error(t, err)
}

func TestExportFilename(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "org-20240601T093000Z.json", exportFilename(nil, codec.FormatJSON, at))
	assert.Equal(t, "units-20240601T093000Z.csv", exportFilename([]core.EntityKind{tables.Units}, codec.FormatCSV, at))
}
