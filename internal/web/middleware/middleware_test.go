package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
)

func captureInfo(got *core.RequestInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = core.RequestInfoFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		key      string
		status   int
		code     string
	}{
		{"disabled", false, "", http.StatusNoContent, ""},
		{"missing key", true, "", http.StatusUnauthorized, "AUTH_MISSING_KEY"},
		{"wrong key", true, "nope", http.StatusForbidden, "AUTH_INVALID_KEY"},
		{"valid key", true, "k2", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info core.RequestInfo
			h := APIKeyAuth(tt.required, []string{"k1", "k2"})(captureInfo(&info))

			req := httptest.NewRequest(http.MethodGet, "/api/schemas", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Contains(t, rec.Body.String(), tt.code)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
			if tt.name == "valid key" {
				assert.Equal(t, KeyActor("k2"), info.Actor)
			}
		})
	}
}

func TestKeyActor(t *testing.T) {
	a := KeyActor("secret")
	assert.Len(t, a, len("key:")+8)
	assert.NotContains(t, a, "secret")
	assert.Equal(t, a, KeyActor("secret"))
	assert.NotEqual(t, a, KeyActor("other"))
}

func TestIsValidAPIKey(t *testing.T) {
	assert.True(t, isValidAPIKey("b", []string{"a", "b"}))
	assert.False(t, isValidAPIKey("c", []string{"a", "b"}))
	assert.False(t, isValidAPIKey("a", nil))
}

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		realIP  string
		xff     string
		trusted []string
		want    string
	}{
		{"untrusted keeps remote", "203.0.113.9:5000", "10.1.1.1", "", []string{"10.0.0.0/8"}, "203.0.113.9:5000"},
		{"trusted uses X-Real-IP", "10.0.0.2:5000", "198.51.100.7", "", []string{"10.0.0.0/8"}, "198.51.100.7"},
		{"trusted uses first forwarded", "10.0.0.2:5000", "", "198.51.100.8, 10.0.0.3", []string{"10.0.0.0/8"}, "198.51.100.8"},
		{"bare address entry", "192.168.1.1:80", "198.51.100.9", "", []string{"192.168.1.1"}, "198.51.100.9"},
		{"invalid header ignored", "10.0.0.2:5000", "not-an-ip", "", []string{"10.0.0.0/8"}, "10.0.0.2:5000"},
		{"no proxies configured", "10.0.0.2:5000", "198.51.100.7", "", nil, "10.0.0.2:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTrusted_SkipsInvalid(t *testing.T) {
	got := ParseTrusted([]string{"10.0.0.0/8", " ", "bogus", "::1"})
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "::1/128", got[1].String())
}

func TestExtractIP(t *testing.T) {
	ip, ok := ExtractIP("[2001:db8::1]:443")
	require.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip.String())

	ip, ok = ExtractIP("192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", ip.String())

	_, ok = ExtractIP("example.com:80")
	assert.False(t, ok)
}

func TestRequestInfo(t *testing.T) {
	var info core.RequestInfo
	req := httptest.NewRequest(http.MethodPost, "/api/import", nil)
	req.RemoteAddr = "192.0.2.10:41000"
	req.Header.Set("User-Agent", "orgdata-cli/1.0")

	RequestInfo(captureInfo(&info)).ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "192.0.2.10", info.IPAddress)
	assert.Equal(t, "orgdata-cli/1.0", info.UserAgent)
}

func TestLogger_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.New(&buf, "debug", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad rows"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/import", nil))

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "status=422")
	assert.Contains(t, out, "bytes=8")
	assert.Contains(t, out, "path=/api/import")
}
