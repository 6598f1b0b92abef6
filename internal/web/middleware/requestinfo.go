package middleware

import (
	"net/http"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// RequestInfo records the client address and user agent for audit entries.
// It runs after TrustedRealIP so proxied requests carry the client address.
func RequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := core.RequestInfoFromContext(r.Context())
		if ip, ok := ExtractIP(r.RemoteAddr); ok {
			info.IPAddress = ip.String()
		}
		info.UserAgent = r.UserAgent()
		next.ServeHTTP(w, r.WithContext(core.ContextWithRequestInfo(r.Context(), info)))
	})
}
