package core

import "context"

type contextKey string

const ctxKeyRequestInfo contextKey = "audit_request"

// RequestInfo identifies who started an operation, for audit entries.
type RequestInfo struct {
	Actor     string
	IPAddress string
	UserAgent string
}

// ContextWithRequestInfo attaches request details for audit logging.
func ContextWithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRequestInfo, info)
}

// RequestInfoFromContext returns the attached request details, if any.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	if v, ok := ctx.Value(ctxKeyRequestInfo).(RequestInfo); ok {
		return v
	}
	return RequestInfo{}
}
