package httpmiddleware

import (
	"context"
	"net/http"
)

type requestIDKey struct{}

// RequestIDFromContext extracts the request id from the context, or "" when
// none is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID propagates the caller's X-Request-ID header into the context and
// echoes it on the response. Unlike conventional request-id middleware it
// never generates an id: for this service the request id is the idempotency
// key, and fabricating one server-side would silently defeat duplicate
// suppression on retries. Command handlers reject its absence instead.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
