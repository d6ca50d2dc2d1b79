// Package auth authenticates inter-node calls with the signed HMAC bearer
// token of spec §6: a token binds {node_slug, issued_at, expires_at} to an
// HMAC over a shared secret, verified in constant time.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the verified caller of an inbound request: the node slug
// bound into its bearer token.
type Identity struct {
	NodeSlug  string
	IssuedAt  int64
	ExpiresAt int64
}

type contextKey struct{}
type traceIDContextKey struct{}

var identityKey = contextKey{}
var traceIDKey = traceIDContextKey{}

// WithIdentity adds an Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context, if any.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// WithTraceID attaches the request's X-Trace-Id to the context so it can be
// threaded into NodeRequestLog rows by whatever ends up serving the call.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace ID set by WithTraceID, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// Authenticator is the interface for authentication providers.
type Authenticator interface {
	// Authenticate attempts to authenticate the request, returning an
	// Identity on success or nil otherwise.
	Authenticate(r *http.Request) *Identity
}

// Middleware creates an HTTP middleware that requires authentication.
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					ctx := WithIdentity(r.Context(), id)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
		})
	}
}

func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}
