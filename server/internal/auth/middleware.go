package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const contextKeySubject contextKey = "auth.subject"

// SubjectFromContext returns the authenticated subject, or "" when the request
// was not authenticated by token.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(contextKeySubject).(string); ok {
		return s
	}
	return ""
}

// Middleware returns an HTTP middleware that enforces the configured mode.
//
// Behaviour:
//   - mode "apikey": the value of header must equal key.
//   - mode "jwt": the Authorization header must carry a valid HS256 bearer
//     token signed with secret; its subject is stored on the request context.
//   - any other mode, or an unconfigured key/secret, lets every request through.
//
// Rejected requests get 401 with a JSON body {"error", "code"}.
func Middleware(mode, header, key string, secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		switch {
		case mode == "apikey" && key != "":
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got := r.Header.Get(header)
				if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
					unauthorized(w, "invalid api key")
					return
				}
				next.ServeHTTP(w, r)
			})

		case mode == "jwt" && len(secret) > 0:
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				raw, ok := bearer(r.Header.Get("Authorization"))
				if !ok {
					unauthorized(w, "missing bearer token")
					return
				}
				claims, err := ParseJWT(raw, secret)
				if err != nil {
					unauthorized(w, "invalid token")
					return
				}
				ctx := context.WithValue(r.Context(), contextKeySubject, claims.Subject)
				next.ServeHTTP(w, r.WithContext(ctx))
			})

		default:
			return next
		}
	}
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
