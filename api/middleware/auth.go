package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const OwnerIDKey contextKey = "owner_id"

// Verifier maps an opaque bearer token to an owner identity. Credential
// issuance lives outside this service; we only consume the check.
type Verifier func(token string) (ownerID string, ok bool)

// Auth extracts a bearer token (Authorization header, with a ?token= fallback
// for websocket clients that cannot set headers) and resolves the owner.
func Auth(verify Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}

			ownerID, ok := verify(token)
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error":    "Unauthorized",
					"trace_id": GetTraceID(r.Context()),
				})
				return
			}

			ctx := context.WithValue(r.Context(), OwnerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetOwnerID(ctx context.Context) string {
	if ownerID, ok := ctx.Value(OwnerIDKey).(string); ok {
		return ownerID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
