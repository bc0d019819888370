package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/3leaps/gotuner/internal/errors"
)

// APIKey requires "Authorization: Bearer <key>". An empty key disables the
// check.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		want := []byte(key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
				apperrors.RespondWithError(w, r, apperrors.NewUnauthorized("missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
