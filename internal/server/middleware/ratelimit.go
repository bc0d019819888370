package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/gotuner/internal/errors"
)

// RateLimit rejects requests beyond limiter's budget with 429. A nil
// limiter disables limiting.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				apperrors.RespondWithError(w, r, apperrors.NewRateLimited("rate limit exceeded"))
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				apperrors.RespondWithError(w, r, apperrors.NewRateLimited("rate limit exceeded").
					WithDetails(map[string]any{"retry_after_ms": delay.Round(time.Millisecond).Milliseconds()}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
