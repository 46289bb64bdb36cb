package middleware

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/whetstone1/budgetrank/internal/metrics"
	"github.com/whetstone1/budgetrank/internal/ratelimit"
)

// RateLimit ограничивает частоту запросов пользователя к маршруту route.
// Ставится после AuthMiddleware. Если ограничитель недоступен, запрос пропускается.
func RateLimit(limiter ratelimit.Limiter, route string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), route+":"+strconv.FormatInt(userID, 10))
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("route", route), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				metrics.RecordRateLimited(route)
				retryAfter := int(time.Until(res.ResetAt).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
