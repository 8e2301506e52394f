// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an IP-keyed sliding-window limiter backed by httprate.
// Limits are per-minute and configured per route group: the cheap read
// endpoints get a generous allowance, the refresh trigger a tight one.
// Exceeding callers get a JSON 429 with a Retry-After hint.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	const window = time.Minute
	return httprate.Limit(
		perMinute,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`))
		}),
	)
}
