package controlapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authMiddleware enforces a static bearer token. An empty token disables
// authentication entirely (local single-user deployments).
func authMiddleware(token string) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware caps request rate per client address.
func rateLimitMiddleware(rps float64) func(http.Handler) http.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			mu.Lock()
			cl, ok := clients[host]
			if !ok {
				cl = &client{limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1)}
				clients[host] = cl
			}
			cl.lastSeen = time.Now()
			// Opportunistic sweep of idle clients.
			if len(clients) > 1000 {
				for k, v := range clients {
					if time.Since(v.lastSeen) > 10*time.Minute {
						delete(clients, k)
					}
				}
			}
			mu.Unlock()

			if !cl.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
