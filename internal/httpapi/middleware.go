package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/usage"
)

// ctxKey is the private context key namespace for this package.
type ctxKey int

const (
	keyCtx ctxKey = iota
	meterCtx
)

// KeyFromContext returns the authenticated key record attached by the auth
// middleware.
func KeyFromContext(ctx context.Context) (keystore.Key, bool) {
	k, ok := ctx.Value(keyCtx).(keystore.Key)
	return k, ok
}

// meter accumulates per-request usage facts the handlers learn along the
// way; it is read back by the metering middleware on exit.
type meter struct {
	Provider   string
	Characters int
}

// meterFromContext returns the request's usage meter, if metering is active.
func meterFromContext(ctx context.Context) *meter {
	m, _ := ctx.Value(meterCtx).(*meter)
	return m
}

// ExtractKey pulls the presented key material from a request, trying the
// X-API-Key header, an Authorization bearer token, then the api_key query
// parameter. Returns "" when none is present.
func ExtractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("api_key")
}

// Authenticate resolves presented key material to a key record: the
// bootstrap admin sentinel when it matches the configured master key, else a
// keystore lookup.
func (s *Server) Authenticate(ctx context.Context, plaintext string) (keystore.Key, error) {
	if plaintext == "" {
		return keystore.Key{}, keystore.ErrNotFound
	}
	if s.adminKey != "" && plaintext == s.adminKey {
		return keystore.Bootstrap(), nil
	}
	return s.keys.LookupByPlaintext(ctx, plaintext)
}

// requireKey is the auth stage: extract, validate, and attach the key
// record. adminOnly additionally requires the admin flag.
func (s *Server) requireKey(adminOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := ExtractKey(r)
			if plaintext == "" {
				s.metrics.RecordAuthFailure(r.Context(), "missing_key")
				respondError(w, http.StatusUnauthorized, errUnauthorized, "API key required")
				return
			}

			key, err := s.Authenticate(r.Context(), plaintext)
			if err != nil {
				s.metrics.RecordAuthFailure(r.Context(), "invalid_key")
				respondAuthError(w, err)
				return
			}
			if adminOnly && !key.IsAdmin {
				respondError(w, http.StatusForbidden, errForbidden, "admin key required")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyCtx, key)))
		})
	}
}

// rateLimit is the admission stage. It runs after auth so the key's own
// policy applies; denials advertise the window reset instant.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := KeyFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		limit, window := key.RateLimit.Requests, key.RateLimit.Window()
		if limit <= 0 {
			limit, window = s.defaultLimit.Requests, s.defaultLimit.Window()
		}

		res := s.limiter.Check(key.ID, limit, window)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			s.metrics.RecordRateLimited(r.Context(), r.URL.Path)
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(res.ResetAt).Seconds())+1, 10))
			respondError(w, http.StatusTooManyRequests, errRateLimited,
				"rate limit exceeded, retry after "+res.ResetAt.UTC().Format(time.RFC3339))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// meterUsage emits exactly one usage record per admitted request and bumps
// the key's request counter. The tracker itself filters the bootstrap admin
// identity.
func (s *Server) meterUsage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := KeyFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		m := &meter{}
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), meterCtx, m)))

		s.usage.Add(usage.Record{
			KeyID:      key.ID,
			Provider:   m.Provider,
			Path:       r.URL.Path,
			Characters: m.Characters,
			ElapsedMS:  time.Since(start).Milliseconds(),
			Status:     rec.status,
			Timestamp:  time.Now(),
		})
		if key.ID != keystore.BootstrapID {
			_ = s.keys.Touch(r.Context(), key.ID)
		}
	})
}

// ipFilter enforces the allow/block lists against the client address.
func (s *Server) ipFilter(next http.Handler) http.Handler {
	if len(s.allowedIPs) == 0 && len(s.blockedIPs) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if _, blocked := s.blockedIPs[ip]; blocked {
			respondError(w, http.StatusForbidden, errForbidden, "address blocked")
			return
		}
		if len(s.allowedIPs) > 0 {
			if _, allowed := s.allowedIPs[ip]; !allowed {
				respondError(w, http.StatusForbidden, errForbidden, "address not allowed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address, honouring X-Forwarded-For only when
// the deployment trusts its proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cors applies the configured cross-origin policy.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so chunked responses stream.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
