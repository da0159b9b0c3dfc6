// Package http exposes the JSON API: registration and login, the
// expense ledger, CSV reports and the forecast endpoint.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"outlay/internal/auth"
	"outlay/internal/cache"
	"outlay/internal/services"
)

// Options tunes server behaviour beyond its collaborators.
type Options struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

type Server struct {
	http.Server
	auth        *auth.Service
	expenses    *services.ExpenseService
	google      auth.IdentityProvider
	rateLimiter *rateLimiter

	// Report and forecast answers are cached per owner and dropped on
	// any mutation by that owner.
	reportCache   *cache.LRUCache[[]byte]
	forecastCache *cache.LRUCache[float64]

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server. google may be nil when OAuth login is not configured.
func NewServer(addr string, authSvc *auth.Service, expenses *services.ExpenseService, google auth.IdentityProvider, opts Options) *Server {
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = 15 * time.Minute
	}
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 100
	}

	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		auth:          authSvc,
		expenses:      expenses,
		google:        google,
		rateLimiter:   newRateLimiter(opts.RateLimitWindow, opts.RateLimitMax),
		reportCache:   cache.NewLRU[[]byte](100, 5*time.Minute),
		forecastCache: cache.NewLRU[float64](100, 5*time.Minute),
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /register", s.withCommon(s.handleRegister))
	mux.HandleFunc("POST /login", s.withCommon(s.handleLogin))
	mux.HandleFunc("GET /auth/google", s.withCommon(s.handleGoogleLogin))
	mux.HandleFunc("GET /auth/google/callback", s.withCommon(s.handleGoogleCallback))
	mux.HandleFunc("PUT /password", s.withCommon(s.withAuth(s.handleChangePassword)))

	mux.HandleFunc("GET /expenses", s.withCommon(s.withAuth(s.handleListExpenses)))
	mux.HandleFunc("POST /expenses", s.withCommon(s.withAuth(s.handleCreateExpense)))
	mux.HandleFunc("PUT /expenses/{id}", s.withCommon(s.withAuth(s.handleUpdateExpense)))
	mux.HandleFunc("DELETE /expenses/{id}", s.withCommon(s.withAuth(s.handleDeleteExpense)))
	mux.HandleFunc("GET /expenses/search", s.withCommon(s.withAuth(s.handleSearchExpenses)))
	mux.HandleFunc("GET /expenses/filter", s.withCommon(s.withAuth(s.handleFilterExpenses)))
	mux.HandleFunc("GET /expenses/forecast", s.withCommon(s.withAuth(s.handleForecast)))
	mux.HandleFunc("GET /expenses/{id}/attachment", s.withCommon(s.withAuth(s.handleAttachment)))
	mux.HandleFunc("GET /report", s.withCommon(s.withAuth(s.handleReport)))

	return s
}

// Shutdown gracefully shuts down the server and its cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// withCommon adds request tracing, security headers and rate limiting.
func (s *Server) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := clientIP(r)

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", ip)

		if !s.rateLimiter.allow(ip) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", ip, "url", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// withAuth requires a bearer token. An absent or unparseable token is
// 401; a well-formed token that fails verification is 403.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		id, err := s.auth.VerifyToken(token)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) invalidateOwner(ownerID int64) {
	key := strconv.FormatInt(ownerID, 10)
	s.reportCache.Delete(key)
	s.forecastCache.Delete(key)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
