package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doctruth/regcore/pkg/auth"
)

type ctxKey int

const (
	ctxKeyCorrelationID ctxKey = iota
	ctxKeyPrincipal
)

const headerCorrelationID = "X-Correlation-ID"

// CorrelationID returns the request correlation id, or "" outside the
// middleware chain.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCorrelationID).(string)
	return id
}

// PrincipalFrom returns the authenticated caller, or nil.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*auth.Principal)
	return p
}

// withCorrelationID reuses the caller's X-Correlation-ID or mints one, and
// echoes it on the response.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		ctx := context.WithValue(r.Context(), ctxKeyCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", CorrelationID(r.Context()))
	})
}

// requireRole authenticates the bearer token and checks that the principal
// holds at least one of the listed roles.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
			p, err := s.verifier.Verify(token)
			if err != nil {
				WriteProblem(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials", CorrelationID(r.Context()))
				return
			}
			allowed := false
			for _, role := range roles {
				if p.HasRole(role) {
					allowed = true
					break
				}
			}
			if !allowed {
				WriteProblem(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", CorrelationID(r.Context()))
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyPrincipal, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
