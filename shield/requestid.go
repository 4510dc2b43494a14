package shield

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/narthex/horosafe"
	"github.com/hazyhaar/narthex/idgen"
	"github.com/hazyhaar/narthex/kit"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID tags each request with an ID, taken from the incoming header
// when it is a safe identifier and generated otherwise. The ID goes into
// the context (kit.RequestIDKey) and the response header, and one access
// line is logged when the request completes.
func RequestID(logger *slog.Logger, newID idgen.Generator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if horosafe.ValidateIdentifier(id) != nil {
				id = newID()
			}
			w.Header().Set(RequestIDHeader, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(kit.WithRequestID(r.Context(), id)))

			logger.Info("request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
