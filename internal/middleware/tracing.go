package middleware

import (
	"net/http"
	"time"

	"github.com/R3E-Network/treasury_layer/internal/logging"
)

// TraceHeader carries the request trace id.
const TraceHeader = "X-Trace-ID"

// requestIDHeader is accepted from proxies that do not set TraceHeader.
const requestIDHeader = "X-Request-ID"

const maxTraceIDLen = 128

// TracingMiddleware adds a trace ID to every request and logs the outcome.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := inboundTraceID(r)
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set(TraceHeader, traceID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

func inboundTraceID(r *http.Request) string {
	for _, h := range []string{TraceHeader, requestIDHeader} {
		if id := r.Header.Get(h); id != "" && len(id) <= maxTraceIDLen {
			return id
		}
	}
	return logging.NewTraceID()
}
