package runtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/bixworker/internal/runtime/routing"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument logs one line per intercepted request.
func (w *Worker) instrument(next http.Handler) http.Handler {
	logger := w.base.With(slog.String("agent", "fetch"))
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.String("source", rw.Header().Get(routing.HeaderSource)),
			slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
		}
		if w.correlationHeader != "" {
			if id := r.Header.Get(w.correlationHeader); id != "" {
				attrs = append(attrs, slog.String("correlation_id", id))
			}
		}
		logger.LogAttrs(r.Context(), slog.LevelInfo, "request served", attrs...)
	})
}
