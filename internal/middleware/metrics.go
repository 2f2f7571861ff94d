package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestRecorder receives one observation per finished request.
// *metrics.Collector implements it.
type RequestRecorder interface {
	RecordHTTPRequest(route, method string, status int, d time.Duration)
}

// Metrics records request counts and latency labelled by the chi route
// pattern ("/api/chat/{category}"), never the raw path, so label cardinality
// stays bounded no matter what clients request.
func Metrics(rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only complete once routing has finished.
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.RecordHTTPRequest(route, r.Method, status, time.Since(start))
		})
	}
}
