package logging

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// CorrelationHeader carries the correlation ID of an admin request in both directions.
const CorrelationHeader = "X-Correlation-ID"

// HTTPMiddleware gives every request a correlation ID and logs its completion. Paths
// are logged by route template, with the page scope as its own field, so per-page
// routes do not turn into one log key per page.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = NewCorrelationID()
		}
		ctx := WithCorrelationID(r.Context(), id)
		r = r.WithContext(ctx)
		w.Header().Set(CorrelationHeader, id)

		fields := Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				fields["path"] = tpl
			}
		}
		if scope, ok := mux.Vars(r)["scope"]; ok {
			fields["scope"] = scope
		}
		Debug(ctx, ComponentAPI, ActionRequest, "Admin request received", Fields{
			"method":    r.Method,
			"path":      fields["path"],
			"remote_ip": r.RemoteAddr,
		})

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		fields["status_code"] = rec.status
		fields["bytes_sent"] = rec.written
		level := INFO
		switch {
		case rec.status >= 500:
			level = ERROR
		case rec.status >= 400:
			level = WARN
		}
		if logger := GetGlobalLogger(); logger != nil {
			logger.WithDuration(ctx, level, ComponentAPI, ActionResponse, "Admin request served", time.Since(start), fields)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}
