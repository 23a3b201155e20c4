package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	uuidSegment    = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}(/|$)`)
	numericSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
)

// statusRecorder remembers the status code the handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// NormalizePath replaces UUID and numeric path segments with {id}. Gateway
// paths carry arbitrary backend resource IDs, which would otherwise give
// every order and product its own series.
func NormalizePath(path string) string {
	// Each pass consumes the slash after a match, so adjacent IDs ("/1/2")
	// need a second pass.
	for i := 0; i < 2; i++ {
		path = uuidSegment.ReplaceAllString(path, "/{id}$1")
		path = numericSegment.ReplaceAllString(path, "/{id}$1")
	}
	return path
}

// routeLabel names the route a request was served by. Requests the mux
// matched use its pattern without the method; everything else, such as a
// request rejected by middleware before routing, falls back to the
// normalized path.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return NormalizePath(r.URL.Path)
	}
	pattern := r.Pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	return pattern
}

// Middleware records request counts, latency and in-flight requests. It
// must wrap the mux so the matched pattern is visible once the request
// returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
