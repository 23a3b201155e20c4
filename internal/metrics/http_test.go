package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/proxy/orders", "/api/proxy/orders"},
		{"/api/proxy/orders/42", "/api/proxy/orders/{id}"},
		{"/api/proxy/orders/42/items/7", "/api/proxy/orders/{id}/items/{id}"},
		{"/api/proxy/carts/1/2", "/api/proxy/carts/{id}/{id}"},
		{"/api/proxy/customers/6f1c1f3e-2a4b-4c5d-8e9f-0a1b2c3d4e5f/addresses", "/api/proxy/customers/{id}/addresses"},
		{"/api/proxy/products/sku-42", "/api/proxy/products/sku-42"},
		{"/admin/orders", "/admin/orders"},
	}

	for _, tt := range tests {
		if got := NormalizePath(tt.path); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// scrape returns the current exposition text.
func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestMiddleware_LabelsGatewayTrafficByRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metricstest/proxy/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := Middleware(mux)

	for _, path := range []string{"/api/metricstest/proxy/orders/1", "/api/metricstest/proxy/orders/2", "/api/metricstest/proxy/carts/abc"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", path, nil))
	}

	body := scrape(t)
	want := `storefront_http_requests_total{method="POST",path="/api/metricstest/proxy/",status_code="201"} 3`
	if !strings.Contains(body, want) {
		t.Errorf("expected %s in scrape output", want)
	}
	if strings.Contains(body, "/api/metricstest/proxy/orders") {
		t.Error("backend resource paths should not become labels")
	}
}

func TestMiddleware_UnroutedRequestsUseNormalizedPath(t *testing.T) {
	// A middleware rejection never reaches the mux.
	rejected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	Middleware(rejected).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/api/metricstest/orders/77", nil))

	want := `storefront_http_requests_total{method="DELETE",path="/api/metricstest/orders/{id}",status_code="403"} 1`
	if !strings.Contains(scrape(t), want) {
		t.Errorf("expected %s in scrape output", want)
	}
}

func TestMiddleware_ImplicitOKIsRecorded(t *testing.T) {
	writesBody := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	Middleware(writesBody).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metricstest/implicit", nil))

	want := `storefront_http_requests_total{method="GET",path="/metricstest/implicit",status_code="200"} 1`
	if !strings.Contains(scrape(t), want) {
		t.Errorf("expected %s in scrape output", want)
	}
}

func TestMiddleware_SkipsScrapeEndpoint(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	Middleware(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))

	if !called {
		t.Error("scrape requests should still be served")
	}
	if strings.Contains(scrape(t), `path="/metrics"`) {
		t.Error("scrape requests should not be counted")
	}
}
