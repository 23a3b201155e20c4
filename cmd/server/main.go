package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DukeRupert/storefront/internal"
	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/gateway"
	"github.com/DukeRupert/storefront/internal/handler"
	"github.com/DukeRupert/storefront/internal/metrics"
	"github.com/DukeRupert/storefront/internal/middleware"
	"github.com/DukeRupert/storefront/internal/relay"
)

func run() error {
	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Backend authority client. One http.Client (and its timeout) is shared
	// by the auth endpoints and the gateway.
	authority, err := backend.New(backend.Config{
		BaseURL:    cfg.BackendURL,
		HTTPClient: &http.Client{Timeout: cfg.UpstreamTimeout},
	}, logger)
	if err != nil {
		return fmt.Errorf("backend client initialization failed: %w", err)
	}
	logger.Info("Backend authority configured", "host", authority.BaseURL().Host)

	isSecure := cfg.IsSecure()

	// Client addresses for rate limiting and request logs. Validate has
	// already parsed the list once.
	trustedProxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	clientIP := middleware.NewClientIPResolver(trustedProxies)

	// Initialize middleware
	authLimiter := middleware.NewAuthRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow, clientIP, logger)
	defer authLimiter.Stop()

	guard := middleware.NewRouteGuard(middleware.ProtectedRoutes{
		Prefix:    cfg.AdminPrefix,
		LoginPath: cfg.AdminLoginPath,
	}, logger)
	requestLogger := middleware.NewRequestLoggingMiddleware(logger, clientIP)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(isSecure)
	csrfProtect := middleware.NewCSRFMiddleware(cfg.CSRFEnabled, isSecure, logger, "/api/auth/login")
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger)
	if !metricsAuth.Enabled() {
		logger.Warn("Metrics endpoint is unprotected; set METRICS_USERNAME and METRICS_PASSWORD")
	}

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authority, authLimiter, logger, isSecure, cfg.CSRFEnabled)
	gw := gateway.New(
		authority.BaseURL(),
		authority.HTTPClient(),
		relay.NewRetrier(authority, "gateway", logger),
		gateway.Config{
			Prefix:       cfg.GatewayPrefix,
			MaxBodyBytes: cfg.GatewayMaxBodyBytes,
			IsSecure:     isSecure,
		},
		logger,
	)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus scrape endpoint
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// Session endpoints
	authHandler.RegisterRoutes(mux, authLimiter.LimitLogin)

	// Forwarding gateway (every method under the prefix)
	gw.RegisterRoutes(mux)

	// Administrative pages, guarded by session presence
	adminFS := http.StripPrefix(cfg.AdminPrefix, http.FileServer(http.Dir(cfg.AdminDir)))
	mux.Handle("GET "+cfg.AdminPrefix+"/", guard.Require(adminFS))

	// Public storefront
	mux.Handle("/", staticPages(http.FileServer(http.Dir(cfg.PublicDir)), logger))

	// Global middleware, outermost first
	app := middleware.Stack(
		middleware.RequestID,
		requestLogger.Handler,
		metrics.Middleware,
		securityHeaders.Handler,
		csrfProtect.Protect,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "gateway_prefix", cfg.GatewayPrefix)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// staticPages serves the public storefront. Only GET and HEAD reach the file
// server; unknown API paths get a JSON 404 instead of an HTML page.
func staticPages(files http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			handler.NotFoundResponse(w, r, logger)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
