package internal

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/middleware"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Backend authority origin. Never exposed to the browser.
	BackendURL string

	// Forwarding gateway
	GatewayPrefix       string
	GatewayMaxBodyBytes int64
	UpstreamTimeout     time.Duration

	// Administrative area guarded by the route guard
	AdminPrefix    string
	AdminLoginPath string
	AdminDir       string // Static admin pages
	PublicDir      string // Static public storefront

	// Login rate limiting (per client IP)
	LoginRateLimit  int
	LoginRateWindow time.Duration

	// Comma-separated CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For is believed. Empty means the peer address is the client.
	TrustedProxies string

	// Double-submit CSRF protection for unsafe calls
	CSRFEnabled bool

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BackendURL: getEnv("BACKEND_URL", "http://localhost:8000"),

		// Gateway defaults
		GatewayPrefix:       getEnv("GATEWAY_PREFIX", "/api/proxy/"),
		GatewayMaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 10<<20)),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		// Admin area defaults
		AdminPrefix:    getEnv("ADMIN_PREFIX", "/admin"),
		AdminLoginPath: getEnv("ADMIN_LOGIN_PATH", "/admin/login"),
		AdminDir:       getEnv("ADMIN_DIR", "web/admin"),
		PublicDir:      getEnv("PUBLIC_DIR", "web/static"),

		// 5 attempts per 15 minutes
		LoginRateLimit:  getEnvInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow: getEnvDuration("LOGIN_RATE_WINDOW", 15*time.Minute),
		TrustedProxies:  getEnv("TRUSTED_PROXIES", ""),

		CSRFEnabled: getEnvBool("CSRF_ENABLED", false),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that would otherwise fail at request time.
func (c *Config) Validate() error {
	if _, err := backend.ParseBaseURL(c.BackendURL); err != nil {
		return fmt.Errorf("BACKEND_URL is invalid: %w", err)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	if !strings.HasPrefix(c.GatewayPrefix, "/") || !strings.HasSuffix(c.GatewayPrefix, "/") {
		return fmt.Errorf("GATEWAY_PREFIX must start and end with '/', got: %s", c.GatewayPrefix)
	}
	if c.GatewayMaxBodyBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_BODY_BYTES must be positive, got: %d", c.GatewayMaxBodyBytes)
	}

	if !strings.HasPrefix(c.AdminPrefix, "/") || strings.HasSuffix(c.AdminPrefix, "/") {
		return fmt.Errorf("ADMIN_PREFIX must start with '/' and not end with '/', got: %s", c.AdminPrefix)
	}
	if !strings.HasPrefix(c.AdminLoginPath, c.AdminPrefix+"/") {
		return fmt.Errorf("ADMIN_LOGIN_PATH must be under ADMIN_PREFIX, got: %s", c.AdminLoginPath)
	}

	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be positive, got: %d", c.LoginRateLimit)
	}
	if c.LoginRateWindow <= 0 {
		return fmt.Errorf("LOGIN_RATE_WINDOW must be positive, got: %s", c.LoginRateWindow)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES is invalid: %w", err)
	}

	return nil
}

// IsSecure reports whether cookies must carry the Secure flag. Only local
// development over plain HTTP turns it off.
func (c *Config) IsSecure() bool {
	return c.Env != "development"
}

// TrustedProxyPrefixes parses TrustedProxies.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	return middleware.ParseTrustedProxies(c.TrustedProxies)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
