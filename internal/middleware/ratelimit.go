package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/handler"
	"github.com/DukeRupert/storefront/internal/metrics"
)

// =============================================================================
// Failure Counter
// =============================================================================

// failureCounter counts failed logins per client within a fixed window that
// opens on the first failure. Checking the count is free; only failures
// recorded by the login handler use up attempts.
type failureCounter struct {
	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]failureWindow

	stop     chan struct{}
	stopOnce sync.Once
}

type failureWindow struct {
	failures int
	opened   time.Time
}

func newFailureCounter(maxFailures int, window time.Duration, now func() time.Time) *failureCounter {
	if now == nil {
		now = time.Now
	}
	return &failureCounter{
		maxFailures: maxFailures,
		window:      window,
		now:         now,
		clients:     make(map[string]failureWindow),
		stop:        make(chan struct{}),
	}
}

// current returns the client's live window; expired windows read as empty.
// Callers hold mu.
func (c *failureCounter) current(client string, now time.Time) (failureWindow, bool) {
	fw, ok := c.clients[client]
	if !ok || now.Sub(fw.opened) >= c.window {
		return failureWindow{}, false
	}
	return fw, true
}

func (c *failureCounter) record(client string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fw, ok := c.current(client, now)
	if !ok {
		fw = failureWindow{opened: now}
	}
	fw.failures++
	c.clients[client] = fw
}

func (c *failureCounter) forget(client string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, client)
}

// blocked reports whether client is out of attempts and, if so, how long
// until its window closes.
func (c *failureCounter) blocked(client string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fw, ok := c.current(client, now)
	if !ok || fw.failures < c.maxFailures {
		return false, 0
	}
	return true, c.window - now.Sub(fw.opened)
}

// sweep drops every closed window.
func (c *failureCounter) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for client := range c.clients {
		if _, ok := c.current(client, now); !ok {
			delete(c.clients, client)
		}
	}
}

// sweepEvery runs sweep until stopped so abandoned windows do not pile up.
func (c *failureCounter) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *failureCounter) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// =============================================================================
// Login Rate Limiter
// =============================================================================

// AuthRateLimiter limits login attempts per client. It satisfies
// handler.LoginLimiter: the login handler records rejected credentials and
// clears the count on success, while LimitLogin only turns away clients that
// are already out of attempts.
type AuthRateLimiter struct {
	failures *failureCounter
	clientIP *ClientIPResolver
	logger   *slog.Logger
}

// NewAuthRateLimiter creates the login limiter. The usual setting is
// 5 failures per 15 minutes. Clients are keyed by clientIP, which only
// believes forwarding headers from trusted proxies.
func NewAuthRateLimiter(maxFailures int, window time.Duration, clientIP *ClientIPResolver, logger *slog.Logger) *AuthRateLimiter {
	a := &AuthRateLimiter{
		failures: newFailureCounter(maxFailures, window, nil),
		clientIP: clientIP,
		logger:   logger,
	}
	go a.failures.sweepEvery(window)
	return a
}

// LimitLogin returns middleware that rejects clients over the failure limit
// with 429 and a Retry-After header.
func (a *AuthRateLimiter) LimitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := a.clientIP.ClientIP(r)

		blocked, wait := a.failures.blocked(client)
		if !blocked {
			next.ServeHTTP(w, r)
			return
		}

		a.logger.Warn("login rate limit exceeded",
			"ip", client,
			"path", r.URL.Path,
			"retry_after", wait.Round(time.Second),
		)
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()

		seconds := int(wait.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		handler.ErrorResponse(w, r, a.logger, domain.RateLimit("auth.login"))
	})
}

// RecordFailedLogin counts a rejected login against the client.
func (a *AuthRateLimiter) RecordFailedLogin(r *http.Request) {
	a.failures.record(a.clientIP.ClientIP(r))
}

// ResetLogin clears the client's count after a successful login.
func (a *AuthRateLimiter) ResetLogin(r *http.Request) {
	a.failures.forget(a.clientIP.ClientIP(r))
}

// Stop releases the limiter's background goroutine.
func (a *AuthRateLimiter) Stop() {
	a.failures.close()
}

var _ handler.LoginLimiter = (*AuthRateLimiter)(nil)
