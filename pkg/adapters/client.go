// Package adapters provides one bounded-timeout HTTP+JSON client per
// upstream the runtime talks to: identity, policy publisher, budget,
// signing/KMS, receipt indexer. Every client wraps ResilientClient,
// which adds a circuit breaker, exponential backoff with jitter and a
// capped connect timeout on top of *http.Client — generalized from
// resiliency.EnhancedClient's one package-level breaker to one
// breaker instance per upstream.
package adapters

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxConnectTimeout is the hard cap placed on adapter connect timeouts
// regardless of what a caller configures.
const maxConnectTimeout = 5 * time.Second

// maxErrorMessageLen caps error strings surfaced from upstream bodies
// so a verbose or hostile upstream can't balloon a canonical error's
// user_message field.
const maxErrorMessageLen = 512

// ClientConfig configures a ResilientClient.
type ClientConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	BreakerName    string
	BreakerThresh  int
	BreakerReset   time.Duration

	// RateLimitPerSec caps outbound requests to this upstream,
	// independent of the circuit breaker (which reacts to failures,
	// not volume). Zero means unlimited.
	RateLimitPerSec float64
	RateLimitBurst  int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ConnectTimeout <= 0 || c.ConnectTimeout > maxConnectTimeout {
		c.ConnectTimeout = maxConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThresh <= 0 {
		c.BreakerThresh = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
	return c
}

// ResilientClient is a bounded-timeout HTTP+JSON client with a circuit
// breaker and exponential backoff+jitter retry loop.
type ResilientClient struct {
	cfg     ClientConfig
	client  *http.Client
	breaker *circuitBreaker
	limiter *rate.Limiter
}

// NewResilientClient builds a client whose connect timeout is capped
// at maxConnectTimeout regardless of cfg. A positive
// cfg.RateLimitPerSec additionally bounds outbound request volume to
// this upstream via an in-process token bucket; like the breaker, its
// state belongs to this one client and is not shared across replicas.
func NewResilientClient(cfg ClientConfig) *ResilientClient {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}
	return &ResilientClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		breaker: newCircuitBreaker(cfg.BreakerName, cfg.BreakerThresh, cfg.BreakerReset),
		limiter: limiter,
	}
}

// Do executes req with a correlation id attached, through the circuit
// breaker and a bounded retry loop. Transport errors and 5xx responses
// are retried up to MaxRetries times; any response below 500 is
// returned at once without a retry. The final response (success or
// failure) is returned to the caller, body unread, for status-code and
// error-body inspection.
func (c *ResilientClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	correlationID := uuid.NewString()
	req.Header.Set("X-Correlation-ID", correlationID)
	if tp := traceparentHeader(); tp != "" {
		req.Header.Set("traceparent", tp)
	}
	req = req.WithContext(ctx)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("adapters: %s: rate limit wait: %w", c.cfg.BreakerName, err)
		}
	}

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("adapters: circuit breaker open for %s", c.cfg.BreakerName)
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		sleepBackoff(attempt)
	}

	c.breaker.Failure()
	if err != nil {
		return nil, fmt.Errorf("adapters: %s: %w", c.cfg.BreakerName, err)
	}
	return resp, nil
}

// Close releases any idle keep-alive connections. Safe to call during
// shutdown even if requests are still in flight.
func (c *ResilientClient) Close() {
	c.client.CloseIdleConnections()
}

func sleepBackoff(attempt int) {
	base := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	time.Sleep(base + jitter)
}

// readErrorBody reads and caps an error response body, stripping
// anything that looks like a bearer token or API key so upstream
// secrets never leak into a canonical error's user_message.
func readErrorBody(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorMessageLen*4))
	s := stripSecrets(string(raw))
	if len(s) > maxErrorMessageLen {
		s = s[:maxErrorMessageLen] + "...(truncated)"
	}
	return s
}

func stripSecrets(s string) string {
	for _, marker := range []string{"Bearer ", "bearer ", "api_key=", "apikey=", "token="} {
		if idx := strings.Index(s, marker); idx >= 0 {
			end := idx + len(marker)
			for end < len(s) && s[end] != ' ' && s[end] != '"' && s[end] != '&' {
				end++
			}
			s = s[:idx+len(marker)] + "[redacted]" + s[end:]
		}
	}
	return s
}

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine,
// modeled on resiliency.CircuitBreaker.
type circuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func newCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{name: name, threshold: threshold, resetTimeout: resetTimeout, state: "CLOSED"}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// traceparentHeader formats a W3C-style traceparent header carrying a
// random trace id, matching EnhancedClient.Do's trace-injection
// fallback shape.
func traceparentHeader() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return fmt.Sprintf("00-%s-0000000000000001-01", hex.EncodeToString(b[:]))
}
