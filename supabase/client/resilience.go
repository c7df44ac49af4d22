package client

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Writes and RPCs against the hosted database are not idempotent: a
// credit_topup call that timed out may still have committed. Such requests
// are replayed only when the server cannot have run them, that is when the
// connection was never established or the answer was 429 or 503.

// RetryConfig bounds how the transport retries a request.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter randomises this fraction of each backoff (0 to 1).
	Jitter float64
}

// DefaultRetryConfig returns the retry policy used in production.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
	}
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold successful probes close a half-open circuit.
	SuccessThreshold int
	// OpenFor is how long an open circuit rejects requests before probing.
	OpenFor time.Duration
	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker settings used in production.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenFor:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned without contacting the server while the
// circuit is open.
var ErrCircuitOpen = errors.New("hosted database circuit is open")

// CircuitBreaker stops traffic to a failing backend. A half-open circuit
// admits one probe at a time.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig
	now func() time.Time

	state     CircuitState
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
	lastErr   error
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a request may proceed. Every nil return must be
// followed by RecordSuccess, RecordFailure or Abandon.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenFor {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = cb.setState(CircuitHalfOpen)
		cb.probing = true
	case CircuitHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a request the backend answered.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			from, changed = cb.setState(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitClosed)
	}
}

// RecordFailure records a backend failure.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	cb.lastErr = err
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			from, changed = cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		from, changed = cb.setState(CircuitOpen)
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitOpen)
	}
}

// Abandon releases an admitted request that ended without an answer from
// the backend, such as one cancelled by its caller.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to CircuitState) (CircuitState, bool) {
	from := cb.state
	if from == to {
		return from, false
	}
	cb.state = to
	cb.failures, cb.successes, cb.probing = 0, 0, false
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	return from, true
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the most recent recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}

// StatusError is a 5xx answer counted against the circuit.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "hosted database answered " + strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
}

// TransportStats are cumulative counters reported on /info.
type TransportStats struct {
	Requests uint64 `json:"requests"`
	Retries  uint64 `json:"retries"`
	Failures uint64 `json:"failures"`
	Rejected uint64 `json:"rejected"`
	Circuit  string `json:"circuit"`
}

// Transport is an http.RoundTripper that retries transient failures and
// trips a circuit breaker after repeated ones.
type Transport struct {
	base    http.RoundTripper
	retry   RetryConfig
	breaker *CircuitBreaker

	requests atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
}

// NewTransport wraps base, or a pooled default transport when base is nil.
func NewTransport(base http.RoundTripper, retry RetryConfig, breaker CircuitBreakerConfig) *Transport {
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}
	}
	return &Transport{base: base, retry: retry, breaker: NewCircuitBreaker(breaker)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests.Add(1)
	if err := t.breaker.Allow(); err != nil {
		t.rejected.Add(1)
		return nil, err
	}

	ctx := req.Context()
	idempotent := isIdempotent(req.Method)
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	current := req
	for attempt := 0; ; attempt++ {
		last := attempt >= t.retry.MaxRetries || !replayable

		resp, err := t.base.RoundTrip(current)
		if err != nil {
			if !last && retryableError(err, idempotent) {
				if werr := t.pause(ctx, t.backoff(attempt+1, 0)); werr != nil {
					return nil, t.giveUp(werr)
				}
				if current, err = rewind(req); err != nil {
					return nil, t.giveUp(err)
				}
				continue
			}
			if ctx.Err() != nil {
				return nil, t.giveUp(err)
			}
			t.breaker.RecordFailure(err)
			t.failures.Add(1)
			return nil, err
		}

		if !last && retryableStatus(resp.StatusCode, idempotent) {
			wait := t.backoff(attempt+1, retryAfter(resp.Header))
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if werr := t.pause(ctx, wait); werr != nil {
				return nil, t.giveUp(werr)
			}
			if current, err = rewind(req); err != nil {
				return nil, t.giveUp(err)
			}
			continue
		}

		// The final answer goes back to the caller, which reads the error body.
		if resp.StatusCode >= http.StatusInternalServerError {
			t.breaker.RecordFailure(&StatusError{StatusCode: resp.StatusCode})
			t.failures.Add(1)
		} else {
			t.breaker.RecordSuccess()
		}
		return resp, nil
	}
}

func (t *Transport) giveUp(err error) error {
	t.breaker.Abandon()
	t.failures.Add(1)
	return err
}

func (t *Transport) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		t.retries.Add(1)
		return nil
	}
}

// backoff doubles from InitialBackoff per attempt. A server hint from
// Retry-After takes precedence; both are capped at MaxBackoff.
func (t *Transport) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, t.retry.MaxBackoff)
	}
	d := t.retry.InitialBackoff << (attempt - 1)
	if d <= 0 || d > t.retry.MaxBackoff {
		d = t.retry.MaxBackoff
	}
	if t.retry.Jitter > 0 {
		d += time.Duration(float64(d) * t.retry.Jitter * (rand.Float64()*2 - 1))
	}
	return d
}

// Stats returns the transport's counters and circuit state.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Requests: t.requests.Load(),
		Retries:  t.retries.Load(),
		Failures: t.failures.Load(),
		Rejected: t.rejected.Load(),
		Circuit:  t.breaker.State().String(),
	}
}

// Breaker exposes the transport's circuit breaker.
func (t *Transport) Breaker() *CircuitBreaker {
	return t.breaker
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func retryableError(err error, idempotent bool) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	return idempotent && errors.As(err, &netErr) && netErr.Timeout()
}

func retryableStatus(code int, idempotent bool) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return idempotent
	}
	return false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// EnhancedConfig extends Config with resilience options.
type EnhancedConfig struct {
	Config
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	EnableResilience     bool
}

// NewEnhanced creates a client whose requests go through a retrying,
// circuit-breaking Transport. The HTTP client timeout bounds a request
// including its retries.
func NewEnhanced(cfg EnhancedConfig) (*Client, error) {
	if !cfg.EnableResilience {
		return New(cfg.Config)
	}

	var base http.RoundTripper
	timeout := 60 * time.Second
	if cfg.HTTPClient != nil {
		base = cfg.HTTPClient.Transport
		if cfg.HTTPClient.Timeout > 0 {
			timeout = cfg.HTTPClient.Timeout
		}
	}
	transport := NewTransport(base, cfg.RetryConfig, cfg.CircuitBreakerConfig)

	plain := cfg.Config
	plain.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	c, err := New(plain)
	if err != nil {
		return nil, err
	}
	c.transport = transport
	return c, nil
}
