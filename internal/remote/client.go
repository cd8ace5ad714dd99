// Package remote provides the authenticated client for the external
// telemetry API.
//
// The API is rate limited on a fixed clock, so the client distinguishes
// two failure regimes: rate-limit responses impose a fixed cooldown
// window (no retry counting, no backoff), while every other
// authentication failure follows an exponential backoff schedule up to
// a retry cap. Past the cap the client stays down until explicitly
// reset.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/logging"
)

var log = logging.Component("remote")

// =============================================================================
// Configuration
// =============================================================================

// Config holds client configuration. The core treats it as an opaque,
// already-validated struct owned by the loader.
type Config struct {
	BaseURL string
	UnitID  string
	Secret  string

	CallTimeout     time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RateLimitWindow time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Clock overrides the time source, mainly for tests.
	Clock clockwork.Clock
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:     10 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RateLimitWindow: time.Minute,
	}
}

func (cfg *Config) validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: remote.base_url", errors.ErrConfigurationMissing)
	}
	if cfg.UnitID == "" {
		return fmt.Errorf("%w: remote.unit_id", errors.ErrConfigurationMissing)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("%w: remote.secret", errors.ErrConfigurationMissing)
	}
	return nil
}

// =============================================================================
// Client
// =============================================================================

// Client is the authenticated telemetry API client.
//
// Client is safe for concurrent use. AuthState is owned exclusively by
// the client; no other component mutates it.
type Client struct {
	baseURL string
	unitID  string
	secret  string

	httpc *http.Client
	clock clockwork.Clock

	callTimeout time.Duration
	maxRetries  int
	baseDelay   time.Duration
	cooldown    time.Duration

	// State management with explicit transitions
	state atomic.Int32

	mu               sync.Mutex
	token            string
	rateLimitResetAt time.Time
	retryCount       int
	terminal         bool
	retryTimer       clockwork.Timer
	closed           bool
}

// New creates a new client. Missing endpoint or credentials disable the
// remote surface entirely: the error wraps ErrConfigurationMissing and
// no client is returned.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultConfig().CallTimeout
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultConfig().RetryBaseDelay
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = DefaultConfig().RateLimitWindow
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultConfig().MaxRetries
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		unitID:      cfg.UnitID,
		secret:      cfg.Secret,
		httpc:       httpc,
		clock:       clock,
		callTimeout: callTimeout,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		// The remote limiter resets on a fixed clock, not on client
		// behavior, so the cooldown is a fixed multiple of its window.
		cooldown: 2 * window,
	}, nil
}

// =============================================================================
// State Transition Methods
// =============================================================================

func (c *Client) getState() AuthState {
	return AuthState(c.state.Load())
}

// transitionTo attempts to transition to a new state.
func (c *Client) transitionTo(newState AuthState) error {
	for {
		oldState := c.getState()
		transition := stateTransition{from: oldState, to: newState}

		if !validTransitions[transition] {
			return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, oldState, newState)
		}

		if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to AuthState) bool {
	transition := stateTransition{from: from, to: to}
	if !validTransitions[transition] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Authentication
// =============================================================================

// Authenticate establishes a session with the telemetry API.
//
// Failure handling:
//   - rate-limit responses move the client into a fixed cooldown; the
//     retry counter is untouched
//   - any other failure schedules an automatic retry after an
//     exponentially growing delay, until MaxRetries is exhausted
func (c *Client) Authenticate(ctx context.Context) error {
	c.maybeClearRateLimit()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrClientClosed
	}
	if c.terminal {
		c.mu.Unlock()
		return fmt.Errorf("%w: call Reset to re-enable", errors.ErrRetriesExhausted)
	}
	c.mu.Unlock()

	if !c.transitionFrom(StateUnauthenticated, StateAuthenticating) {
		switch state := c.getState(); state {
		case StateAuthenticated:
			return nil
		case StateAuthenticating:
			return fmt.Errorf("authentication already in progress")
		case StateRateLimited:
			c.mu.Lock()
			resetAt := c.rateLimitResetAt
			c.mu.Unlock()
			return fmt.Errorf("%w: cooldown until %s", errors.ErrRateLimitExceeded,
				resetAt.Format(time.RFC3339))
		default:
			return fmt.Errorf("cannot authenticate from state %s", state)
		}
	}

	token, err := c.doAuthenticate(ctx)
	if err == nil {
		c.mu.Lock()
		c.token = token
		c.retryCount = 0
		c.mu.Unlock()

		if terr := c.transitionTo(StateAuthenticated); terr != nil {
			return terr
		}
		log.Info("authenticated", "unit", c.unitID)
		return nil
	}

	if errors.IsRateLimit(err) {
		c.enterRateLimited(StateAuthenticating)
		return err
	}

	// Non-rate-limit failure: exponential backoff schedule.
	c.mu.Lock()
	c.retryCount++
	attempt := c.retryCount
	exhausted := attempt > c.maxRetries
	if exhausted {
		c.terminal = true
	}
	c.mu.Unlock()

	c.transitionFrom(StateAuthenticating, StateUnauthenticated)

	if exhausted {
		log.Error("authentication retries exhausted", "attempts", attempt-1, "error", err)
		return fmt.Errorf("%w: %v", errors.ErrRetriesExhausted, err)
	}

	delay := c.backoffDelay(attempt)
	log.Warn("authentication failed, retry scheduled",
		"attempt", attempt, "delay", delay, "error", err)
	c.scheduleRetry(delay)
	return err
}

// backoffDelay returns base * 2^(attempt-1).
func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.baseDelay << (attempt - 1)
}

// scheduleRetry arms a timer that re-attempts authentication.
func (c *Client) scheduleRetry(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = c.clock.AfterFunc(delay, c.retryAuthenticate)
}

func (c *Client) retryAuthenticate() {
	c.mu.Lock()
	closed, terminal := c.closed, c.terminal
	c.mu.Unlock()
	if closed || terminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	// Errors reschedule themselves through Authenticate.
	_ = c.Authenticate(ctx)
}

// enterRateLimited transitions into cooldown from the given state and
// arms the opportunistic re-authentication timer.
func (c *Client) enterRateLimited(from AuthState) {
	c.mu.Lock()
	c.rateLimitResetAt = c.clock.Now().Add(c.cooldown)
	resetAt := c.rateLimitResetAt
	c.mu.Unlock()

	if !c.transitionFrom(from, StateRateLimited) {
		return
	}

	log.Warn("rate limited by remote API", "cooldown", c.cooldown, "reset_at", resetAt)

	c.mu.Lock()
	if !c.closed {
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.retryTimer = c.clock.AfterFunc(c.cooldown, func() {
			c.maybeClearRateLimit()
			c.retryAuthenticate()
		})
	}
	c.mu.Unlock()
}

// maybeClearRateLimit leaves the RateLimited state once the cooldown
// window has elapsed.
func (c *Client) maybeClearRateLimit() {
	if c.getState() != StateRateLimited {
		return
	}

	c.mu.Lock()
	expired := !c.clock.Now().Before(c.rateLimitResetAt)
	c.mu.Unlock()

	if expired {
		c.transitionFrom(StateRateLimited, StateUnauthenticated)
	}
}

// =============================================================================
// State Queries
// =============================================================================

// IsAuthenticated returns true if the client holds a valid session.
func (c *Client) IsAuthenticated() bool {
	return c.getState() == StateAuthenticated
}

// IsRateLimited returns true while the rate-limit cooldown is in effect.
func (c *Client) IsRateLimited() bool {
	c.maybeClearRateLimit()
	return c.getState() == StateRateLimited
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// RetryCount returns the current non-rate-limit failure count.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// RateLimitResetAt returns when the current cooldown ends.
func (c *Client) RateLimitResetAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimitResetAt
}

// Reset re-initializes a client whose retries were exhausted. It clears
// the retry counter and returns the state machine to Unauthenticated.
func (c *Client) Reset() {
	c.mu.Lock()
	c.terminal = false
	c.retryCount = 0
	c.token = ""
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.state.Store(int32(StateUnauthenticated))
}

// Close stops automatic retries. The client cannot be used afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// =============================================================================
// HTTP plumbing
// =============================================================================

// doAuthenticate performs the session handshake.
func (c *Client) doAuthenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"unit_id": c.unitID,
		"secret":  c.secret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/session", bytes.NewReader(body), "")
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode session response: %w", errors.ErrNetworkFailure)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("empty session token: %w", errors.ErrAuthenticationFailed)
	}
	return resp.Token, nil
}

// Call performs an authenticated API operation. It fails immediately
// with ErrNotAuthenticated when no session is established; requests are
// never queued.
func (c *Client) Call(ctx context.Context, operation, path string) (json.RawMessage, error) {
	c.maybeClearRateLimit()

	switch state := c.getState(); state {
	case StateAuthenticated:
		// proceed
	case StateRateLimited:
		return nil, fmt.Errorf("%w: %s", errors.ErrRateLimitExceeded, operation)
	default:
		return nil, fmt.Errorf("%w: %s requires authentication (state=%s)",
			errors.ErrNotAuthenticated, operation, state)
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	data, err := c.doRequest(ctx, http.MethodGet, path, nil, token)
	if err != nil {
		switch {
		case errors.IsRateLimit(err):
			c.enterRateLimited(StateAuthenticated)
		case errors.IsAuth(err):
			// Session rejected mid-flight; drop back and let the next
			// Authenticate rebuild it.
			c.transitionFrom(StateAuthenticated, StateUnauthenticated)
		}
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return data, nil
}

// doRequest issues one HTTP request with the configured timeout and
// classifies every failure into the error taxonomy.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", errors.ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP 429", errors.ErrRateLimitExceeded)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", errors.ErrAuthenticationFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: HTTP %d", errors.ErrNetworkFailure, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", errors.ErrNetworkFailure, err)
	}
	return data, nil
}
