// Package bridge talks to the local broker bridge process over
// HTTP+JSON. The bridge owns the actual broker session; this client
// owns retries, the connected flag and single-flight reconnection.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable is returned after every retry is exhausted.
// Callers treat it fail-closed: no order leaves the process while the
// bridge is unreachable.
var ErrBrokerUnavailable = errors.New("broker bridge unavailable")

// StatusError is a non-retryable HTTP failure (4xx). The order executor
// inspects it to distinguish a rejected dry-run from an outage.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Body)
}

// Config holds bridge client configuration
type Config struct {
	BaseURL     string
	StreamPath  string        // WebSocket push endpoint, default /stream
	Passphrase  string        // sent as X-Trader-Passphrase when set
	Timeout     time.Duration // per-attempt timeout
	MaxRetries  int
	BackoffUnit time.Duration // 1s in production, shrunk in tests
}

// Client is the broker bridge HTTP client
type Client struct {
	baseURL     string
	streamPath  string
	passphrase  string
	httpClient  *http.Client
	timeout     time.Duration
	maxRetries  int
	backoffUnit time.Duration
	log         zerolog.Logger

	mu        sync.RWMutex
	connected bool
	sawOutage bool

	reconnectMu sync.Mutex

	onReconnected func()
}

// NewClient creates a new bridge client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8888"
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3000 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		streamPath:  cfg.StreamPath,
		passphrase:  cfg.Passphrase,
		httpClient:  &http.Client{},
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffUnit: cfg.BackoffUnit,
		log:         log.With().Str("client", "bridge").Logger(),
	}
}

// BaseURL returns the configured bridge root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetReconnectHandler registers a callback fired once per outage when
// connectivity comes back. Used to send the reconnect notification and
// the SUCCESS event.
func (c *Client) SetReconnectHandler(fn func()) {
	c.onReconnected = fn
}

// IsConnected reports the last known bridge connectivity
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Health checks the bridge process
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSignal returns the current market observation for the active symbol
func (c *Client) GetSignal(ctx context.Context) (*SignalSnapshot, error) {
	var out SignalSnapshot
	if err := c.do(ctx, http.MethodGet, "/signal", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMarketData returns recent bars for one symbol
func (c *Client) GetMarketData(ctx context.Context, symbol string) (*MarketDataResponse, error) {
	var out MarketDataResponse
	path := "/market/" + url.PathEscape(symbol)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNewsSignal returns the bridge's raw news feed snapshot
func (c *Client) GetNewsSignal(ctx context.Context) (*NewsSignal, error) {
	var out NewsSignal
	if err := c.do(ctx, http.MethodGet, "/signal/news", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEarningsCalendar returns upcoming earnings report dates for the
// given symbols, keyed by symbol.
func (c *Client) GetEarningsCalendar(ctx context.Context, symbols []string) (*EarningsCalendar, error) {
	var out EarningsCalendar
	path := "/earnings?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DryRunOrder validates an order payload without placing it. The bridge
// echoes the validated payload back.
func (c *Client) DryRunOrder(ctx context.Context, order map[string]interface{}) (*OrderResult, error) {
	var out OrderResult
	if err := c.do(ctx, http.MethodPost, "/order/dry-run", order, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceOrder submits an order. Same payload shape as the dry run.
func (c *Client) PlaceOrder(ctx context.Context, order map[string]interface{}) (*OrderResult, error) {
	var out OrderResult
	if err := c.do(ctx, http.MethodPost, "/order", order, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels a pending order by broker order id
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := "/order/" + url.PathEscape(orderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetPositions returns all open broker positions
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccount returns the broker account summary
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconnect asks the bridge to re-establish its broker session.
// Single attempt, no retry loop: the retry path calls this itself.
func (c *Client) Reconnect(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.doOnce(reqCtx, http.MethodPost, "/reconnect", nil, nil); err != nil {
		return fmt.Errorf("reconnect request failed: %w", err)
	}
	return nil
}

// RunDataOp drives a bridge-side data pipeline operation and surfaces
// the result. data-status is a read, everything else is a trigger.
func (c *Client) RunDataOp(ctx context.Context, op DataOp, params map[string]interface{}) (*DataOpResult, error) {
	var out DataOpResult

	switch op {
	case DataOpStatus:
		if err := c.do(ctx, http.MethodGet, "/data/status", nil, &out); err != nil {
			return nil, err
		}
	case DataOpPopulate, DataOpBacktests, DataOpSelectBest, DataOpFullPipeline:
		path := "/data/" + string(op)
		if err := c.do(ctx, http.MethodPost, path, params, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown data operation %q", op)
	}

	return &out, nil
}

// do runs one request with the retry policy: transport errors, timeouts
// and 5xx responses retry with 2,4,8,16,32 s backoff after the first
// call; 4xx responses are terminal. Retrying stops early when ctx is
// cancelled.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(2<<uint(attempt-1)) * c.backoffUnit
			c.log.Warn().
				Err(lastErr).
				Str("path", path).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Bridge call failed, retrying")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.doOnce(reqCtx, method, path, body, out)
		cancel()

		if err == nil {
			c.markSuccess()
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			// The bridge answered; connectivity is fine, the payload is not.
			c.markSuccess()
			return err
		}

		lastErr = err
		c.markFailure(ctx)

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
		}
	}

	c.log.Error().
		Err(lastErr).
		Str("path", path).
		Int("retries", c.maxRetries).
		Msg("Bridge unreachable after all retries")

	return fmt.Errorf("%w: %s after %d retries: %v", ErrBrokerUnavailable, path, c.maxRetries, lastErr)
}

// doOnce performs a single HTTP exchange
func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.passphrase != "" {
		req.Header.Set("X-Trader-Passphrase", c.passphrase)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// markSuccess flips the connected flag true and, if an outage was in
// progress, fires the reconnect handler once.
func (c *Client) markSuccess() {
	c.mu.Lock()
	recovered := !c.connected && c.sawOutage
	c.connected = true
	c.sawOutage = false
	c.mu.Unlock()

	if recovered {
		c.log.Info().Msg("Bridge connectivity restored")
		if c.onReconnected != nil {
			c.onReconnected()
		}
	}
}

// markFailure flips the connected flag false; the first failure of an
// outage triggers one reconnect request.
func (c *Client) markFailure(ctx context.Context) {
	c.mu.Lock()
	firstFailure := c.connected || !c.sawOutage
	c.connected = false
	c.sawOutage = true
	c.mu.Unlock()

	if firstFailure {
		c.tryReconnect(ctx)
	}
}

// tryReconnect is single-flight: concurrent callers queue on the mutex
// and find connectivity already restored instead of stampeding the
// bridge with reconnect requests.
func (c *Client) tryReconnect(ctx context.Context) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.IsConnected() {
		return
	}

	c.log.Warn().Msg("Bridge unreachable, requesting broker reconnect")
	if err := c.Reconnect(ctx); err != nil {
		c.log.Error().Err(err).Msg("Broker reconnect request failed")
		return
	}
	c.markSuccess()
}
