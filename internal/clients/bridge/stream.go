package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	streamDialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// MarketStream consumes the bridge's real-time quote push channel at
// /stream. Quotes arrive one JSON object per text frame and are handed to
// the onQuote callback in arrival order. After the first connect the stream
// reconnects on its own with capped exponential backoff until Stop is called.
type MarketStream struct {
	url        string
	header     http.Header
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	onQuote func(domain.Quote)
	log     zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// streamHTTPClient returns a client that only advertises http/1.1 in ALPN.
// A TLS-terminating proxy in front of the bridge would otherwise negotiate
// HTTP/2, which breaks the WebSocket upgrade handshake.
func streamHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// streamURL converts the bridge HTTP base URL into the WebSocket endpoint.
func streamURL(baseURL, path string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + path
}

// SubscribeMarketStream opens the quote stream and delivers every quote to
// onQuote. If the initial dial fails the stream keeps retrying in the
// background and the returned error reports the first attempt only; the
// returned stream is usable either way and is shut down with Stop.
func (c *Client) SubscribeMarketStream(ctx context.Context, onQuote func(domain.Quote)) (*MarketStream, error) {
	s := &MarketStream{
		url:        streamURL(c.baseURL, c.streamPath),
		httpClient: streamHTTPClient(),
		onQuote:    onQuote,
		log:        c.log.With().Str("component", "market_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
	if c.passphrase != "" {
		s.header = http.Header{"X-Trader-Passphrase": []string{c.passphrase}}
	}
	return s, s.start(ctx)
}

// start dials the stream and launches the read loop. A failed dial hands
// control to the reconnect loop instead of giving up.
func (s *MarketStream) start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Initial market stream connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	connCtx := s.connCtx
	s.mu.RUnlock()
	go s.readLoop(connCtx)

	return nil
}

// Stop shuts the stream down. Safe to call more than once.
func (s *MarketStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("Stopping market stream")
	close(s.stopChan)

	return s.disconnect()
}

// IsConnected reports whether the stream currently holds a live connection.
func (s *MarketStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MarketStream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, streamDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: s.header,
	})
	if err != nil {
		return fmt.Errorf("failed to dial market stream: %w", err)
	}

	// Long-lived context for reads, cancelled on disconnect.
	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	s.log.Info().Str("url", s.url).Msg("Connected to bridge market stream")
	return nil
}

func (s *MarketStream) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false

	if err != nil {
		return fmt.Errorf("error closing market stream: %w", err)
	}
	return nil
}

// readLoop drains frames until the connection dies, then hands off to the
// reconnect loop unless Stop was called.
func (s *MarketStream) readLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			s.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			s.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("Market stream closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Read cancelled by context")
			} else {
				s.log.Error().Err(err).Msg("Unexpected market stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			s.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		var quote domain.Quote
		if err := json.Unmarshal(message, &quote); err != nil {
			// Keep reading; one bad frame must not kill the stream.
			s.log.Warn().Err(err).Str("message", string(message)).Msg("Failed to decode quote frame")
			continue
		}
		if quote.Symbol == "" {
			s.log.Debug().Str("message", string(message)).Msg("Ignoring frame without symbol")
			continue
		}
		if quote.Timestamp.IsZero() {
			quote.Timestamp = time.Now()
		}

		s.onQuote(quote)
	}
}

// reconnectLoop re-establishes the connection with exponential backoff.
// Only one loop runs at a time; extra triggers return immediately.
func (s *MarketStream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			s.log.Info().Msg("Reconnect loop stopped")
			return
		default:
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := streamBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting market stream reconnect")
		} else {
			s.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Market stream reconnect attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(context.Background()); err != nil {
			s.log.Error().Err(err).
				Int("attempt", attempt).
				Msg("Market stream reconnect failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("Market stream reconnected")
		attempt = 0

		s.mu.RLock()
		connCtx := s.connCtx
		s.mu.RUnlock()
		go s.readLoop(connCtx)
		return
	}
}

// streamBackoff returns baseReconnectDelay * 2^(attempt-1) capped at
// maxReconnectDelay.
func streamBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
