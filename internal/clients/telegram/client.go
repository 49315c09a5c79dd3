// Package telegram is the notification and command transport. Outbound
// messages are fire-and-forget. Inbound commands arrive over a
// getUpdates long poll restricted to a single configured chat; messages
// from anyone else are logged as warning events and never answered.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
)

// Telegram caps messages at 4096 chars; stay under it with headroom for
// the part prefix.
const messageChunkSize = 3900

const pollErrorBackoff = 5 * time.Second

// Handler produces the reply text for one inbound command message.
// An empty reply sends nothing.
type Handler func(ctx context.Context, text string) string

// EventRecorder writes audit events for rejected senders
type EventRecorder interface {
	Create(ev *domain.Event) error
}

// Config holds Telegram transport configuration
type Config struct {
	APIBase     string
	Token       string
	ChatID      string
	PollTimeout time.Duration
}

// Client is the Telegram bot API client
type Client struct {
	apiBase     string
	token       string
	chatID      int64
	pollTimeout time.Duration
	httpClient  *http.Client
	events      EventRecorder
	log         zerolog.Logger
	enabled     bool
}

// NewClient creates a new Telegram client. Without a token and a
// numeric chat id the client is disabled: Notify becomes a no-op and
// Listen returns immediately.
func NewClient(cfg Config, events EventRecorder, log zerolog.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}

	clientLog := log.With().Str("client", "telegram").Logger()

	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil && cfg.ChatID != "" {
		clientLog.Error().Str("chat_id", cfg.ChatID).Msg("Telegram chat id is not numeric, transport disabled")
	}

	return &Client{
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		token:       cfg.Token,
		chatID:      chatID,
		pollTimeout: cfg.PollTimeout,
		// The poll request is held open server-side; the HTTP timeout
		// must outlive it.
		httpClient: &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		events:     events,
		log:        clientLog,
		enabled:    cfg.Token != "" && chatID != 0,
	}
}

// Enabled reports whether the transport is configured
func (c *Client) Enabled() bool {
	return c.enabled
}

// Notify sends text to the configured chat, splitting anything over the
// Telegram size cap into parts. Fire and forget: failures are logged,
// never retried.
func (c *Client) Notify(text string) {
	if !c.enabled || text == "" {
		return
	}

	chunks := splitMessage(text, messageChunkSize)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("(%d/%d)\n%s", i+1, len(chunks), chunk)
		}
		if err := c.sendMessage(context.Background(), chunk); err != nil {
			c.log.Error().Err(err).Msg("Failed to send Telegram message")
			return
		}
	}
}

func (c *Client) sendMessage(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Listen long-polls getUpdates and dispatches each authorized message
// to handler, sending any non-empty reply back. Blocks until ctx is
// cancelled; run it on its own goroutine.
func (c *Client) Listen(ctx context.Context, handler Handler) {
	if !c.enabled {
		c.log.Info().Msg("Telegram transport disabled, command listener not started")
		return
	}

	c.log.Info().Int64("chat_id", c.chatID).Msg("Telegram command listener started")

	var offset int64
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Telegram command listener stopped")
			return
		default:
		}

		updates, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("Telegram command listener stopped")
				return
			}
			c.log.Warn().Err(err).Msg("getUpdates failed, backing off")
			select {
			case <-time.After(pollErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			// Monotonic offset: anything below it was already handled.
			if u.UpdateID < offset {
				continue
			}
			offset = u.UpdateID + 1

			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}

			if u.Message.Chat.ID != c.chatID {
				c.rejectSender(u)
				continue
			}

			reply := handler(ctx, strings.TrimSpace(u.Message.Text))
			if reply != "" {
				c.Notify(reply)
			}
		}
	}
}

// rejectSender records an unauthorized message. No reply is sent: the
// bot stays invisible to strangers.
func (c *Client) rejectSender(u update) {
	from := ""
	if u.Message.From != nil {
		from = u.Message.From.Username
	}

	c.log.Warn().
		Int64("chat_id", u.Message.Chat.ID).
		Str("from", from).
		Msg("Ignored Telegram message from unauthorized chat")

	if c.events == nil {
		return
	}

	details, _ := json.Marshal(map[string]interface{}{
		"chat_id": u.Message.Chat.ID,
		"from":    from,
	})
	ev := &domain.Event{
		Type:        domain.EventWarning,
		Category:    "telegram",
		Component:   "telegram_listener",
		Message:     "unauthorized telegram sender ignored",
		DetailsJSON: string(details),
	}
	if err := c.events.Create(ev); err != nil {
		c.log.Error().Err(err).Msg("Failed to record unauthorized sender event")
	}
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", c.apiBase, c.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	var out updatesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram API error: %s", out.Description)
	}

	return out.Result, nil
}

// splitMessage cuts text into chunks of at most size bytes, preferring
// newline boundaries.
func splitMessage(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	for len(text) > size {
		cut := size
		if idx := strings.LastIndexByte(text[:size], '\n'); idx > size/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Wire types for the bot API

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description,omitempty"`
	Result      []update `json:"result"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from"`
	Chat      chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type chat struct {
	ID int64 `json:"id"`
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}
