package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/screa/ip-hunter/internal/logger"
)

// DefaultTelegramAPI is the Bot API base URL
const DefaultTelegramAPI = "https://api.telegram.org"

// ErrTelegramDisabled is returned when no chat is configured
var ErrTelegramDisabled = errors.New("telegram chat id not configured")

// Telegram sends events to one chat and long-polls it for commands
type Telegram struct {
	token       string
	chatID      string
	apiURL      string
	http        *http.Client
	pollTimeout time.Duration
	retryDelay  time.Duration
	log         *logger.Logger
}

// TelegramOption configures a Telegram notifier
type TelegramOption func(*Telegram)

// WithAPIURL points the client at another Bot API server
func WithAPIURL(u string) TelegramOption {
	return func(t *Telegram) {
		if u != "" {
			t.apiURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) { t.http = c }
}

// WithPollTimeout sets the getUpdates long-poll timeout
func WithPollTimeout(d time.Duration) TelegramOption {
	return func(t *Telegram) { t.pollTimeout = d }
}

// WithRetryDelay sets the pause after a failed poll
func WithRetryDelay(d time.Duration) TelegramOption {
	return func(t *Telegram) { t.retryDelay = d }
}

// WithLogger sets the logger used for listener errors
func WithLogger(l *logger.Logger) TelegramOption {
	return func(t *Telegram) { t.log = l }
}

// NewTelegram creates a Telegram notifier for the bot token and chat
func NewTelegram(token, chatID string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:       token,
		chatID:      chatID,
		apiURL:      DefaultTelegramAPI,
		http:        &http.Client{Timeout: 30 * time.Second},
		pollTimeout: 10 * time.Second,
		retryDelay:  5 * time.Second,
		log:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *Telegram) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, name)
}

func (t *Telegram) call(req *http.Request, out any) error {
	resp, err := t.http.Do(req)
	if err != nil {
		// the request URL carries the bot token
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("telegram: %s %s: %w", ue.Op, path.Base(req.URL.Path), ue.Err)
		}
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ar); err != nil {
		return fmt.Errorf("telegram: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !ar.OK {
		return fmt.Errorf("telegram: HTTP %d: %s", resp.StatusCode, ar.Description)
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// Send posts an HTML message to the configured chat
func (t *Telegram) Send(ctx context.Context, text string) error {
	if t.chatID == "" {
		return ErrTelegramDisabled
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.call(req, nil)
}

func (t *Telegram) Notify(ctx context.Context, e Event) error {
	return t.Send(ctx, FormatEvent(e))
}

func (t *Telegram) updates(ctx context.Context, offset int64) ([]update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(t.pollTimeout.Seconds())))

	ctx, cancel := context.WithTimeout(ctx, t.pollTimeout+10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.method("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	var out []update
	if err := t.call(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Listen long-polls for commands from the configured chat and replies to
// each through h. Messages from other chats are ignored. It returns when ctx is done.
func (t *Telegram) Listen(ctx context.Context, h Handler) error {
	if t.chatID == "" {
		return ErrTelegramDisabled
	}

	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := t.updates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Debug("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.retryDelay):
			}
			continue
		}

		for _, u := range batch {
			offset = max(offset, u.UpdateID+1)
			if u.Message == nil || strconv.FormatInt(u.Message.Chat.ID, 10) != t.chatID {
				continue
			}
			cmd := ParseCommand(u.Message.Text)
			if cmd == CommandUnknown {
				continue
			}
			if err := t.Send(ctx, h(ctx, cmd)); err != nil {
				t.log.Warn("telegram reply failed", "error", err)
			}
		}
	}
}
