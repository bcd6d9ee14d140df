package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/metrics"
)

// Health statuses reported by HealthCheck.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusBridgeDown   = "bridge_down"
	StatusError        = "error"
)

// Health carries the two orthogonal liveness bits: the bridge process
// answering HTTP, and the WhatsApp link behind it being up.
type Health struct {
	Status            string `json:"status"`
	BridgeAvailable   bool   `json:"bridge_available"`
	WhatsAppConnected bool   `json:"whatsapp_connected"`
	Details           string `json:"details,omitempty"`
}

// ConnectionInfo is the bridge's /api/status payload.
type ConnectionInfo struct {
	Connected bool           `json:"connected"`
	UserInfo  map[string]any `json:"user_info,omitempty"`
}

// Chat is one row of the bridge's chat list.
type Chat struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// Message is one row of the bridge's chat history.
type Message struct {
	ID        string    `json:"id"`
	ChatJID   string    `json:"chat_jid"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MediaType string    `json:"media_type,omitempty"`
	IsFromMe  bool      `json:"is_from_me"`
}

// Client speaks HTTP/JSON to the bridge daemon. Every call carries a
// per-call timeout and a jittered exponential retry on transient
// failures; outbound sends additionally pass a pacing limiter.
type Client struct {
	baseURL string
	apiKey  string
	cfg     config.BridgeConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a bridge client from configuration.
func NewClient(cfg config.BridgeConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = 5
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(sendRate), 1),
		log:     log,
	}
}

// SetMetrics attaches the instrument set; every HTTP attempt is then
// counted by operation and outcome.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	MediaPath string `json:"media_path,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

// Send delivers a text message and returns the bridge's message id.
func (c *Client) Send(ctx context.Context, address, text string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTimeout, Op: "send", Err: err}
	}
	var resp sendResponse
	err := c.do(ctx, "send", http.MethodPost, "/api/send", sendRequest{Recipient: address, Message: text}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &Error{Kind: KindValidation, Op: "send", Err: fmt.Errorf("bridge rejected send: %s", resp.Message)}
	}
	return resp.MessageID, nil
}

// SendMedia delivers a local media file with a caption.
func (c *Client) SendMedia(ctx context.Context, address, localPath, caption string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTimeout, Op: "send_media", Err: err}
	}
	var resp sendResponse
	err := c.do(ctx, "send_media", http.MethodPost, "/api/send",
		sendRequest{Recipient: address, Message: caption, MediaPath: localPath}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &Error{Kind: KindValidation, Op: "send_media", Err: fmt.Errorf("bridge rejected media: %s", resp.Message)}
	}
	return resp.MessageID, nil
}

// DownloadMedia asks the bridge to materialize a message's media and
// returns the local path.
func (c *Client) DownloadMedia(ctx context.Context, messageID, chatJID string) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		Path    string `json:"path"`
		Message string `json:"message"`
	}
	err := c.do(ctx, "download", http.MethodPost, "/api/download",
		map[string]string{"message_id": messageID, "chat_jid": chatJID}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &Error{Kind: KindValidation, Op: "download", Err: fmt.Errorf("bridge rejected download: %s", resp.Message)}
	}
	return resp.Path, nil
}

// SetTyping toggles the typing indicator for a chat.
func (c *Client) SetTyping(ctx context.Context, address string, on bool) error {
	return c.do(ctx, "typing", http.MethodPost, "/api/typing",
		map[string]any{"jid": address, "isTyping": on}, nil)
}

// MarkRead sends a read receipt for one message.
func (c *Client) MarkRead(ctx context.Context, address, messageID string) error {
	return c.do(ctx, "read", http.MethodPost, "/api/read",
		map[string]string{"jid": address, "messageId": messageID}, nil)
}

// Chats fetches the latest chats over HTTP.
func (c *Client) Chats(ctx context.Context, limit int) ([]Chat, error) {
	var out []Chat
	path := fmt.Sprintf("/api/chats?limit=%d", limit)
	if err := c.do(ctx, "chats", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the latest messages of one chat over HTTP.
func (c *Client) History(ctx context.Context, jid string, limit int) ([]Message, error) {
	var out []Message
	path := fmt.Sprintf("/api/history?chat_jid=%s&limit=%d", url.QueryEscape(jid), limit)
	if err := c.do(ctx, "history", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QR returns the current pairing QR string, or "" when no pairing is
// pending.
func (c *Client) QR(ctx context.Context) (string, error) {
	var resp struct {
		QR string `json:"qr"`
	}
	if err := c.do(ctx, "qr", http.MethodGet, "/api/qr", nil, &resp); err != nil {
		return "", err
	}
	return resp.QR, nil
}

// Status returns the bridge's view of the WhatsApp connection.
func (c *Client) Status(ctx context.Context) (ConnectionInfo, error) {
	var info ConnectionInfo
	if err := c.do(ctx, "status", http.MethodGet, "/api/status", nil, &info); err != nil {
		return ConnectionInfo{}, err
	}
	return info, nil
}

// Disconnect asks the bridge to drop the WhatsApp session.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, "disconnect", http.MethodPost, "/api/disconnect", nil, nil)
}

// Ping probes bridge liveness with a deliberately invalid send. A 400
// carrying the recipient-required signal, or any 500, means the bridge
// process answered; only connection-level failures that survive the
// retry budget mean it is down.
func (c *Client) Ping(ctx context.Context) error {
	return backoff.Retry(func() error {
		err := c.attempt(ctx, "ping", http.MethodPost, "/api/send", sendRequest{}, nil)
		if err == nil {
			return nil
		}
		var be *Error
		if errors.As(err, &be) {
			switch be.Kind {
			case KindHTTP4xx, KindHTTP5xx, KindValidation, KindProtocol:
				// The process answered; that is all the probe asks.
				return nil
			}
		}
		c.log.Debug("ping failed, will retry", "error", err)
		return err
	}, c.retryPolicy(ctx))
}

// HealthCheck combines the liveness probe and the connection status
// into the two orthogonal bits.
func (c *Client) HealthCheck(ctx context.Context) Health {
	if err := c.Ping(ctx); err != nil {
		return Health{
			Status:          StatusBridgeDown,
			BridgeAvailable: false,
			Details:         err.Error(),
		}
	}

	info, err := c.Status(ctx)
	if err != nil {
		return Health{
			Status:          StatusError,
			BridgeAvailable: true,
			Details:         err.Error(),
		}
	}
	h := Health{
		BridgeAvailable:   true,
		WhatsAppConnected: info.Connected,
	}
	if info.Connected {
		h.Status = StatusConnected
	} else {
		h.Status = StatusDisconnected
	}
	return h
}

// retryPolicy builds the jittered exponential policy capped at
// MaxRetries retries.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	if c.cfg.BackoffFactor > 1 {
		bo.Multiplier = c.cfg.BackoffFactor
	}
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)
}

// do runs one logical call under the retry policy, retrying only
// retryable kinds.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	return backoff.Retry(func() error {
		err := c.attempt(ctx, op, method, path, body, out)
		if err == nil {
			return nil
		}
		var be *Error
		if errors.As(err, &be) && !be.IsRetryable() {
			return backoff.Permanent(err)
		}
		c.log.Debug("bridge call failed, will retry", "op", op, "error", err)
		return err
	}, c.retryPolicy(ctx))
}

// attempt performs a single HTTP exchange and counts the outcome.
func (c *Client) attempt(ctx context.Context, op, method, path string, body, out any) error {
	err := c.exchange(ctx, op, method, path, body, out)
	if c.metrics != nil {
		c.metrics.BridgeCalls.WithLabelValues(op, callOutcome(err)).Inc()
	}
	return err
}

func callOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var be *Error
	if errors.As(err, &be) {
		return string(be.Kind)
	}
	return "error"
}

// exchange is one HTTP round trip with the per-call timeout.
func (c *Client) exchange(ctx context.Context, op, method, path string, body, out any) error {
	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindNetwork
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return &Error{Kind: KindHTTP5xx, Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("server error: %s", strings.TrimSpace(string(data)))}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindHTTP4xx, Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("client error: %s", strings.TrimSpace(string(data)))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Err: err}
		}
	}
	return nil
}
