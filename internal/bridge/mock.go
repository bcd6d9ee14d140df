package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// API is the surface the rest of the bot needs from a bridge. Client
// implements it against the HTTP daemon; Mock implements it in memory.
type API interface {
	Send(ctx context.Context, address, text string) (string, error)
	SendMedia(ctx context.Context, address, localPath, caption string) (string, error)
	DownloadMedia(ctx context.Context, messageID, chatJID string) (string, error)
	SetTyping(ctx context.Context, address string, on bool) error
	MarkRead(ctx context.Context, address, messageID string) error
	Chats(ctx context.Context, limit int) ([]Chat, error)
	History(ctx context.Context, jid string, limit int) ([]Message, error)
	QR(ctx context.Context) (string, error)
	Status(ctx context.Context) (ConnectionInfo, error)
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
	HealthCheck(ctx context.Context) Health
}

var (
	_ API = (*Client)(nil)
	_ API = (*Mock)(nil)
)

// Mock is an in-memory bridge used when MOCK_WHATSAPP is set. Sends
// are logged and recorded instead of going out.
type Mock struct {
	mu        sync.Mutex
	sent      []Message
	history   map[string][]Message
	connected bool
	nextID    int
	log       *slog.Logger
}

// NewMock creates a connected in-memory bridge.
func NewMock(log *slog.Logger) *Mock {
	if log == nil {
		log = slog.Default()
	}
	return &Mock{
		history:   make(map[string][]Message),
		connected: true,
		log:       log,
	}
}

func (m *Mock) record(address, text, mediaType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg := Message{
		ID:        fmt.Sprintf("mock-%d", m.nextID),
		ChatJID:   address,
		Sender:    "me",
		Content:   text,
		Timestamp: time.Now(),
		MediaType: mediaType,
		IsFromMe:  true,
	}
	m.sent = append(m.sent, msg)
	m.history[address] = append(m.history[address], msg)
	return msg.ID
}

// Sent returns a copy of every message recorded so far.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SetConnected flips the simulated WhatsApp link.
func (m *Mock) SetConnected(on bool) {
	m.mu.Lock()
	m.connected = on
	m.mu.Unlock()
}

func (m *Mock) Send(_ context.Context, address, text string) (string, error) {
	id := m.record(address, text, "")
	m.log.Info("mock send", "to", address, "text", text)
	return id, nil
}

func (m *Mock) SendMedia(_ context.Context, address, localPath, caption string) (string, error) {
	id := m.record(address, caption, "document")
	m.log.Info("mock send media", "to", address, "path", localPath)
	return id, nil
}

func (m *Mock) DownloadMedia(_ context.Context, messageID, _ string) (string, error) {
	return "/tmp/mock-media-" + messageID, nil
}

func (m *Mock) SetTyping(_ context.Context, address string, on bool) error {
	m.log.Debug("mock typing", "to", address, "on", on)
	return nil
}

func (m *Mock) MarkRead(_ context.Context, _, _ string) error { return nil }

func (m *Mock) Chats(_ context.Context, limit int) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chat, 0, len(m.history))
	for jid, msgs := range m.history {
		c := Chat{JID: jid, Name: jid}
		if n := len(msgs); n > 0 {
			c.LastMessageTime = msgs[n-1].Timestamp
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Mock) History(_ context.Context, jid string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[jid]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Mock) QR(_ context.Context) (string, error) { return "", nil }

func (m *Mock) Status(_ context.Context) (ConnectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionInfo{Connected: m.connected}, nil
}

func (m *Mock) Disconnect(_ context.Context) error {
	m.SetConnected(false)
	return nil
}

func (m *Mock) Ping(_ context.Context) error { return nil }

func (m *Mock) HealthCheck(_ context.Context) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{BridgeAvailable: true, WhatsAppConnected: m.connected}
	if m.connected {
		h.Status = StatusConnected
	} else {
		h.Status = StatusDisconnected
	}
	return h
}
