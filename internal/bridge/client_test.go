package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/metrics"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.BridgeConfig{
		URL:           srv.URL,
		CallTimeout:   2 * time.Second,
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		SendRate:      1000,
	}
	return NewClient(cfg, nil), srv
}

func TestSend(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"success":true,"message_id":"abc123"}`))
	}))

	id, err := c.Send(context.Background(), "1234@s.whatsapp.net", "hola")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestSendRejected(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"not paired"}`))
	}))

	_, err := c.Send(context.Background(), "1234@s.whatsapp.net", "hola")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindValidation, be.Kind)
}

func TestSendAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"success":true,"message_id":"x"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BridgeConfig{
		URL: srv.URL, APIKey: "secret",
		CallTimeout: time.Second, BaseDelay: time.Millisecond, SendRate: 1000,
	}, nil)

	_, err := c.Send(context.Background(), "1234@s.whatsapp.net", "hola")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"connected":true}`))
	}))

	info, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Connected)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))

	_, err := c.Status(context.Background())
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindHTTP4xx, be.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPingAliveOn400(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "recipient is required", http.StatusBadRequest)
	}))

	require.NoError(t, c.Ping(context.Background()))
	// An HTTP answer resolves the check without another attempt.
	assert.Equal(t, int32(1), calls.Load())
}

func TestPingAliveOn500(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))

	require.NoError(t, c.Ping(context.Background()))
}

func TestPingDownOnConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(config.BridgeConfig{
		URL: srv.URL, CallTimeout: time.Second, BaseDelay: time.Millisecond, SendRate: 1000,
	}, nil)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		status    string
		available bool
		connected bool
	}{
		{
			name: "connected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/status" {
					w.Write([]byte(`{"connected":true}`))
					return
				}
				http.Error(w, "recipient is required", http.StatusBadRequest)
			},
			status:    StatusConnected,
			available: true,
			connected: true,
		},
		{
			name: "bridge up but whatsapp down",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/status" {
					w.Write([]byte(`{"connected":false}`))
					return
				}
				http.Error(w, "recipient is required", http.StatusBadRequest)
			},
			status:    StatusDisconnected,
			available: true,
			connected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testClient(t, tt.handler)
			h := c.HealthCheck(context.Background())
			assert.Equal(t, tt.status, h.Status)
			assert.Equal(t, tt.available, h.BridgeAvailable)
			assert.Equal(t, tt.connected, h.WhatsAppConnected)
		})
	}
}

func TestHealthCheckBridgeDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(config.BridgeConfig{
		URL: srv.URL, CallTimeout: time.Second, BaseDelay: time.Millisecond, SendRate: 1000,
	}, nil)

	h := c.HealthCheck(context.Background())
	assert.Equal(t, StatusBridgeDown, h.Status)
	assert.False(t, h.BridgeAvailable)
}

func TestChatsAndHistory(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chats":
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			w.Write([]byte(`[{"jid":"1234@s.whatsapp.net","name":"Ana"}]`))
		case "/api/history":
			assert.Equal(t, "1234@s.whatsapp.net", r.URL.Query().Get("chat_jid"))
			w.Write([]byte(`[{"id":"m1","chat_jid":"1234@s.whatsapp.net","content":"hola"}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	chats, err := c.Chats(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "Ana", chats[0].Name)

	msgs, err := c.History(context.Background(), "1234@s.whatsapp.net", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hola", msgs[0].Content)
}

func TestMockRecordsSends(t *testing.T) {
	m := NewMock(nil)

	id, err := m.Send(context.Background(), "1234@s.whatsapp.net", "hola")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hola", sent[0].Content)

	h := m.HealthCheck(context.Background())
	assert.Equal(t, StatusConnected, h.Status)

	m.SetConnected(false)
	h = m.HealthCheck(context.Background())
	assert.Equal(t, StatusDisconnected, h.Status)
}

func TestPingRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection mid-request to simulate a transient
			// network failure.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"recipient is required"}`))
	}))

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBridgeCallOutcomesCounted(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"success":true,"message_id":"abc123"}`))
		}
	}))
	m := metrics.New()
	c.SetMetrics(m)

	_, err := c.Send(context.Background(), "1234@s.whatsapp.net", "hola")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeCalls.WithLabelValues("send", "success")))

	// A failing endpoint counts one attempt per retry.
	status.Store(http.StatusInternalServerError)
	_, err = c.Chats(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BridgeCalls.WithLabelValues("chats", "http_5xx")))
}
