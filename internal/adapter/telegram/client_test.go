package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI answers Bot API methods under /bot<token>/<method>.
type fakeBotAPI struct {
	mu       sync.Mutex
	requests map[string][]map[string]string
	// failSend makes sendMessage answer with the given status and description.
	failSend   int
	failReason string
	updates    []map[string]any
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	fake := &fakeBotAPI{requests: make(map[string][]map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	params := make(map[string]string)
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}

	f.mu.Lock()
	f.requests[method] = append(f.requests[method], params)
	failSend, failReason := f.failSend, f.failReason
	var updates []map[string]any
	if method == "getUpdates" {
		updates = f.updates
		f.updates = nil
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{
			"id": 1, "is_bot": true, "first_name": "Bridge", "username": "bridge_bot",
		}})
	case "sendMessage":
		if failSend != 0 {
			w.WriteHeader(failSend)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": failSend, "description": failReason})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{
			"message_id": 10, "date": 0, "chat": map[string]any{"id": 5, "type": "private"},
		}})
	case "getUpdates":
		if updates == nil {
			updates = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": updates})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
	}
}

func (f *fakeBotAPI) calls(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method]
}

func newTestClient(t *testing.T, srv *httptest.Server, m *metrics.BreakerMetrics) *Client {
	t.Helper()
	c, err := NewClient(Config{Token: "123:abc", APIEndpoint: srv.URL + "/bot%s/%s", Metrics: m})
	require.NoError(t, err)
	return c
}

func TestNewClient_VerifiesToken(t *testing.T) {
	fake, srv := newFakeBotAPI(t)

	c := newTestClient(t, srv, nil)

	assert.Equal(t, "bridge_bot", c.Username())
	assert.Len(t, fake.calls("getMe"), 1)
}

func TestNewClient_InvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{Token: "bad", APIEndpoint: srv.URL + "/bot%s/%s"})
	assert.Error(t, err)
}

func TestSendText(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	c := newTestClient(t, srv, nil)

	require.NoError(t, c.SendText(context.Background(), 5, "hello"))

	sent := fake.calls("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "5", sent[0]["chat_id"])
	assert.Equal(t, "hello", sent[0]["text"])
}

func TestSendText_CancelledContext(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.SendText(ctx, 5, "hello"), context.Canceled)
	assert.Empty(t, fake.calls("sendMessage"))
}

func TestSendText_RejectionDoesNotTripBreaker(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	fake.failSend = http.StatusBadRequest
	fake.failReason = "Bad Request: chat not found"
	c := newTestClient(t, srv, nil)

	for range 10 {
		err := c.SendText(context.Background(), 5, "hello")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestSendText_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewBreakerMetrics(reg)
	c := newTestClient(t, srv, m)

	// Transport failures: the server is gone.
	srv.Close()

	for range breakerTripAfter {
		err := c.SendText(context.Background(), 5, "hello")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	err := c.SendText(context.Background(), 5, "hello")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, fake.calls("sendMessage"))

	assert.Equal(t, float64(metrics.BreakerOpen), testutil.ToFloat64(m.State.WithLabelValues("telegram")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateChanges.WithLabelValues("telegram", "open")))
}

func TestSetWebhook(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	c := newTestClient(t, srv, nil)

	require.NoError(t, c.SetWebhook(context.Background(), "https://bridge.example.com/webhooks/telegram", "s3cret"))

	calls := fake.calls("setWebhook")
	require.Len(t, calls, 1)
	assert.Equal(t, "https://bridge.example.com/webhooks/telegram", calls[0]["url"])
	assert.Equal(t, "s3cret", calls[0]["secret_token"])
}

func TestPoll_DeliversTextUpdatesUntilCancelled(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	fake.updates = []map[string]any{
		{"update_id": 1, "message": map[string]any{
			"message_id": 7, "date": 0, "text": "hi there",
			"chat": map[string]any{"id": 5, "type": "private"},
			"from": map[string]any{"id": 9, "is_bot": false, "first_name": "Anna"},
		}},
		{"update_id": 2, "message": map[string]any{
			"message_id": 8, "date": 0,
			"chat": map[string]any{"id": 5, "type": "private"},
		}},
	}
	c := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Poll(ctx, func(_ context.Context, msg domain.ChatMessage) {
			received <- msg.Text
		})
	}()

	select {
	case text := <-received:
		assert.Equal(t, "hi there", text)
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop")
	}

	assert.Len(t, fake.calls("deleteWebhook"), 1)
	assert.Empty(t, received, "update without text is skipped")
}
