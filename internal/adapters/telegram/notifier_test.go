package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoBracketBot/internal/ports"
)

type fakeTelegram struct {
	mu       sync.Mutex
	messages []string
	chatIDs  []string
	failSend bool
}

func (f *fakeTelegram) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bracket","username":"bracket_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.mu.Lock()
			fail := f.failSend
			if !fail {
				f.messages = append(f.messages, r.Form.Get("text"))
				f.chatIDs = append(f.chatIDs, r.Form.Get("chat_id"))
			}
			f.mu.Unlock()
			if fail {
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeTelegram) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Token: "t", ChatID: 1})
	assert.Error(t, err)

	_, err = New(Config{ChatID: 1, Logger: ports.NopLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(Config{Token: "t", Logger: ports.NopLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	fake := &fakeTelegram{}
	srv := fake.serve(t)

	n, err := New(Config{Token: "123:abc", ChatID: 42, APIEndpoint: srv.URL + "/bot%s/%s", Logger: ports.NopLogger{}})
	require.NoError(t, err)

	n.Notify(context.Background(), "✅ BTCUSDT long opened")
	n.Notify(context.Background(), "🏁 BTCUSDT long closed (take_profit)")
	n.Close()

	assert.Equal(t, []string{"✅ BTCUSDT long opened", "🏁 BTCUSDT long closed (take_profit)"}, fake.sent())
	assert.Equal(t, []string{"42", "42"}, fake.chatIDs)
}

func TestNotifier_SendFailureDoesNotPanic(t *testing.T) {
	fake := &fakeTelegram{failSend: true}
	srv := fake.serve(t)

	n, err := New(Config{Token: "123:abc", ChatID: 42, APIEndpoint: srv.URL + "/bot%s/%s", Logger: ports.NopLogger{}})
	require.NoError(t, err)

	n.Notify(context.Background(), "lost")
	n.Close()
	assert.Empty(t, fake.sent())
}

func TestNotifier_NotifyAfterCloseIsDropped(t *testing.T) {
	fake := &fakeTelegram{}
	srv := fake.serve(t)

	n, err := New(Config{Token: "123:abc", ChatID: 42, APIEndpoint: srv.URL + "/bot%s/%s", Logger: ports.NopLogger{}})
	require.NoError(t, err)
	n.Close()
	n.Close()

	assert.NotPanics(t, func() { n.Notify(context.Background(), "late") })
	assert.Empty(t, fake.sent())
}
