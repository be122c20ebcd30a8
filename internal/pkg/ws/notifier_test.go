package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/notifications/ws", NotifyURL("http://localhost:8080/", ""))
	assert.Equal(t, "wss://api.test/api/notifications/ws", NotifyURL("https://api.test", ""))
	assert.Equal(t, "ws://other/ws", NotifyURL("http://api.test", "ws://other/ws"))
}

// newNotifyServer 用 token 当作用户 id 注册到 hub
func newNotifyServer(t *testing.T, hub *Hub, tokens chan<- string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, NotifyPath, r.URL.Path)
		if tokens != nil {
			tokens <- r.URL.Query().Get("token")
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &Client{UserID: 42, Conn: conn}
		hub.Register(client)
		go func() {
			defer hub.Unregister(client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
}

func TestNotifier_ConnectAndReceive(t *testing.T) {
	hub := NewHub()
	tokens := make(chan string, 1)
	srv := newNotifyServer(t, hub, tokens)
	defer srv.Close()

	received := make(chan *Message, 1)
	n := NewNotifier(NotifyURL(srv.URL, ""), func(ctx context.Context) (string, error) {
		return "tok-1", nil
	}, func(msg *Message) {
		received <- msg
	})

	require.NoError(t, n.Connect(context.Background(), 42))
	defer n.Disconnect()
	assert.Equal(t, "tok-1", <-tokens)
	assert.True(t, n.Connected())

	require.Eventually(t, func() bool { return hub.IsOnline(42) }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.NotifyJob(42, TypeJobCompleted, &JobNotification{JobID: "job-9"}))

	select {
	case msg := <-received:
		assert.Equal(t, TypeJobCompleted, msg.Type)
		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "job-9", data["job_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for notification")
	}
}

func TestNotifier_SecondConnectReplacesFirst(t *testing.T) {
	hub := NewHub()
	srv := newNotifyServer(t, hub, nil)
	defer srv.Close()

	n := NewNotifier(NotifyURL(srv.URL, ""), func(ctx context.Context) (string, error) {
		return "tok", nil
	}, nil)

	require.NoError(t, n.Connect(context.Background(), 42))
	require.NoError(t, n.Connect(context.Background(), 42))
	defer n.Disconnect()

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotifier_DisconnectStopsDelivery(t *testing.T) {
	hub := NewHub()
	srv := newNotifyServer(t, hub, nil)
	defer srv.Close()

	var mu sync.Mutex
	count := 0
	n := NewNotifier(NotifyURL(srv.URL, ""), func(ctx context.Context) (string, error) {
		return "tok", nil
	}, func(*Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, n.Connect(context.Background(), 42))
	require.Eventually(t, func() bool { return hub.IsOnline(42) }, time.Second, 10*time.Millisecond)

	n.Disconnect()
	assert.False(t, n.Connected())
	require.Eventually(t, func() bool { return !hub.IsOnline(42) }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifyJob(42, TypeJobCompleted, &JobNotification{JobID: "late"}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestNotifier_TokenFailure(t *testing.T) {
	n := NewNotifier("ws://127.0.0.1:1"+NotifyPath, func(ctx context.Context) (string, error) {
		return "", errors.New("no session")
	}, nil)

	err := n.Connect(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "token"))
	assert.False(t, n.Connected())
}
