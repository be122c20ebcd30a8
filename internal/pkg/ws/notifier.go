package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qs3c/reportflow/internal/pkg/auth"
)

// NotifyPath 通知 websocket 的路由
const NotifyPath = "/api/notifications/ws"

// Notifier 实时通知客户端，由调用方显式创建和关闭
type Notifier struct {
	url     string
	tokens  auth.TokenSupplier
	handler func(*Message)
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	userID int64
	done   chan struct{}
}

// NotifyURL notifyURL 为空时由后端地址推出
func NotifyURL(baseURL, notifyURL string) string {
	if notifyURL != "" {
		return notifyURL
	}
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + NotifyPath
}

func NewNotifier(notifyURL string, tokens auth.TokenSupplier, handler func(*Message)) *Notifier {
	return &Notifier{
		url:     notifyURL,
		tokens:  tokens,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect 建立连接并开始投递消息，已有连接会先关闭
func (n *Notifier) Connect(ctx context.Context, userID int64) error {
	n.Disconnect()

	token, err := n.tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to get notification token: %w", err)
	}

	u, err := url.Parse(n.url)
	if err != nil {
		return fmt.Errorf("invalid notify url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := n.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect notifications: %w", err)
	}

	done := make(chan struct{})
	n.mu.Lock()
	n.conn = conn
	n.userID = userID
	n.done = done
	n.mu.Unlock()

	go n.readLoop(conn, done)
	log.Printf("User %d: notifications connected", userID)
	return nil
}

// Disconnect 关闭连接并等待读循环退出，之后不再回调
func (n *Notifier) Disconnect() {
	n.mu.Lock()
	conn, done, userID := n.conn, n.done, n.userID
	n.conn, n.done = nil, nil
	n.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
	log.Printf("User %d: notifications disconnected", userID)
}

// Connected 是否有活动连接
func (n *Notifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// readLoop handler 里不能调用 Disconnect
func (n *Notifier) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		// 服务端断开时释放连接
		n.mu.Lock()
		if n.conn == conn {
			n.conn, n.done = nil, nil
			conn.Close()
		}
		n.mu.Unlock()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // 忽略解析错误
		}

		// 连接已被替换或关闭时丢弃
		n.mu.Lock()
		current := n.conn == conn
		n.mu.Unlock()
		if !current {
			return
		}

		if n.handler != nil {
			n.handler(&msg)
		}
	}
}
