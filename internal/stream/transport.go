package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qs3c/reportflow/internal/model/dto"
)

// Conn 一条推送连接
type Conn interface {
	// Next 阻塞直到收到下一条消息，连接断开时返回错误
	Next() (dto.StreamMessage, error)
	Close() error
}

// Transport 打开推送连接
type Transport interface {
	Open(ctx context.Context, jobID, token string) (Conn, error)
}

func streamURL(baseURL string, websocket bool, jobID, suffix, token string) string {
	base := strings.TrimRight(baseURL, "/")
	if websocket {
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	return fmt.Sprintf("%s/api/jobs/%s/%s?token=%s", base, url.PathEscape(jobID), suffix, url.QueryEscape(token))
}

// SSETransport GET /api/jobs/{id}/stream?token=...（text/event-stream）
type SSETransport struct {
	baseURL string
	http    *http.Client
}

func NewSSETransport(baseURL string) *SSETransport {
	// 长连接，不设整体超时
	return &SSETransport{baseURL: baseURL, http: &http.Client{}}
}

func (t *SSETransport) Open(ctx context.Context, jobID, token string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL(t.baseURL, false, jobID, "stream", token), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		return nil, fmt.Errorf("event stream rejected with status %d: %s", resp.StatusCode, string(body))
	}

	return &sseConn{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next 按 SSE 格式读取一个事件：多行 data 拼接，空行结束
func (c *sseConn) Next() (dto.StreamMessage, error) {
	var data []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return dto.StreamMessage{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var msg dto.StreamMessage
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &msg); err != nil {
				// 无法解析的事件跳过
				data = data[:0]
				continue
			}
			return msg, nil
		case strings.HasPrefix(line, ":"):
			// 心跳注释
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

// WebSocketTransport GET /api/jobs/{id}/ws?token=...
type WebSocketTransport struct {
	baseURL string
	dialer  *websocket.Dialer
}

func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (t *WebSocketTransport) Open(ctx context.Context, jobID, token string) (Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, streamURL(t.baseURL, true, jobID, "ws", token), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial job websocket: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next() (dto.StreamMessage, error) {
	for {
		var msg dto.StreamMessage
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return dto.StreamMessage{}, err
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// NewTransport 按配置名选择传输方式
func NewTransport(name, baseURL string) (Transport, error) {
	switch name {
	case "", "sse":
		return NewSSETransport(baseURL), nil
	case "websocket", "ws":
		return NewWebSocketTransport(baseURL), nil
	}
	return nil, fmt.Errorf("unknown stream transport %q", name)
}
