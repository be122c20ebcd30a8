package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// 通知类型
const (
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
)

// Hub 沙箱后端的通知连接表
type Hub struct {
	// 每个用户可以有多个连接（多个客户端进程同时在线）
	clients map[int64]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	UserID int64
	Conn   *websocket.Conn
	mu     sync.Mutex // 写锁，防止并发写入
}

// Message 通知消息，Data 为任意 JSON
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JobNotification job_completed / job_failed 的 Data
type JobNotification struct {
	JobID          string `json:"job_id"`
	ServiceType    string `json:"service_type"`
	ResultReportID string `json:"result_report_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]struct{})
	}
	h.clients[client.UserID][client] = struct{}{}

	log.Printf("User %d subscribed to notifications, user_conns: %d, total: %d",
		client.UserID, len(h.clients[client.UserID]), h.countLocked())
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.UserID]; ok {
		if _, ok := conns[client]; !ok {
			return
		}
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	if client.Conn != nil {
		client.Conn.Close()
	}
	log.Printf("User %d unsubscribed from notifications", client.UserID)
}

// SendToUser 向指定用户的所有连接发送消息，用户不在线时直接丢弃
func (h *Hub) SendToUser(userID int64, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return nil
	}
	// 复制一份引用，避免长时间持锁
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.Conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			log.Printf("SendToUser write error for user %d: %v", userID, err)
		}
	}
	return nil
}

// NotifyJob 任务结束通知
func (h *Hub) NotifyJob(userID int64, typ string, n *JobNotification) error {
	return h.SendToUser(userID, &Message{Type: typ, Data: n})
}

// IsOnline 检查用户是否在线
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[userID]
	return ok && len(conns) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}
