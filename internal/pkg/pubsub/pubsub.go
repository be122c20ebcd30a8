package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	// ChannelJobEvents 每个任务一个频道：job_events:<job_id>
	ChannelJobEvents = "job_events:"
)

// JobEvent 任务状态变化，Status 使用推送流的状态词
type JobEvent struct {
	Type           string `json:"type"`
	JobID          string `json:"job_id"`
	UserID         int64  `json:"user_id"`
	ServiceType    string `json:"service_type"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ResultReportID string `json:"result_report_id,omitempty"`
}

// Terminal 任务已结束
func (e *JobEvent) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

func channel(jobID string) string {
	return ChannelJobEvents + jobID
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish 发布任务事件
func (p *Publisher) Publish(ctx context.Context, ev *JobEvent) error {
	ev.Type = "job_progress"

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	return p.client.Publish(ctx, channel(ev.JobID), data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscription 一个已建立的订阅
type Subscription struct {
	ps *redis.PubSub
}

// SubscribeJob 订阅单个任务。返回时订阅已经生效，之后发布的事件不会丢。
func (s *Subscriber) SubscribeJob(ctx context.Context, jobID string) (*Subscription, error) {
	ps := s.client.Subscribe(ctx, channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe job %s: %w", jobID, err)
	}
	return &Subscription{ps: ps}, nil
}

// SubscribeAll 订阅所有任务
func (s *Subscriber) SubscribeAll(ctx context.Context) (*Subscription, error) {
	ps := s.client.PSubscribe(ctx, ChannelJobEvents+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe job events: %w", err)
	}
	return &Subscription{ps: ps}, nil
}

// Run 把事件交给 handler，直到 ctx 取消或 handler 返回 false
func (sub *Subscription) Run(ctx context.Context, handler func(*JobEvent) bool) error {
	defer sub.ps.Close()

	ch := sub.ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue // 忽略解析错误
			}

			if !handler(&ev) {
				return nil
			}
		}
	}
}

// Close 取消订阅
func (sub *Subscription) Close() error {
	return sub.ps.Close()
}
