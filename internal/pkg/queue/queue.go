package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/reportflow/internal/model"
)

// ErrInvalidMessage 消息缺少任务 id 或分析类型未知
var ErrInvalidMessage = errors.New("invalid job message")

// Queue 已付款待分析任务的 Redis 列表，LPUSH 入 BRPOP 出
type Queue struct {
	client    *redis.Client
	queueName string
}

// JobMessage 进入分析流水线的任务
type JobMessage struct {
	JobID       string            `json:"job_id"`
	UserID      int64             `json:"user_id"`
	ServiceType model.ServiceType `json:"service_type"`
}

func (m *JobMessage) validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidMessage)
	}
	if !m.ServiceType.Valid() {
		return fmt.Errorf("%w: unknown analysis type %q", ErrInvalidMessage, m.ServiceType)
	}
	return nil
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

// Push 校验后入队
func (q *Queue) Push(ctx context.Context, msg *JobMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", msg.JobID, err)
	}
	if err := q.client.LPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Pop 阻塞取出一个任务，超时返回 nil, nil。
// 坏消息已经出队，返回 ErrInvalidMessage 由调用方记录后跳过。
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*JobMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from %s: %w", q.queueName, err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Length 待处理任务数
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}
