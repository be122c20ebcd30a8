package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/qs3c/reportflow/internal/model"
)

const (
	sessionKeyPrefix    = "session:"
	BackgroundResultKey = "background_analysis_result_id"
	comparisonKeyPrefix = "comparison_"
)

// Sessions 每种分析类型最多一个进行中的任务
type Sessions struct {
	store Store
	now   func() time.Time
}

func NewSessions(store Store) *Sessions {
	return &Sessions{store: store, now: time.Now}
}

func sessionKey(t model.ServiceType) string {
	return sessionKeyPrefix + string(t)
}

// Save 覆盖该类型已有的记录
func (s *Sessions) Save(ctx context.Context, t model.ServiceType, jobID string) error {
	data, err := json.Marshal(model.Session{AnalysisRequestID: jobID, CreatedAt: s.now()})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, sessionKey(t), string(data))
}

// Read 返回进行中的任务 id
func (s *Sessions) Read(ctx context.Context, t model.ServiceType) (string, bool, error) {
	sess, err := s.Load(ctx, t)
	if err != nil || sess == nil {
		return "", false, err
	}
	return sess.AnalysisRequestID, true, nil
}

// Load 读取完整记录，不存在时返回 nil
func (s *Sessions) Load(ctx context.Context, t model.ServiceType) (*model.Session, error) {
	raw, ok, err := s.store.Get(ctx, sessionKey(t))
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", t, err)
	}
	if !ok {
		return nil, nil
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.AnalysisRequestID == "" {
		// 损坏的记录当作不存在，并顺手清掉
		if err := s.store.Delete(ctx, sessionKey(t)); err != nil {
			log.Printf("Failed to clear corrupt %s session: %v", t, err)
		}
		return nil, nil
	}
	sess.AnalysisType = t
	return &sess, nil
}

func (s *Sessions) Clear(ctx context.Context, t model.ServiceType) error {
	return s.store.Delete(ctx, sessionKey(t))
}

// Cache 支付期间的后台结果和对比结果缓存
type Cache struct {
	store Store
	now   func() time.Time
	// putMu 串行化 PutComparison 的查重和写入
	putMu sync.Mutex
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

type backgroundResult struct {
	AnalysisRequestID string `json:"analysisRequestId"`
	ResultID          string `json:"resultId"`
}

// SetBackgroundResult 后台轮询先拿到结果时写入，先到先得
func (c *Cache) SetBackgroundResult(ctx context.Context, jobID, resultID string) error {
	if _, ok, err := c.BackgroundResult(ctx, jobID); err == nil && ok {
		return nil
	}
	data, err := json.Marshal(backgroundResult{AnalysisRequestID: jobID, ResultID: resultID})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, BackgroundResultKey, string(data))
}

// BackgroundResult 只返回属于 jobID 的缓存结果
func (c *Cache) BackgroundResult(ctx context.Context, jobID string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, BackgroundResultKey)
	if err != nil || !ok {
		return "", false, err
	}
	var r backgroundResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", false, nil
	}
	if r.AnalysisRequestID != jobID || r.ResultID == "" {
		return "", false, nil
	}
	return r.ResultID, true, nil
}

func (c *Cache) ClearBackgroundResult(ctx context.Context) error {
	return c.store.Delete(ctx, BackgroundResultKey)
}

// PutComparison 以时间戳生成 key 保存对比结果，同一毫秒内追加序号
func (c *Cache) PutComparison(ctx context.Context, payload []byte) (string, error) {
	c.putMu.Lock()
	defer c.putMu.Unlock()

	base := comparisonKeyPrefix + strconv.FormatInt(c.now().UnixMilli(), 10)
	key := base
	for n := 1; ; n++ {
		_, taken, err := c.store.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if !taken {
			break
		}
		key = base + "_" + strconv.Itoa(n)
	}
	if err := c.store.Set(ctx, key, string(payload)); err != nil {
		return "", err
	}
	return key, nil
}

// Comparison 按 key 取回对比结果
func (c *Cache) Comparison(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(raw), true, nil
}
