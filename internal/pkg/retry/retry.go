package retry

import "time"

// Policy 固定间隔的重试预算
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// Budget 记录连续失败次数，成功后清零
type Budget struct {
	policy Policy
	fails  int
}

// NewBudget 创建重试预算
func NewBudget(p Policy) *Budget {
	return &Budget{policy: p}
}

// Fail 记一次失败，返回是否还允许重试
func (b *Budget) Fail() bool {
	b.fails++
	return b.fails <= b.policy.MaxRetries
}

// Reset 成功响应后调用
func (b *Budget) Reset() {
	b.fails = 0
}

// Failures 当前连续失败次数
func (b *Budget) Failures() int {
	return b.fails
}

// Delay 重试前的固定等待
func (b *Budget) Delay() time.Duration {
	return b.policy.Delay
}

// Exponential 返回 min(base * 2^(attempt-1), max)，attempt 从 1 开始
func Exponential(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
