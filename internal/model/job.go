package model

import "time"

// JobStatus 分析任务状态（内部统一枚举）
type JobStatus string

const (
	StatusPending          JobStatus = "pending"
	StatusQueued           JobStatus = "queued"
	StatusScraping         JobStatus = "scraping"
	StatusAnalyzing        JobStatus = "analyzing"
	StatusGeneratingReport JobStatus = "generating_report"
	StatusRunning          JobStatus = "running"
	StatusCompleted        JobStatus = "completed"
	StatusFailed           JobStatus = "failed"
)

// IsTerminal completed / failed 之后不再观察
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 推送流使用的状态词表
var streamStatuses = map[string]JobStatus{
	"pending":           StatusPending,
	"queued":            StatusQueued,
	"scraping":          StatusScraping,
	"analyzing":         StatusAnalyzing,
	"generating_report": StatusGeneratingReport,
	"completed":         StatusCompleted,
	"failed":            StatusFailed,
}

// 轮询接口使用的状态词表，processing/queued 是后端偶尔返回的别名
var pollStatuses = map[string]JobStatus{
	"pending":    StatusPending,
	"queued":     StatusPending,
	"running":    StatusRunning,
	"processing": StatusRunning,
	"completed":  StatusCompleted,
	"failed":     StatusFailed,
}

// ParseStreamStatus 映射推送消息中的状态
func ParseStreamStatus(s string) (JobStatus, bool) {
	st, ok := streamStatuses[s]
	return st, ok
}

// ParsePollStatus 映射 /api/rag/status 返回的状态
func ParsePollStatus(s string) (JobStatus, bool) {
	st, ok := pollStatuses[s]
	return st, ok
}

// AnalysisJob 后端分析任务，客户端只读
type AnalysisJob struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	ResultID     string    `json:"result_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ServiceType 分析类型，同时决定报告路由
type ServiceType string

const (
	ServiceLinkedIn   ServiceType = "linkedin"
	ServiceResume     ServiceType = "resume"
	ServiceComparison ServiceType = "comparison"
)

// Domain 提交接口的路径段，comparison 对应 /api/compare/analyze
func (t ServiceType) Domain() string {
	if t == ServiceComparison {
		return "compare"
	}
	return string(t)
}

func (t ServiceType) Valid() bool {
	switch t {
	case ServiceLinkedIn, ServiceResume, ServiceComparison:
		return true
	}
	return false
}
