package dto

import (
	"encoding/json"

	"github.com/qs3c/reportflow/internal/model"
)

// AnalyzeForm 分析提交表单（multipart）
type AnalyzeForm struct {
	ProfileURL     string `validate:"omitempty,url"`
	FileName       string `validate:"required_without=ProfileURL"`
	File           []byte
	Role           string `validate:"required_without=JobDescription"`
	JobDescription string `validate:"required_without=Role"`
	// 对比分析的第二份资料
	CompareURL string `validate:"omitempty,url"`
}

// AnalyzeResponse POST /api/<domain>/analyze
type AnalyzeResponse struct {
	Success           bool   `json:"success"`
	AnalysisRequestID string `json:"analysisRequestId" validate:"required"`
	Message           string `json:"message,omitempty"`
}

// StatusResponse GET /api/rag/status/{id}
type StatusResponse struct {
	Status             string  `json:"status"`
	ResultReportID     string  `json:"result_report_id,omitempty"`
	Error              string  `json:"error,omitempty"`
	Message            string  `json:"message,omitempty"`
	Warning            string  `json:"warning,omitempty"`
	TimeElapsedMinutes float64 `json:"timeElapsedMinutes,omitempty"`

	// 请求打到了根路由时的存活响应字段
	Version    string `json:"version,omitempty"`
	Server     string `json:"server,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}

// LooksAlive 没有状态却带版本/服务名，说明请求路由错了
func (r *StatusResponse) LooksAlive() bool {
	return r.Status == "" && (r.Version != "" || r.Server != "" || r.ServerName != "")
}

// CreateOrderResponse POST /api/rag/create-rag-report
type CreateOrderResponse struct {
	ID                string      `json:"id"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency,omitempty"`
	AnalysisRequestID string      `json:"analysis_request_id"`
}

// Order 转换为领域对象
func (r *CreateOrderResponse) Order(serviceType model.ServiceType) model.PaymentOrder {
	currency := r.Currency
	if currency == "" {
		currency = "INR"
	}
	return model.PaymentOrder{
		OrderID:           r.ID,
		Amount:            r.Amount,
		Currency:          currency,
		AnalysisRequestID: r.AnalysisRequestID,
		ServiceType:       serviceType,
	}
}

// VerifyPaymentRequest POST /api/rag/verify-payment
type VerifyPaymentRequest struct {
	model.CheckoutPayload
	AnalysisRequestID string `json:"analysisRequestId"`
	AnalysisType      string `json:"analysisType"`
}

// VerifyPaymentResponse verify-payment 的三种返回形态合在一起
type VerifyPaymentResponse struct {
	ReportID         string          `json:"reportId,omitempty"`
	ComparisonID     string          `json:"comparisonId,omitempty"`
	ComparisonResult json.RawMessage `json:"comparisonResult,omitempty"`
	Status           string          `json:"status,omitempty"`
	Message          string          `json:"message,omitempty"`

	AnalysisRequestID      string `json:"analysisRequestId,omitempty"`
	AnalysisRequestIDSnake string `json:"analysis_request_id,omitempty"`

	// 由客户端根据 HTTP 202 设置
	Accepted bool `json:"-"`
}

// JobID 两种命名都可能出现
func (r *VerifyPaymentResponse) JobID() string {
	if r.AnalysisRequestID != "" {
		return r.AnalysisRequestID
	}
	return r.AnalysisRequestIDSnake
}

// ResultID 普通报告或对比报告的 id
func (r *VerifyPaymentResponse) ResultID() string {
	if r.ReportID != "" {
		return r.ReportID
	}
	return r.ComparisonID
}

// StillProcessing 显式状态、202 或者只有任务 id
func (r *VerifyPaymentResponse) StillProcessing() bool {
	if r.Status == "running" || r.Status == "pending" || r.Accepted {
		return true
	}
	return r.ResultID() == "" && len(r.ComparisonResult) == 0 && r.JobID() != ""
}

// ApplyCouponRequest POST /api/pricing/apply-coupon
type ApplyCouponRequest struct {
	Code         string  `json:"code" validate:"required"`
	Amount       float64 `json:"amount"`
	AnalysisType string  `json:"analysisType"`
}

// ApplyCouponResponse 优惠券校验结果
type ApplyCouponResponse struct {
	Success     bool    `json:"success"`
	Discount    float64 `json:"discount"`
	FinalAmount float64 `json:"finalAmount"`
	Message     string  `json:"message,omitempty"`
}

// StreamMessage 推送流每条消息
type StreamMessage struct {
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ResultReportID string `json:"result_report_id,omitempty"`
}
