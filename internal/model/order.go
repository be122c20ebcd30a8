package model

import (
	"encoding/json"
	"time"
)

// Session 某一分析类型正在进行中的任务记录
type Session struct {
	AnalysisType      ServiceType `json:"-"`
	AnalysisRequestID string      `json:"analysisRequestId"`
	CreatedAt         time.Time   `json:"createdAt,omitempty"`
}

// PaymentOrder 后端下单返回，原样交给支付组件
type PaymentOrder struct {
	OrderID           string          `json:"orderId" validate:"required"`
	Amount            json.Number     `json:"amount" validate:"required"`
	Currency          string          `json:"currency"`
	AnalysisRequestID string          `json:"analysisRequestId" validate:"required"`
	ServiceType       ServiceType     `json:"serviceType"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// CheckoutPayload 支付组件提交后的回执，原样转给 verify-payment
type CheckoutPayload struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
}

// Coupon 已应用的优惠券，仅用于展示
type Coupon struct {
	Code           string  `json:"code"`
	DiscountAmount float64 `json:"discountAmount"`
	FinalAmount    float64 `json:"finalAmount"`
}

// Price 展示价格，最多挂一张优惠券
type Price struct {
	Base   float64 `json:"base"`
	Coupon *Coupon `json:"coupon,omitempty"`
}

// Apply 替换已有优惠券
func (p *Price) Apply(c Coupon) {
	p.Coupon = &c
}

// Remove 移除优惠券
func (p *Price) Remove() {
	p.Coupon = nil
}

// Amount 当前应付金额
func (p Price) Amount() float64 {
	if p.Coupon != nil {
		return p.Coupon.FinalAmount
	}
	return p.Base
}
