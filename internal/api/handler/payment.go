package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/reportflow/internal/api/middleware"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/response"
	"github.com/qs3c/reportflow/internal/sandbox"
)

type PaymentHandler struct {
	engine *sandbox.Engine
	prices map[string]float64
}

func NewPaymentHandler(engine *sandbox.Engine, prices map[string]float64) *PaymentHandler {
	return &PaymentHandler{engine: engine, prices: prices}
}

// CreateReport 付费分析提交并创建订单
// POST /api/rag/create-rag-report?analysisType=xxx
func (h *PaymentHandler) CreateReport(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	t := model.ServiceType(c.Query("analysisType"))
	if !t.Valid() {
		response.ParamError(c, "Unknown analysis type.")
		return
	}

	sub, err := bindSubmission(c, t)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	order, job, err := h.engine.CreateOrder(c.Request.Context(), userID, sub)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CreateOrderResponse{
		ID:                order.ID,
		Amount:            json.Number(strconv.FormatInt(order.Amount, 10)),
		Currency:          order.Currency,
		AnalysisRequestID: job.ID,
	})
}

// VerifyPayment 支付回执校验，分析未完成时返回 202
// POST /api/rag/verify-payment
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.engine.VerifyPayment(c.Request.Context(), userID, &req)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	status := http.StatusOK
	if resp.StillProcessing() {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// ApplyCoupon 校验优惠码
// POST /api/pricing/apply-coupon
func (h *PaymentHandler) ApplyCoupon(c *gin.Context) {
	var req dto.ApplyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		response.ParamError(c, "A coupon code is required.")
		return
	}

	c.JSON(http.StatusOK, h.engine.ApplyCoupon(&req))
}

// Prices 各分析类型的价格
// GET /api/pricing
func (h *PaymentHandler) Prices(c *gin.Context) {
	response.Success(c, h.prices)
}
