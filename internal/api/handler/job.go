package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/reportflow/internal/api/middleware"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/response"
	"github.com/qs3c/reportflow/internal/sandbox"
)

// submitForm multipart 提交表单，字段名与客户端一致
type submitForm struct {
	ProfileURL     string `form:"profileUrl"`
	Role           string `form:"role"`
	JobDescription string `form:"jobDescription"`
	CompareURL     string `form:"compareUrl"`
	CouponCode     string `form:"couponCode"`
}

type JobHandler struct {
	engine *sandbox.Engine
}

func NewJobHandler(engine *sandbox.Engine) *JobHandler {
	return &JobHandler{engine: engine}
}

// Analyze 免费分析提交
// POST /api/:domain/analyze
func (h *JobHandler) Analyze(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	t, ok := serviceFromDomain(c.Param("domain"))
	if !ok {
		response.NotFoundError(c, "Unknown analysis type.")
		return
	}

	sub, err := bindSubmission(c, t)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	job, err := h.engine.Submit(c.Request.Context(), userID, sub)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.AnalyzeResponse{
		Success:           true,
		AnalysisRequestID: job.ID,
		Message:           "Analysis started.",
	})
}

// Status 轮询接口，返回原始结构
// GET /api/rag/status/:id
func (h *JobHandler) Status(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	status, err := h.engine.Status(userID, c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Get 任务详情
// GET /api/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	job, err := h.engine.Job(userID, c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}

	response.Success(c, job)
}

// Stream 推送任务进度（text/event-stream）
// GET /api/jobs/:id/stream?token=xxx
func (h *JobHandler) Stream(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}
	jobID := c.Param("id")

	if _, err := h.engine.Job(userID, jobID); err != nil {
		writeEngineError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	err := h.engine.Watch(c.Request.Context(), userID, jobID, func(msg dto.StreamMessage) error {
		c.SSEvent("message", msg)
		c.Writer.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Job %s: event stream ended: %v", jobID, err)
	}
}

// WebSocket 与 Stream 相同的消息，走 websocket
// GET /api/jobs/:id/ws?token=xxx
func (h *JobHandler) WebSocket(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}
	jobID := c.Param("id")

	if _, err := h.engine.Job(userID, jobID); err != nil {
		writeEngineError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	// 客户端断开时结束订阅
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.engine.Watch(ctx, userID, jobID, func(msg dto.StreamMessage) error {
		return conn.WriteJSON(msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Job %s: websocket stream ended: %v", jobID, err)
	}
}

func bindSubmission(c *gin.Context, t model.ServiceType) (*sandbox.Submission, error) {
	var form submitForm
	if err := c.ShouldBind(&form); err != nil {
		return nil, err
	}

	sub := &sandbox.Submission{
		ServiceType:    t,
		ProfileURL:     form.ProfileURL,
		Role:           form.Role,
		JobDescription: form.JobDescription,
		CompareURL:     form.CompareURL,
		CouponCode:     form.CouponCode,
	}

	// 文件可选
	if file, err := c.FormFile("file"); err == nil {
		if file.Size > sandbox.MaxResumeSize {
			return nil, fmt.Errorf("file exceeds %d bytes", sandbox.MaxResumeSize)
		}
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if sub.File, err = io.ReadAll(f); err != nil {
			return nil, err
		}
		sub.FileName = file.Filename
	}
	return sub, nil
}

// serviceFromDomain 提交路径段 → 分析类型
func serviceFromDomain(domain string) (model.ServiceType, bool) {
	for _, t := range []model.ServiceType{model.ServiceLinkedIn, model.ServiceResume, model.ServiceComparison} {
		if t.Domain() == domain || string(t) == domain {
			return t, true
		}
	}
	return "", false
}

func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidServiceType),
		errors.Is(err, sandbox.ErrInvalidForm),
		errors.Is(err, sandbox.ErrNoPrice):
		response.ParamError(c, err.Error())
	case errors.Is(err, sandbox.ErrJobNotFound),
		errors.Is(err, sandbox.ErrOrderNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, sandbox.ErrInvalidPayment):
		response.PaymentError(c, err.Error())
	default:
		log.Printf("Sandbox request failed: %v", err)
		response.ServerError(c, "")
	}
}
