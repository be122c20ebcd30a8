package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/pubsub"
	"github.com/qs3c/reportflow/internal/pkg/queue"
	"github.com/qs3c/reportflow/internal/pkg/ws"
	"github.com/qs3c/reportflow/internal/repository"
)

var (
	ErrInvalidServiceType = errors.New("unknown analysis type")
	ErrInvalidForm        = errors.New("a profile URL or a resume file is required")
	ErrJobNotFound        = errors.New("analysis not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidPayment     = errors.New("payment verification failed")
	ErrNoPrice            = errors.New("pricing is not configured for this analysis type")
)

// Submission 提交表单中沙箱关心的字段
type Submission struct {
	ServiceType    model.ServiceType
	ProfileURL     string
	FileName       string
	File           []byte
	Role           string
	JobDescription string
	CompareURL     string
	CouponCode     string
}

// Engine 沙箱后端：保存任务和订单，推进任务并推送进度
type Engine struct {
	cfg        *config.SandboxConfig
	jobs       *repository.JobRepository
	orders     *repository.OrderRepository
	queue      *queue.Queue
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	hub        *ws.Hub

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(
	cfg *config.SandboxConfig,
	db *gorm.DB,
	rdb *redis.Client,
	hub *ws.Hub,
) *Engine {
	return &Engine{
		cfg:        cfg,
		jobs:       repository.NewJobRepository(db),
		orders:     repository.NewOrderRepository(db),
		queue:      queue.NewQueue(rdb, cfg.QueueName),
		publisher:  pubsub.NewPublisher(rdb),
		subscriber: pubsub.NewSubscriber(rdb),
		hub:        hub,
		stopChan:   make(chan struct{}),
	}
}

// Submit 免费分析：建任务并直接进入队列
func (e *Engine) Submit(ctx context.Context, userID int64, sub *Submission) (*model.JobRecord, error) {
	job, err := e.newJob(userID, sub, true)
	if err != nil {
		return nil, err
	}

	if err := e.enqueue(ctx, job); err != nil {
		return nil, err
	}
	log.Printf("Job %s: %s analysis submitted by user %d", job.ID, job.ServiceType, userID)
	return job, nil
}

// CreateOrder 付费分析：建任务和订单，支付校验通过后才进入队列
func (e *Engine) CreateOrder(ctx context.Context, userID int64, sub *Submission) (*model.OrderRecord, *model.JobRecord, error) {
	price, ok := e.cfg.Prices[string(sub.ServiceType)]
	if !ok {
		return nil, nil, ErrNoPrice
	}

	job, err := e.newJob(userID, sub, false)
	if err != nil {
		return nil, nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(sub.CouponCode))
	if code != "" {
		if discount, ok := e.cfg.Coupons[code]; ok {
			price = math.Max(price-discount, 0)
		} else {
			code = ""
		}
	}

	order := &model.OrderRecord{
		ID:          "order_" + shortID(),
		JobID:       job.ID,
		UserID:      userID,
		ServiceType: sub.ServiceType,
		Amount:      int64(math.Round(price * 100)),
		Currency:    "INR",
		CouponCode:  code,
	}
	if err := e.orders.Create(order); err != nil {
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	log.Printf("Job %s: order %s created, amount %d", job.ID, order.ID, order.Amount)
	return order, job, nil
}

// VerifyPayment 校验支付回执。任务已完成时返回报告，否则返回 running 让客户端继续轮询。
func (e *Engine) VerifyPayment(ctx context.Context, userID int64, req *dto.VerifyPaymentRequest) (*dto.VerifyPaymentResponse, error) {
	if req.PaymentID == "" || req.Signature == "" || req.OrderID == "" {
		return nil, ErrInvalidPayment
	}

	order, err := e.orders.GetByID(req.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	if req.AnalysisRequestID != "" && req.AnalysisRequestID != order.JobID {
		return nil, ErrInvalidPayment
	}

	updated, err := e.orders.MarkPaid(order.ID, req.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	job, err := e.jobs.GetByID(order.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	// 重复校验不会重复入队
	if updated {
		if err := e.jobs.MarkPaid(job.ID); err != nil {
			return nil, fmt.Errorf("failed to mark job paid: %w", err)
		}
		job.Paid = true
		if err := e.enqueue(ctx, job); err != nil {
			return nil, err
		}
		log.Printf("Job %s: payment %s verified", job.ID, req.PaymentID)
	}

	if job.Status == model.StatusCompleted {
		resp := &dto.VerifyPaymentResponse{AnalysisRequestID: job.ID}
		if job.ServiceType == model.ServiceComparison {
			resp.ComparisonID = job.ResultID
			if job.Comparison != "" {
				resp.ComparisonResult = []byte(job.Comparison)
			}
		} else {
			resp.ReportID = job.ResultID
		}
		return resp, nil
	}

	// 失败的任务也按进行中返回，失败原因由状态接口给出
	return &dto.VerifyPaymentResponse{
		Status:            "running",
		Message:           "Payment verified. Your analysis is being prepared.",
		AnalysisRequestID: job.ID,
	}, nil
}

// ApplyCoupon 优惠码无效时 Success 为 false
func (e *Engine) ApplyCoupon(req *dto.ApplyCouponRequest) *dto.ApplyCouponResponse {
	amount := req.Amount
	if amount <= 0 {
		amount = e.cfg.Prices[req.AnalysisType]
	}

	discount, ok := e.cfg.Coupons[strings.ToUpper(strings.TrimSpace(req.Code))]
	if !ok {
		return &dto.ApplyCouponResponse{Success: false, Message: "Invalid or expired coupon code."}
	}

	discount = math.Min(discount, amount)
	return &dto.ApplyCouponResponse{
		Success:     true,
		Discount:    discount,
		FinalAmount: amount - discount,
		Message:     "Coupon applied.",
	}
}

// Status 轮询接口，返回轮询词表：排队中为 pending，流水线各阶段统一为 running
func (e *Engine) Status(userID int64, jobID string) (*dto.StatusResponse, error) {
	job, err := e.Job(userID, jobID)
	if err != nil {
		return nil, err
	}

	resp := &dto.StatusResponse{Status: pollStatus(job.Status), Message: stageMessage(job.Status)}
	switch job.Status {
	case model.StatusCompleted:
		resp.ResultReportID = job.ResultID
	case model.StatusFailed:
		resp.Error = job.ErrorMessage
		resp.Message = job.ErrorMessage
	}
	if job.CompletedAt == nil {
		resp.TimeElapsedMinutes = math.Round(sinceMinutes(job.CreatedAt)*10) / 10
	}
	return resp, nil
}

// Job 按用户取任务，别人的任务视为不存在
func (e *Engine) Job(userID int64, jobID string) (*model.JobRecord, error) {
	job, err := e.jobs.GetByID(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (e *Engine) newJob(userID int64, sub *Submission, paid bool) (*model.JobRecord, error) {
	if !sub.ServiceType.Valid() {
		return nil, ErrInvalidServiceType
	}
	if sub.ProfileURL == "" && sub.FileName == "" {
		return nil, ErrInvalidForm
	}

	// 简历读不出来时任务照常创建，到分析阶段失败
	resumeText, err := extractResume(sub.FileName, sub.File)
	if err != nil {
		log.Printf("Resume %s rejected: %v", sub.FileName, err)
	}

	job := &model.JobRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		ServiceType: sub.ServiceType,
		ProfileURL:  sub.ProfileURL,
		FileName:    sub.FileName,
		Role:        sub.Role,
		JobDesc:     sub.JobDescription,
		CompareURL:  sub.CompareURL,
		ResumeText:  resumeText,
		Status:      model.StatusPending,
		Paid:        paid,
	}
	if err != nil {
		job.ResumeError = unreadableResumeMessage
	}
	if err := e.jobs.Create(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (e *Engine) enqueue(ctx context.Context, job *model.JobRecord) error {
	err := e.queue.Push(ctx, &queue.JobMessage{
		JobID:       job.ID,
		UserID:      job.UserID,
		ServiceType: job.ServiceType,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	e.publish(ctx, job, model.StatusPending, "")
	return nil
}

func (e *Engine) publish(ctx context.Context, job *model.JobRecord, status model.JobStatus, message string) {
	if message == "" {
		message = stageMessage(status)
	}
	err := e.publisher.Publish(ctx, &pubsub.JobEvent{
		JobID:          job.ID,
		UserID:         job.UserID,
		ServiceType:    string(job.ServiceType),
		Status:         string(status),
		Message:        message,
		ResultReportID: job.ResultID,
	})
	if err != nil {
		log.Printf("Job %s: failed to publish %s: %v", job.ID, status, err)
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}
