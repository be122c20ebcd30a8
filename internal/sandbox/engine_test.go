package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/queue"
	"github.com/qs3c/reportflow/internal/pkg/ws"
	"github.com/qs3c/reportflow/internal/testutil"
)

func setupEngine(t *testing.T, mutate func(*config.SandboxConfig)) (*Engine, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	testutil.MigrateSandbox(t, db)
	rdb, _, stopRedis := testutil.SetupTestRedis(t)

	cfg := config.Default().Sandbox
	cfg.StepInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	engine := NewEngine(&cfg, db, rdb, ws.NewHub())
	cleanup := func() {
		stopRedis()
		testutil.CleanupTestDB(t, db)
	}
	return engine, cleanup
}

func linkedinSubmission() *Submission {
	return &Submission{
		ServiceType: model.ServiceLinkedIn,
		ProfileURL:  "https://www.linkedin.com/in/jane",
		Role:        "SRE",
	}
}

// drain 把队列里的任务全部交给 Process
func drain(t *testing.T, e *Engine) {
	t.Helper()

	ctx := context.Background()
	for {
		n, err := e.queue.Length(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
		msg, err := e.queue.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, e.Process(ctx, msg))
	}
}

func advance(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.Advance(context.Background()))
	}
}

func TestEngine_Submit(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	job, err := e.Submit(ctx, 1, linkedinSubmission())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Paid)
	assert.Equal(t, model.StatusPending, job.Status)

	n, err := e.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.Submit(ctx, 1, &Submission{ServiceType: "video", ProfileURL: "x"})
	assert.ErrorIs(t, err, ErrInvalidServiceType)

	_, err = e.Submit(ctx, 1, &Submission{ServiceType: model.ServiceResume})
	assert.ErrorIs(t, err, ErrInvalidForm)
}

func TestEngine_Pipeline(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	job, err := e.Submit(ctx, 1, linkedinSubmission())
	require.NoError(t, err)

	status, err := e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)

	// 未出队的任务不推进
	advance(t, e, 1)
	got, _ := e.Job(1, job.ID)
	assert.Equal(t, model.StatusPending, got.Status)

	drain(t, e)
	got, _ = e.Job(1, job.ID)
	assert.Equal(t, model.StatusQueued, got.Status)

	status, err = e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status, "queued is reported as pending to pollers")

	expected := []model.JobStatus{
		model.StatusScraping,
		model.StatusAnalyzing,
		model.StatusGeneratingReport,
		model.StatusCompleted,
	}
	for _, want := range expected {
		advance(t, e, 1)
		got, err = e.Job(1, job.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	status, err = e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, got.ResultID, status.ResultReportID)
	assert.NotEmpty(t, status.ResultReportID)
	assert.NotNil(t, got.CompletedAt)

	// 终态任务不再变化
	advance(t, e, 1)
	again, _ := e.Job(1, job.ID)
	assert.Equal(t, got.ResultID, again.ResultID)
}

func TestEngine_Process_TypeMismatch(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	job, err := e.Submit(ctx, 1, linkedinSubmission())
	require.NoError(t, err)

	msg, err := e.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.ServiceLinkedIn, msg.ServiceType)

	require.NoError(t, e.Process(ctx, &queue.JobMessage{JobID: job.ID, UserID: 1, ServiceType: model.ServiceResume}))
	got, _ := e.Job(1, job.ID)
	assert.Equal(t, model.StatusPending, got.Status, "mismatched message leaves the job untouched")

	require.NoError(t, e.Process(ctx, msg))
	got, _ = e.Job(1, job.ID)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestEngine_Status_MidPipelineIsRunning(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()

	job, err := e.Submit(context.Background(), 1, linkedinSubmission())
	require.NoError(t, err)
	drain(t, e)
	advance(t, e, 2)

	status, err := e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, stageMessages[model.StatusAnalyzing], status.Message)
}

func TestEngine_Status_OtherUser(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()

	job, err := e.Submit(context.Background(), 1, linkedinSubmission())
	require.NoError(t, err)

	_, err = e.Status(2, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = e.Status(1, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_FailProfiles(t *testing.T) {
	e, cleanup := setupEngine(t, func(cfg *config.SandboxConfig) {
		cfg.FailProfiles = []string{"broken-profile"}
	})
	defer cleanup()

	sub := linkedinSubmission()
	sub.ProfileURL = "https://www.linkedin.com/in/broken-profile"
	job, err := e.Submit(context.Background(), 1, sub)
	require.NoError(t, err)

	drain(t, e)
	advance(t, e, 2)

	status, err := e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
	assert.NotEmpty(t, status.Error)
	assert.Equal(t, status.Error, status.Message)
}

func TestEngine_UnreadableResume(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()

	job, err := e.Submit(context.Background(), 1, &Submission{
		ServiceType: model.ServiceResume,
		FileName:    "cv.pdf",
		File:        []byte("scanned image, no text"),
		Role:        "SRE",
	})
	require.NoError(t, err)

	drain(t, e)
	advance(t, e, 2)

	status, err := e.Status(1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
	assert.Equal(t, unreadableResumeMessage, status.Message)
}

func TestEngine_CreateOrder(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	order, job, err := e.CreateOrder(ctx, 1, linkedinSubmission())
	require.NoError(t, err)
	assert.Equal(t, int64(49900), order.Amount)
	assert.Equal(t, "INR", order.Currency)
	assert.Equal(t, job.ID, order.JobID)
	assert.False(t, job.Paid)

	sub := linkedinSubmission()
	sub.CouponCode = " launch100 "
	order, _, err = e.CreateOrder(ctx, 1, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(39900), order.Amount)
	assert.Equal(t, "LAUNCH100", order.CouponCode)

	sub.CouponCode = "NOPE"
	order, _, err = e.CreateOrder(ctx, 1, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(49900), order.Amount)
	assert.Empty(t, order.CouponCode)

	// 订单创建时不入队
	n, err := e.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func verifyRequest(order *model.OrderRecord) *dto.VerifyPaymentRequest {
	return &dto.VerifyPaymentRequest{
		CheckoutPayload: model.CheckoutPayload{
			PaymentID: "pay_1",
			OrderID:   order.ID,
			Signature: "sig",
		},
		AnalysisRequestID: order.JobID,
		AnalysisType:      string(order.ServiceType),
	}
}

func TestEngine_VerifyPayment(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	order, job, err := e.CreateOrder(ctx, 1, linkedinSubmission())
	require.NoError(t, err)

	// 未支付的任务不推进
	advance(t, e, 1)

	resp, err := e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, job.ID, resp.JobID())
	assert.True(t, resp.StillProcessing())

	// 重复校验不会重复入队
	_, err = e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)
	n, err := e.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	drain(t, e)
	advance(t, e, 4)

	resp, err = e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ReportID)
	assert.False(t, resp.StillProcessing())
}

func TestEngine_VerifyPayment_Comparison(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	sub := &Submission{
		ServiceType: model.ServiceComparison,
		ProfileURL:  "https://www.linkedin.com/in/a",
		CompareURL:  "https://www.linkedin.com/in/b",
		Role:        "PM",
	}
	order, _, err := e.CreateOrder(ctx, 1, sub)
	require.NoError(t, err)
	_, err = e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)

	drain(t, e)
	advance(t, e, 4)

	resp, err := e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ComparisonID)
	assert.Empty(t, resp.ReportID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.ComparisonResult, &payload))
	assert.Equal(t, resp.ComparisonID, payload["comparisonId"])
	assert.Equal(t, "PM", payload["role"])
}

func TestEngine_VerifyPayment_Rejected(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	order, _, err := e.CreateOrder(ctx, 1, linkedinSubmission())
	require.NoError(t, err)

	req := verifyRequest(order)
	req.Signature = ""
	_, err = e.VerifyPayment(ctx, 1, req)
	assert.ErrorIs(t, err, ErrInvalidPayment)

	_, err = e.VerifyPayment(ctx, 2, verifyRequest(order))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	req = verifyRequest(order)
	req.AnalysisRequestID = "someone-else"
	_, err = e.VerifyPayment(ctx, 1, req)
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestEngine_VerifyPayment_JobFailed(t *testing.T) {
	e, cleanup := setupEngine(t, func(cfg *config.SandboxConfig) {
		cfg.FailProfiles = []string{"broken"}
	})
	defer cleanup()
	ctx := context.Background()

	sub := linkedinSubmission()
	sub.ProfileURL = "https://www.linkedin.com/in/broken"
	order, _, err := e.CreateOrder(ctx, 1, sub)
	require.NoError(t, err)
	_, err = e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)

	drain(t, e)
	advance(t, e, 2)

	resp, err := e.VerifyPayment(ctx, 1, verifyRequest(order))
	require.NoError(t, err)
	assert.True(t, resp.StillProcessing())

	status, err := e.Status(1, order.JobID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
}

func TestEngine_ApplyCoupon(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()

	resp := e.ApplyCoupon(&dto.ApplyCouponRequest{Code: "launch100", AnalysisType: "resume"})
	assert.True(t, resp.Success)
	assert.Equal(t, 100.0, resp.Discount)
	assert.Equal(t, 299.0, resp.FinalAmount)

	resp = e.ApplyCoupon(&dto.ApplyCouponRequest{Code: "LAUNCH100", Amount: 50})
	assert.True(t, resp.Success)
	assert.Equal(t, 50.0, resp.Discount)
	assert.Equal(t, 0.0, resp.FinalAmount)

	resp = e.ApplyCoupon(&dto.ApplyCouponRequest{Code: "BOGUS", Amount: 499})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}

func TestEngine_Watch(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := e.Submit(ctx, 1, linkedinSubmission())
	require.NoError(t, err)

	var mu sync.Mutex
	var messages []dto.StreamMessage
	first := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.Watch(ctx, 1, job.ID, func(msg dto.StreamMessage) error {
			mu.Lock()
			messages = append(messages, msg)
			if len(messages) == 1 {
				close(first)
			}
			mu.Unlock()
			return nil
		})
	}()

	<-first
	drain(t, e)
	advance(t, e, 4)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for watch to finish")
	}

	mu.Lock()
	defer mu.Unlock()
	var statuses []string
	for _, m := range messages {
		statuses = append(statuses, m.Status)
	}
	assert.Equal(t, []string{"pending", "queued", "scraping", "analyzing", "generating_report", "completed"}, statuses)
	assert.NotEmpty(t, messages[len(messages)-1].ResultReportID)
}

func TestEngine_Watch_TerminalSnapshot(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()
	ctx := context.Background()

	job, err := e.Submit(ctx, 1, linkedinSubmission())
	require.NoError(t, err)
	drain(t, e)
	advance(t, e, 4)

	var messages []dto.StreamMessage
	err = e.Watch(ctx, 1, job.ID, func(msg dto.StreamMessage) error {
		messages = append(messages, msg)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "completed", messages[0].Status)

	err = e.Watch(ctx, 2, job.ID, func(dto.StreamMessage) error { return nil })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_StartStop(t *testing.T) {
	e, cleanup := setupEngine(t, nil)
	defer cleanup()

	job, err := e.Submit(context.Background(), 1, linkedinSubmission())
	require.NoError(t, err)

	e.Start()
	require.Eventually(t, func() bool {
		got, err := e.Job(1, job.ID)
		return err == nil && got.Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	e.Stop()
	e.Stop()
}
