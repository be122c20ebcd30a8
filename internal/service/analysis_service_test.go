package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/payment"
	"github.com/qs3c/reportflow/internal/pkg/clock"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/session"
	"github.com/qs3c/reportflow/internal/stream"
)

type fakeAPI struct {
	mu sync.Mutex

	analyzeID string
	statuses  []*dto.StatusResponse
	// rest 脚本用完后的响应，默认 running
	rest     *dto.StatusResponse
	calls    int
	onStatus func(call int)

	order  *dto.CreateOrderResponse
	verify *dto.VerifyPaymentResponse
}

func (f *fakeAPI) Analyze(ctx context.Context, token string, t model.ServiceType, form *dto.AnalyzeForm) (*dto.AnalyzeResponse, error) {
	return &dto.AnalyzeResponse{Success: true, AnalysisRequestID: f.analyzeID}, nil
}

func (f *fakeAPI) JobStatus(ctx context.Context, token, jobID string) (*dto.StatusResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.onStatus
	resp := &dto.StatusResponse{Status: "running"}
	if f.rest != nil {
		resp = f.rest
	}
	if call <= len(f.statuses) {
		resp = f.statuses[call-1]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return resp, nil
}

func (f *fakeAPI) CreateOrder(ctx context.Context, token string, t model.ServiceType, form *dto.AnalyzeForm, coupon string) (*dto.CreateOrderResponse, error) {
	return f.order, nil
}

func (f *fakeAPI) VerifyPayment(ctx context.Context, token string, req *dto.VerifyPaymentRequest) (*dto.VerifyPaymentResponse, error) {
	return f.verify, nil
}

func (f *fakeAPI) ApplyCoupon(ctx context.Context, token string, req *dto.ApplyCouponRequest) (*dto.ApplyCouponResponse, error) {
	return &dto.ApplyCouponResponse{Success: true}, nil
}

// scriptedConn 推送完预设消息后断开
type scriptedConn struct {
	messages []dto.StreamMessage
}

func (c *scriptedConn) Next() (dto.StreamMessage, error) {
	if len(c.messages) == 0 {
		return dto.StreamMessage{}, io.EOF
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return msg, nil
}

func (c *scriptedConn) Close() error { return nil }

type scriptedTransport struct {
	messages []dto.StreamMessage
}

func (t *scriptedTransport) Open(ctx context.Context, jobID, token string) (stream.Conn, error) {
	return &scriptedConn{messages: append([]dto.StreamMessage(nil), t.messages...)}, nil
}

func setupAnalysisService(t *testing.T, api *fakeAPI, transport stream.Transport, checkout payment.Checkout) *AnalysisService {
	t.Helper()

	cfg := config.Default()
	cfg.Stream.Enabled = transport != nil

	tokens := func(ctx context.Context) (string, error) { return "tok", nil }
	svc := NewAnalysisService(api, tokens, session.NewMemoryStore(), transport, checkout, &cfg)
	svc.clock = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return svc
}

func TestAnalysisService_Submit(t *testing.T) {
	svc := setupAnalysisService(t, &fakeAPI{analyzeID: "job-1"}, nil, nil)
	ctx := context.Background()

	jobID, err := svc.Submit(ctx, model.ServiceLinkedIn, &dto.AnalyzeForm{ProfileURL: "https://linkedin.com/in/x", Role: "SRE"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	saved, ok, err := svc.Sessions().Read(ctx, model.ServiceLinkedIn)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "job-1", saved)

	_, err = svc.Submit(ctx, model.ServiceType("video"), &dto.AnalyzeForm{})
	assert.True(t, errors.Is(err, errs.ErrInvalid))
}

func TestAnalysisService_Resume_NoSession(t *testing.T) {
	svc := setupAnalysisService(t, &fakeAPI{}, nil, nil)

	_, err := svc.Resume(context.Background(), model.ServiceResume, nil)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestAnalysisService_Resume_Polling(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{
		{Status: "queued"},
		{Status: "running"},
		{Status: "completed", ResultReportID: "rep-1"},
	}}
	svc := setupAnalysisService(t, api, nil, nil)
	ctx := context.Background()
	require.NoError(t, svc.Sessions().Save(ctx, model.ServiceResume, "job-1"))

	var percentages []int
	nav, err := svc.Resume(ctx, model.ServiceResume, func(p model.Progress) {
		percentages = append(percentages, p.Percentage)
	})
	require.NoError(t, err)
	assert.Equal(t, "/resume/report?id=rep-1", nav.URL())
	assert.Equal(t, []int{10, 60}, percentages)

	_, ok, _ := svc.Sessions().Read(ctx, model.ServiceResume)
	assert.False(t, ok)
}

func TestAnalysisService_Resume_Stream(t *testing.T) {
	transport := &scriptedTransport{messages: []dto.StreamMessage{
		{Status: "scraping"},
		{Status: "generating_report"},
		{Status: "completed", ResultReportID: "rep-2"},
	}}
	svc := setupAnalysisService(t, &fakeAPI{}, transport, nil)
	ctx := context.Background()
	require.NoError(t, svc.Sessions().Save(ctx, model.ServiceLinkedIn, "job-2"))

	var steps []int
	nav, err := svc.Resume(ctx, model.ServiceLinkedIn, func(p model.Progress) {
		steps = append(steps, p.CurrentStep)
	})
	require.NoError(t, err)
	assert.Equal(t, "/linkedin/report?id=rep-2", nav.URL())
	assert.Equal(t, []int{3, 5, 6}, steps)

	_, ok, _ := svc.Sessions().Read(ctx, model.ServiceLinkedIn)
	assert.False(t, ok)
}

func TestAnalysisService_Track_FailedClearsSession(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{{Status: "failed"}}}
	svc := setupAnalysisService(t, api, nil, nil)
	ctx := context.Background()
	require.NoError(t, svc.Sessions().Save(ctx, model.ServiceLinkedIn, "job-3"))

	_, err := svc.Track(ctx, model.ServiceLinkedIn, "job-3", nil)
	require.Error(t, err)
	assert.Equal(t, model.DefaultFailureMessage, errs.Message(err))

	_, ok, _ := svc.Sessions().Read(ctx, model.ServiceLinkedIn)
	assert.False(t, ok)
}

func TestAnalysisService_Cancel(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{
		{Status: "running"},
		{Status: "completed", ResultReportID: "stale"},
	}}
	svc := setupAnalysisService(t, api, nil, nil)
	ctx := context.Background()
	require.NoError(t, svc.Sessions().Save(ctx, model.ServiceLinkedIn, "job-4"))

	api.onStatus = func(call int) {
		if call == 2 {
			require.NoError(t, svc.Cancel(ctx, model.ServiceLinkedIn))
		}
	}

	progress := 0
	nav, err := svc.Track(ctx, model.ServiceLinkedIn, "job-4", func(model.Progress) { progress++ })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCancelled))
	assert.Empty(t, nav.Path, "stale completion must not navigate")
	assert.Equal(t, 1, progress)

	_, ok, _ := svc.Sessions().Read(ctx, model.ServiceLinkedIn)
	assert.False(t, ok)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 2, api.calls, "no polls after cancel")
}

func TestAnalysisService_OneTrackerPerType(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{
		{Status: "running"},
		{Status: "completed", ResultReportID: "rep-5"},
	}}
	svc := setupAnalysisService(t, api, nil, nil)
	ctx := context.Background()

	var nested error
	api.onStatus = func(call int) {
		if call == 1 {
			_, nested = svc.Track(ctx, model.ServiceLinkedIn, "job-5", nil)
		}
	}

	nav, err := svc.Track(ctx, model.ServiceLinkedIn, "job-5", nil)
	require.NoError(t, err)
	assert.Equal(t, "rep-5", nav.ResultID)
	assert.ErrorIs(t, nested, ErrAnalysisInProgress)
}

func TestAnalysisService_PayAndTrack(t *testing.T) {
	api := &fakeAPI{
		order:  &dto.CreateOrderResponse{ID: "order_1", Amount: "39900", AnalysisRequestID: "a1"},
		verify: &dto.VerifyPaymentResponse{Status: "running", AnalysisRequestID: "a1"},
		// 后台轮询和支付后轮询看到同一个结果
		rest: &dto.StatusResponse{Status: "completed", ResultReportID: "r2"},
	}
	checkout := payment.CheckoutFunc(func(ctx context.Context, order model.PaymentOrder) (payment.CheckoutResult, error) {
		assert.Equal(t, "order_1", order.OrderID)
		return payment.CheckoutResult{Outcome: payment.OutcomeSubmitted}, nil
	})
	svc := setupAnalysisService(t, api, nil, checkout)

	nav, err := svc.PayAndTrack(context.Background(), model.ServiceResume, &dto.AnalyzeForm{}, "")
	require.NoError(t, err)
	assert.Equal(t, "/resume/report?id=r2", nav.URL())

	_, ok, _ := svc.Sessions().Read(context.Background(), model.ServiceResume)
	assert.False(t, ok)
}

func TestAnalysisService_ApplyCoupon(t *testing.T) {
	svc := setupAnalysisService(t, &fakeAPI{}, nil, nil)

	price := &model.Price{Base: 399}
	coupon, err := svc.ApplyCoupon(context.Background(), model.ServiceResume, " SAVE ", price)
	require.NoError(t, err)
	assert.Equal(t, "SAVE", coupon.Code)
	require.NotNil(t, price.Coupon)

	_, err = svc.ApplyCoupon(context.Background(), model.ServiceResume, "  ", price)
	assert.True(t, errors.Is(err, errs.ErrInvalid))
}

func TestAnalysisService_Status(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{{Status: "running", Message: "working"}}}
	svc := setupAnalysisService(t, api, nil, nil)

	resp, err := svc.Status(context.Background(), "job-6")
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "working", resp.Message)
}

func TestAnalysisService_NoProgressAfterCancel(t *testing.T) {
	svc := setupAnalysisService(t, &fakeAPI{}, nil, nil)
	ctx := context.Background()

	tr := &tracker{cancel: func() {}}
	require.NoError(t, svc.register(model.ServiceResume, tr))
	defer svc.unregister(model.ServiceResume, tr)

	var got []int
	forward := svc.guardProgress(tr, func(p model.Progress) { got = append(got, p.Percentage) })

	// 一个在 Cancel 之前就拿到的响应，回调晚于 Cancel 执行
	forward(model.Progress{Percentage: 20})
	require.NoError(t, svc.Cancel(ctx, model.ServiceResume))
	forward(model.Progress{Percentage: 60})

	assert.Equal(t, []int{20}, got)
}

func TestAnalysisService_CancelFromStatusHook(t *testing.T) {
	api := &fakeAPI{statuses: []*dto.StatusResponse{
		{Status: "queued"},
		{Status: "running"},
		{Status: "completed", ResultReportID: "late"},
	}}
	svc := setupAnalysisService(t, api, nil, nil)
	ctx := context.Background()

	api.onStatus = func(call int) {
		if call == 2 {
			require.NoError(t, svc.Cancel(ctx, model.ServiceResume))
		}
	}

	var percentages []int
	nav, err := svc.Track(ctx, model.ServiceResume, "job-7", func(p model.Progress) {
		percentages = append(percentages, p.Percentage)
	})
	assert.True(t, errors.Is(err, errs.ErrCancelled))
	assert.Empty(t, nav.Path)
	assert.Equal(t, []int{20}, percentages, "the running status read during cancel is not forwarded")
}
