package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/client"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/auth"
	"github.com/qs3c/reportflow/internal/pkg/clock"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/poller"
	"github.com/qs3c/reportflow/internal/session"
)

var (
	ErrPaymentCancelled = errors.New("payment cancelled")
	ErrPaymentFailed    = errors.New("payment failed")
	ErrAlreadyRunning   = errors.New("payment flow already running")
)

// API 支付流程用到的后端接口，*client.Client 实现了该接口
type API interface {
	poller.StatusFetcher
	CreateOrder(ctx context.Context, token string, serviceType model.ServiceType, form *dto.AnalyzeForm, couponCode string) (*dto.CreateOrderResponse, error)
	VerifyPayment(ctx context.Context, token string, req *dto.VerifyPaymentRequest) (*dto.VerifyPaymentResponse, error)
	ApplyCoupon(ctx context.Context, token string, req *dto.ApplyCouponRequest) (*dto.ApplyCouponResponse, error)
}

type Options struct {
	// MinDisplay 结果页跳转前加载界面至少停留的时间
	MinDisplay         time.Duration
	BackgroundInterval time.Duration
	URLPayloadLimit    int
	// Poller 支付后轮询的规则，Interval 取 payment.poll_interval
	Poller poller.Options
	Clock  clock.Clock
}

// OptionsFromConfig 从配置构造
func OptionsFromConfig(cfg *config.Config) Options {
	po := poller.OptionsFromConfig(cfg.Poller)
	po.Interval = cfg.Payment.PollInterval
	return Options{
		MinDisplay:         cfg.Payment.MinDisplay,
		BackgroundInterval: cfg.Payment.BackgroundInterval,
		URLPayloadLimit:    cfg.Payment.URLPayloadLimit,
		Poller:             po,
	}
}

func (o *Options) setDefaults() {
	def := config.Default().Payment
	if o.MinDisplay < 0 {
		o.MinDisplay = 0
	}
	if o.BackgroundInterval <= 0 {
		o.BackgroundInterval = def.BackgroundInterval
	}
	if o.URLPayloadLimit <= 0 {
		o.URLPayloadLimit = def.URLPayloadLimit
	}
	if o.Poller.Interval <= 0 {
		o.Poller.Interval = def.PollInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	o.Poller.Clock = o.Clock
}

// Request 一次付费分析
type Request struct {
	ServiceType model.ServiceType
	Form        *dto.AnalyzeForm
	CouponCode  string
}

// Orchestrator 协调支付组件和后端任务，无论支付和分析谁先完成都能跳到正确的报告页
type Orchestrator struct {
	api      API
	tokens   auth.TokenSupplier
	checkout Checkout
	cache    *session.Cache
	sessions *session.Sessions
	opts     Options

	mu        sync.Mutex
	state     State
	running   bool
	cancelled bool
	cancel    context.CancelFunc
	verifier  *poller.Poller
}

// NewOrchestrator 创建支付编排器，sessions 可为 nil
func NewOrchestrator(api API, tokens auth.TokenSupplier, checkout Checkout, cache *session.Cache, sessions *session.Sessions, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		api:      api,
		tokens:   tokens,
		checkout: checkout,
		cache:    cache,
		sessions: sessions,
		opts:     opts,
		state:    StateIdle,
	}
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Polls 支付后轮询发出的请求数
func (o *Orchestrator) Polls() int {
	o.mu.Lock()
	p := o.verifier
	o.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Polls()
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	if !from.CanTransition(to) {
		log.Printf("Payment: unexpected transition %s -> %s", from, to)
		return
	}
	log.Printf("Payment: %s -> %s", from, to)
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Cancel 停止后台轮询和支付后轮询，之后 Run 不会再返回跳转目标
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run 下单、打开支付组件、校验支付并等到报告可用，返回跳转目标
func (o *Orchestrator) Run(ctx context.Context, req Request) (Navigation, error) {
	if !req.ServiceType.Valid() {
		return Navigation{}, errs.Newf(errs.KindInvalid, "", nil, "Unknown analysis type %q.", req.ServiceType)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Navigation{}, ErrAlreadyRunning
	}
	o.running = true
	o.cancelled = false
	o.cancel = cancel
	o.state = StateIdle
	o.verifier = nil
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	order, err := o.createOrder(ctx, req)
	if err != nil {
		return Navigation{}, err
	}
	jobID := order.AnalysisRequestID

	result, err := o.openCheckout(ctx, order)
	if o.isCancelled() || ctx.Err() != nil {
		return Navigation{}, cancelled(jobID)
	}
	if err != nil {
		o.setState(StatePaymentFailed)
		return Navigation{}, errs.New(errs.KindBusiness, jobID, "Payment failed. Please try again.", errors.Join(ErrPaymentFailed, err))
	}

	switch result.Outcome {
	case OutcomeDismissed:
		// 任务和会话保留，用户可以重新支付
		o.setState(StatePaymentCancelled)
		return Navigation{}, errs.New(errs.KindCancelled, jobID, "Payment cancelled. You can retry the payment whenever you're ready.", ErrPaymentCancelled)
	case OutcomeFailed:
		o.setState(StatePaymentFailed)
		msg := "Payment failed. Please try again."
		if result.Reason != "" {
			log.Printf("Job %s: checkout failed: %s", jobID, result.Reason)
		}
		return Navigation{}, errs.New(errs.KindBusiness, jobID, msg, ErrPaymentFailed)
	}

	o.setState(StatePaymentSubmitted)
	return o.verify(ctx, req.ServiceType, jobID, result.Payload)
}

func (o *Orchestrator) createOrder(ctx context.Context, req Request) (model.PaymentOrder, error) {
	token, err := o.tokens(ctx)
	if err != nil {
		o.setState(StateFailed)
		return model.PaymentOrder{}, errs.New(errs.KindAuth, "", "Unable to authenticate. Please sign in again.", err)
	}

	resp, err := o.api.CreateOrder(ctx, token, req.ServiceType, req.Form, req.CouponCode)
	if ctx.Err() != nil {
		return model.PaymentOrder{}, cancelled("")
	}
	if err != nil {
		o.setState(StateFailed)
		log.Printf("Failed to create %s order: %v", req.ServiceType, err)
		return model.PaymentOrder{}, errs.New(errs.KindTransport, "", "Unable to create payment order. Please try again.", err)
	}

	order := resp.Order(req.ServiceType)
	if err := client.Validate(&order); err != nil {
		// 缺 orderId/amount/analysisRequestId 直接失败，不重试
		o.setState(StateFailed)
		return model.PaymentOrder{}, errs.New(errs.KindInvalid, order.AnalysisRequestID, "Invalid order response. Please try again.", err)
	}
	o.setState(StateOrderCreated)

	if o.sessions != nil {
		if err := o.sessions.Save(ctx, req.ServiceType, order.AnalysisRequestID); err != nil {
			log.Printf("Failed to save %s session: %v", req.ServiceType, err)
		}
	}
	return order, nil
}

// openCheckout 支付组件打开期间后台轮询同一个任务，先拿到结果就缓存下来
func (o *Orchestrator) openCheckout(ctx context.Context, order model.PaymentOrder) (CheckoutResult, error) {
	jobID := order.AnalysisRequestID

	bg := poller.New(o.api, o.tokens, poller.Options{
		Interval:   o.opts.BackgroundInterval,
		MaxPolls:   o.opts.Poller.MaxPolls,
		MaxElapsed: o.opts.Poller.MaxElapsed,
		BestEffort: true,
		Clock:      o.opts.Clock,
	})
	o.setState(StateCheckoutOpen)
	bg.Start(ctx, jobID, poller.Callbacks{
		OnComplete: func(resultID string) {
			if err := o.cache.SetBackgroundResult(context.Background(), jobID, resultID); err != nil {
				log.Printf("Job %s: failed to cache background result: %v", jobID, err)
				return
			}
			log.Printf("Job %s: background poll cached report %s", jobID, resultID)
		},
		OnError: func(err error) {
			log.Printf("Job %s: background poll abandoned: %v", jobID, err)
		},
	})

	result, err := o.checkout.Open(ctx, order)

	bg.Stop()
	bg.Wait()
	return result, err
}

func (o *Orchestrator) verify(ctx context.Context, t model.ServiceType, jobID string, payload model.CheckoutPayload) (Navigation, error) {
	o.setState(StateVerifying)
	start := o.opts.Clock.Now()

	token, err := o.tokens(ctx)
	if err != nil {
		o.setState(StateFailed)
		return Navigation{}, errs.New(errs.KindAuth, jobID, "Unable to authenticate. Please sign in again.", err)
	}

	resp, err := o.api.VerifyPayment(ctx, token, &dto.VerifyPaymentRequest{
		CheckoutPayload:   payload,
		AnalysisRequestID: jobID,
		AnalysisType:      string(t),
	})
	if o.isCancelled() || ctx.Err() != nil {
		return Navigation{}, cancelled(jobID)
	}
	if err != nil {
		o.setState(StateFailed)
		log.Printf("Job %s: payment verification failed: %v", jobID, err)
		return Navigation{}, errs.Newf(errs.KindTransport, jobID, err,
			"Payment verification failed. Please contact support with analysis ID %s.", jobID)
	}

	// 1. 校验结果里直接带了报告
	if resp.ResultID() != "" || len(resp.ComparisonResult) > 0 {
		nav, err := o.resultNavigation(ctx, t, resp.ResultID(), resp.ComparisonResult)
		if err != nil {
			o.setState(StateFailed)
			return Navigation{}, errs.New(errs.KindInvalid, jobID, "Unable to open the report. Please contact support.", err)
		}
		o.setState(StateResultReady)
		return o.finish(ctx, t, jobID, start, nav)
	}

	// 2. 后台轮询已经拿到结果
	if cached, ok, err := o.cache.BackgroundResult(ctx, jobID); err == nil && ok {
		log.Printf("Job %s: using cached background result %s", jobID, cached)
		o.setState(StateResultReady)
		return o.finish(ctx, t, jobID, start, ReportRoute(t, cached))
	}

	// 3. 仍在处理，转入轮询
	if !resp.StillProcessing() {
		o.setState(StateFailed)
		return Navigation{}, errs.New(errs.KindInvalid, jobID, "Unable to track analysis status. Please contact support.", nil)
	}
	// 处理中的响应不一定回带任务 id，用下单时拿到的
	trackID := resp.JobID()
	if trackID == "" {
		trackID = jobID
	}
	o.setState(StateStillProcessing)
	return o.poll(ctx, t, trackID)
}

func (o *Orchestrator) poll(ctx context.Context, t model.ServiceType, jobID string) (Navigation, error) {
	p := poller.New(o.api, o.tokens, o.opts.Poller)
	o.mu.Lock()
	o.verifier = p
	o.mu.Unlock()

	o.setState(StatePolling)
	start := o.opts.Clock.Now()

	resultID, err := p.Poll(ctx, jobID, func(status model.JobStatus, _ *dto.StatusResponse) {
		log.Printf("Job %s: %s", jobID, status)
	})
	if o.isCancelled() || ctx.Err() != nil {
		return Navigation{}, cancelled(jobID)
	}
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindTimeout:
			o.setState(StateTimedOut)
		case errs.KindBusiness:
			o.setState(StateFailed)
			o.clearSession(t)
		default:
			o.setState(StateFailed)
		}
		return Navigation{}, err
	}

	o.setState(StateResultReady)
	return o.finish(ctx, t, jobID, start, ReportRoute(t, resultID))
}

func (o *Orchestrator) resultNavigation(ctx context.Context, t model.ServiceType, resultID string, comparison json.RawMessage) (Navigation, error) {
	if t == model.ServiceComparison && len(comparison) > 0 {
		nav, err := ComparisonRoute(ctx, o.cache, comparison, o.opts.URLPayloadLimit)
		if err != nil {
			return Navigation{}, err
		}
		nav.ResultID = resultID
		return nav, nil
	}
	if resultID == "" {
		return Navigation{}, errors.New("verify response carried a result payload for a non-comparison analysis")
	}
	return ReportRoute(t, resultID), nil
}

// finish 加载界面至少停留 MinDisplay 后再跳转
func (o *Orchestrator) finish(ctx context.Context, t model.ServiceType, jobID string, start time.Time, nav Navigation) (Navigation, error) {
	if remaining := o.opts.MinDisplay - o.opts.Clock.Now().Sub(start); remaining > 0 {
		if err := o.opts.Clock.Sleep(ctx, remaining); err != nil {
			return Navigation{}, cancelled(jobID)
		}
	}
	if o.isCancelled() {
		return Navigation{}, cancelled(jobID)
	}

	o.clearSession(t)
	if err := o.cache.ClearBackgroundResult(context.Background()); err != nil {
		log.Printf("Job %s: failed to clear background result: %v", jobID, err)
	}
	log.Printf("Job %s: navigating to %s", jobID, nav.URL())
	return nav, nil
}

func (o *Orchestrator) clearSession(t model.ServiceType) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.Clear(context.Background(), t); err != nil {
		log.Printf("Failed to clear %s session: %v", t, err)
	}
}

func cancelled(jobID string) error {
	return errs.New(errs.KindCancelled, jobID, "Payment flow cancelled.", context.Canceled)
}
