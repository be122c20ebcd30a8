package service

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/payment"
	"github.com/qs3c/reportflow/internal/pkg/auth"
	"github.com/qs3c/reportflow/internal/pkg/clock"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/poller"
	"github.com/qs3c/reportflow/internal/session"
	"github.com/qs3c/reportflow/internal/stream"
)

var (
	ErrAnalysisInProgress = errors.New("an analysis of this type is already being tracked")
	ErrNoSession          = errors.New("no analysis in progress")
)

// API 后端接口，*client.Client 实现了该接口
type API interface {
	payment.API
	Analyze(ctx context.Context, token string, serviceType model.ServiceType, form *dto.AnalyzeForm) (*dto.AnalyzeResponse, error)
}

// tracker 某一分析类型当前的观察者，Cancel 时一起关掉
type tracker struct {
	cancel    context.CancelFunc
	stream    *stream.Client
	poller    *poller.Poller
	orch      *payment.Orchestrator
	cancelled bool
	// cbMu 回调执行期间持有，Cancel 等它释放后才返回
	cbMu sync.Mutex
}

// AnalysisService 提交分析、恢复会话、跟踪进度直到拿到报告
type AnalysisService struct {
	api       API
	tokens    auth.TokenSupplier
	sessions  *session.Sessions
	cache     *session.Cache
	transport stream.Transport
	checkout  payment.Checkout
	cfg       *config.Config
	clock     clock.Clock

	mu     sync.Mutex
	active map[model.ServiceType]*tracker
}

// NewAnalysisService transport 为 nil 时一律用轮询
func NewAnalysisService(
	api API,
	tokens auth.TokenSupplier,
	store session.Store,
	transport stream.Transport,
	checkout payment.Checkout,
	cfg *config.Config,
) *AnalysisService {
	return &AnalysisService{
		api:       api,
		tokens:    tokens,
		sessions:  session.NewSessions(store),
		cache:     session.NewCache(store),
		transport: transport,
		checkout:  checkout,
		cfg:       cfg,
		clock:     clock.Real{},
		active:    make(map[model.ServiceType]*tracker),
	}
}

// Sessions 会话存储
func (s *AnalysisService) Sessions() *session.Sessions {
	return s.sessions
}

// Submit 提交分析表单并保存会话，返回任务 id
func (s *AnalysisService) Submit(ctx context.Context, t model.ServiceType, form *dto.AnalyzeForm) (string, error) {
	if !t.Valid() {
		return "", errs.Newf(errs.KindInvalid, "", nil, "Unknown analysis type %q.", t)
	}

	token, err := s.tokens(ctx)
	if err != nil {
		return "", errs.New(errs.KindAuth, "", "Unable to authenticate. Please sign in again.", err)
	}

	resp, err := s.api.Analyze(ctx, token, t, form)
	if err != nil {
		log.Printf("Failed to submit %s analysis: %v", t, err)
		return "", errs.New(errs.KindTransport, "", "Unable to start the analysis. Please try again.", err)
	}

	if err := s.sessions.Save(ctx, t, resp.AnalysisRequestID); err != nil {
		// 任务已经创建，会话写不进去只影响刷新后的恢复
		log.Printf("Job %s: failed to save %s session: %v", resp.AnalysisRequestID, t, err)
	}
	log.Printf("Job %s: %s analysis submitted", resp.AnalysisRequestID, t)
	return resp.AnalysisRequestID, nil
}

// Resume 启动时调用：有会话就直接继续观察，不再展示新的提交表单。没有会话时返回 ErrNoSession。
func (s *AnalysisService) Resume(ctx context.Context, t model.ServiceType, onProgress func(model.Progress)) (payment.Navigation, error) {
	jobID, ok, err := s.sessions.Read(ctx, t)
	if err != nil {
		return payment.Navigation{}, err
	}
	if !ok {
		return payment.Navigation{}, ErrNoSession
	}
	log.Printf("Job %s: resuming %s analysis", jobID, t)
	return s.Track(ctx, t, jobID, onProgress)
}

// Track 用配置的方式（推送或轮询）观察任务直到终态，返回报告页跳转目标
func (s *AnalysisService) Track(ctx context.Context, t model.ServiceType, jobID string, onProgress func(model.Progress)) (payment.Navigation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := &tracker{cancel: cancel}
	useStream := s.cfg.Stream.Enabled && s.transport != nil
	if useStream {
		opts := stream.OptionsFromConfig(s.cfg.Stream)
		opts.Sessions = s.sessions
		opts.Clock = s.clock
		tr.stream = stream.New(s.transport, s.tokens, opts)
	} else {
		opts := poller.OptionsFromConfig(s.cfg.Poller)
		opts.Clock = s.clock
		tr.poller = poller.New(s.api, s.tokens, opts)
	}

	if err := s.register(t, tr); err != nil {
		return payment.Navigation{}, err
	}
	defer s.unregister(t, tr)
	onProgress = s.guardProgress(tr, onProgress)

	var resultID string
	var err error
	if useStream {
		resultID, err = tr.stream.Watch(ctx, t, jobID, "", onProgress)
	} else {
		resultID, err = tr.poller.Poll(ctx, jobID, func(status model.JobStatus, resp *dto.StatusResponse) {
			if p, ok := pollProgress(status, resp.Message); ok {
				onProgress(p)
			}
		})
		if err == nil || errs.KindOf(err) == errs.KindBusiness {
			s.clearSession(t)
		}
	}

	if s.wasCancelled(tr) {
		return payment.Navigation{}, errs.New(errs.KindCancelled, jobID, "Analysis tracking cancelled.", context.Canceled)
	}
	if err != nil {
		return payment.Navigation{}, err
	}
	return payment.ReportRoute(t, resultID), nil
}

// PayAndTrack 付费流程：下单、支付、校验，直到拿到报告
func (s *AnalysisService) PayAndTrack(ctx context.Context, t model.ServiceType, form *dto.AnalyzeForm, couponCode string) (payment.Navigation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := payment.OptionsFromConfig(s.cfg)
	opts.Clock = s.clock
	orch := payment.NewOrchestrator(s.api, s.tokens, s.checkout, s.cache, s.sessions, opts)

	tr := &tracker{cancel: cancel, orch: orch}
	if err := s.register(t, tr); err != nil {
		return payment.Navigation{}, err
	}
	defer s.unregister(t, tr)

	nav, err := orch.Run(ctx, payment.Request{ServiceType: t, Form: form, CouponCode: couponCode})
	if s.wasCancelled(tr) {
		return payment.Navigation{}, errs.New(errs.KindCancelled, "", "Analysis tracking cancelled.", context.Canceled)
	}
	return nav, err
}

// ApplyCoupon 校验优惠码并挂到展示价格上
func (s *AnalysisService) ApplyCoupon(ctx context.Context, t model.ServiceType, code string, price *model.Price) (model.Coupon, error) {
	opts := payment.OptionsFromConfig(s.cfg)
	opts.Clock = s.clock
	orch := payment.NewOrchestrator(s.api, s.tokens, s.checkout, s.cache, s.sessions, opts)
	return orch.ApplyCoupon(ctx, t, code, price)
}

// Status 查询一次任务状态，不跟踪
func (s *AnalysisService) Status(ctx context.Context, jobID string) (*dto.StatusResponse, error) {
	token, err := s.tokens(ctx)
	if err != nil {
		return nil, errs.New(errs.KindAuth, jobID, "Unable to authenticate. Please sign in again.", err)
	}
	return s.api.JobStatus(ctx, token, jobID)
}

// Cancel 关闭推送连接、停止轮询并清除会话，之后不会再有回调或跳转
func (s *AnalysisService) Cancel(ctx context.Context, t model.ServiceType) error {
	s.mu.Lock()
	tr := s.active[t]
	if tr != nil {
		tr.cancelled = true
	}
	s.mu.Unlock()

	if tr != nil {
		if tr.stream != nil {
			tr.stream.Close()
		}
		if tr.poller != nil {
			tr.poller.Stop()
		}
		if tr.orch != nil {
			tr.orch.Cancel()
		}
		tr.cancel()
		// 等正在执行的回调结束
		tr.cbMu.Lock()
		tr.cbMu.Unlock()
	}

	if err := s.sessions.Clear(ctx, t); err != nil {
		return err
	}
	log.Printf("Cancelled %s analysis tracking", t)
	return nil
}

func (s *AnalysisService) register(t model.ServiceType, tr *tracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[t]; ok {
		return ErrAnalysisInProgress
	}
	s.active[t] = tr
	return nil
}

func (s *AnalysisService) unregister(t model.ServiceType, tr *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[t] == tr {
		delete(s.active, t)
	}
}

func (s *AnalysisService) wasCancelled(tr *tracker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tr.cancelled
}

// guardProgress Cancel 之后不再转发进度，回调里不能调用 Cancel
func (s *AnalysisService) guardProgress(tr *tracker, onProgress func(model.Progress)) func(model.Progress) {
	return func(p model.Progress) {
		if onProgress == nil {
			return
		}
		tr.cbMu.Lock()
		defer tr.cbMu.Unlock()
		if s.wasCancelled(tr) {
			return
		}
		onProgress(p)
	}
}

func (s *AnalysisService) clearSession(t model.ServiceType) {
	if err := s.sessions.Clear(context.Background(), t); err != nil {
		log.Printf("Failed to clear %s session: %v", t, err)
	}
}

// pollProgress 轮询接口的状态粒度更粗，running 显示为分析中
func pollProgress(status model.JobStatus, message string) (model.Progress, bool) {
	if status == model.StatusRunning {
		status = model.StatusAnalyzing
	}
	return model.ProgressFor(status, message)
}
