package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/client"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/auth"
	"github.com/qs3c/reportflow/internal/pkg/clock"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/pkg/retry"
)

// StatusFetcher 查询任务状态，*client.Client 实现了该接口
type StatusFetcher interface {
	JobStatus(ctx context.Context, token, jobID string) (*dto.StatusResponse, error)
}

type Options struct {
	Interval   time.Duration
	RetryDelay time.Duration
	MaxRetries int
	MaxPolls   int
	MaxElapsed time.Duration
	// BestEffort 后台轮询：任何错误直接放弃，不重试
	BestEffort bool
	Clock      clock.Clock
}

// OptionsFromConfig 从配置构造
func OptionsFromConfig(cfg config.PollerConfig) Options {
	return Options{
		Interval:   cfg.Interval,
		RetryDelay: cfg.RetryDelay,
		MaxRetries: cfg.MaxRetries,
		MaxPolls:   cfg.MaxPolls,
		MaxElapsed: cfg.MaxElapsed,
	}
}

func (o *Options) setDefaults() {
	def := config.Default().Poller
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = def.MaxPolls
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = def.MaxElapsed
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Callbacks 异步模式的回调，OnComplete/OnError 只会触发其中一个且只触发一次。
// 回调里不要调用 Stop。
type Callbacks struct {
	OnStatus   func(status model.JobStatus, resp *dto.StatusResponse)
	OnComplete func(resultID string)
	OnError    func(err error)
}

// Poller 轮询任务状态直到终态
type Poller struct {
	api    StatusFetcher
	tokens auth.TokenSupplier
	opts   Options

	polls int64

	cbMu    sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建轮询器
func New(api StatusFetcher, tokens auth.TokenSupplier, opts Options) *Poller {
	opts.setDefaults()
	return &Poller{
		api:    api,
		tokens: tokens,
		opts:   opts,
	}
}

// Polls 已发出的轮询次数
func (p *Poller) Polls() int {
	return int(atomic.LoadInt64(&p.polls))
}

// Poll 阻塞轮询，返回结果报告 id
func (p *Poller) Poll(ctx context.Context, jobID string, onStatus func(model.JobStatus, *dto.StatusResponse)) (string, error) {
	if jobID == "" {
		return "", errs.New(errs.KindInvalid, "", "Unable to track analysis status: missing analysis id.", nil)
	}

	atomic.StoreInt64(&p.polls, 0)
	start := p.opts.Clock.Now()
	budget := retry.NewBudget(retry.Policy{MaxRetries: p.opts.MaxRetries, Delay: p.opts.RetryDelay})
	var last model.JobStatus

	for {
		if ctx.Err() != nil {
			return "", cancelled(jobID)
		}
		if p.Polls() >= p.opts.MaxPolls || p.opts.Clock.Now().Sub(start) > p.opts.MaxElapsed {
			log.Printf("Job %s: giving up after %d polls, elapsed %s", jobID, p.Polls(), p.opts.Clock.Now().Sub(start))
			return "", errs.Newf(errs.KindTimeout, jobID, nil,
				"Analysis is taking too long. Please check your dashboard later or contact support with analysis ID %s.", jobID)
		}

		atomic.AddInt64(&p.polls, 1)

		token, err := p.tokens(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", cancelled(jobID)
			}
			return "", errs.New(errs.KindAuth, jobID, "Unable to authenticate. Please sign in again.", err)
		}

		resp, err := p.api.JobStatus(ctx, token, jobID)
		// 取消期间返回的响应直接丢弃
		if ctx.Err() != nil {
			return "", cancelled(jobID)
		}

		if err != nil {
			if client.IsUnauthorized(err) && !p.opts.BestEffort {
				// 令牌过期，下一轮换新令牌，不占重试次数
				log.Printf("Job %s: status poll unauthorized, retrying with a fresh token", jobID)
				if err := p.opts.Clock.Sleep(ctx, p.opts.Interval); err != nil {
					return "", cancelled(jobID)
				}
				continue
			}
			if fatal := p.fail(ctx, budget, jobID, err, "Unable to check analysis status. Please contact support with analysis ID %s."); fatal != nil {
				return "", fatal
			}
			continue
		}

		if resp.LooksAlive() {
			err := errors.New("status request reached a generic server endpoint")
			if fatal := p.fail(ctx, budget, jobID, err, "Status service is misrouted. Please contact support with analysis ID %s."); fatal != nil {
				return "", fatal
			}
			continue
		}

		status, ok := model.ParsePollStatus(resp.Status)
		if !ok || (status == model.StatusCompleted && resp.ResultReportID == "") {
			err := errors.New("unrecognized status payload: " + resp.Status)
			if fatal := p.fail(ctx, budget, jobID, err, "Unable to check analysis status. Please contact support with analysis ID %s."); fatal != nil {
				return "", fatal
			}
			continue
		}
		budget.Reset()

		switch status {
		case model.StatusCompleted:
			log.Printf("Job %s: completed, report %s after %d polls", jobID, resp.ResultReportID, p.Polls())
			return resp.ResultReportID, nil
		case model.StatusFailed:
			msg := resp.Error
			if msg == "" {
				msg = resp.Message
			}
			if msg == "" {
				msg = model.DefaultFailureMessage
			}
			log.Printf("Job %s: failed: %s", jobID, msg)
			return "", errs.New(errs.KindBusiness, jobID, msg, nil)
		}

		if status != last {
			last = status
			if onStatus != nil {
				onStatus(status, resp)
			}
		}
		if resp.Warning != "" {
			log.Printf("Job %s: backend warning: %s", jobID, resp.Warning)
		}

		if err := p.opts.Clock.Sleep(ctx, p.opts.Interval); err != nil {
			return "", cancelled(jobID)
		}
	}
}

// fail 记一次可重试的失败；预算用尽或后台模式时返回致命错误
func (p *Poller) fail(ctx context.Context, budget *retry.Budget, jobID string, cause error, format string) error {
	if p.opts.BestEffort {
		return errs.New(errs.KindTransport, jobID, "background status check failed", cause)
	}
	if !budget.Fail() {
		log.Printf("Job %s: status poll failed %d times, giving up: %v", jobID, budget.Failures(), cause)
		return errs.Newf(errs.KindTransport, jobID, cause, format, jobID)
	}
	log.Printf("Job %s: status poll failed (retry %d/%d): %v", jobID, budget.Failures(), p.opts.MaxRetries, cause)
	if err := p.opts.Clock.Sleep(ctx, budget.Delay()); err != nil {
		return cancelled(jobID)
	}
	return nil
}

// Start 异步轮询
func (p *Poller) Start(ctx context.Context, jobID string, cb Callbacks) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.cbMu.Lock()
	p.stopped = false
	p.cancel = cancel
	p.done = done
	p.cbMu.Unlock()

	onStatus := func(status model.JobStatus, resp *dto.StatusResponse) {
		p.cbMu.Lock()
		defer p.cbMu.Unlock()
		if p.stopped || cb.OnStatus == nil {
			return
		}
		cb.OnStatus(status, resp)
	}

	go func() {
		defer close(done)
		defer cancel()

		resultID, err := p.Poll(ctx, jobID, onStatus)

		p.cbMu.Lock()
		defer p.cbMu.Unlock()
		if p.stopped {
			return
		}
		p.stopped = true
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnComplete != nil {
			cb.OnComplete(resultID)
		}
	}()
}

// Stop 停止异步轮询，返回后不会再有回调
func (p *Poller) Stop() {
	p.cbMu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.cbMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait 等待异步轮询结束
func (p *Poller) Wait() {
	p.cbMu.Lock()
	done := p.done
	p.cbMu.Unlock()
	if done != nil {
		<-done
	}
}

func cancelled(jobID string) error {
	return errs.New(errs.KindCancelled, jobID, "Analysis tracking cancelled.", context.Canceled)
}
