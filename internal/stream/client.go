package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/pkg/auth"
	"github.com/qs3c/reportflow/internal/pkg/clock"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/pkg/retry"
	"github.com/qs3c/reportflow/internal/session"
)

const lostConnectionMessage = "Lost connection to the analysis service. Please check your dashboard for the result."

type Options struct {
	Debounce      time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxReconnects int
	NavigateDelay time.Duration
	// Sessions 任务结束时清理会话，可为 nil
	Sessions *session.Sessions
	Clock    clock.Clock
}

// OptionsFromConfig 从配置构造
func OptionsFromConfig(cfg config.StreamConfig) Options {
	return Options{
		Debounce:      cfg.Debounce,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		MaxReconnects: cfg.MaxReconnects,
		NavigateDelay: cfg.NavigateDelay,
	}
}

func (o *Options) setDefaults() {
	def := config.Default().Stream
	if o.Debounce <= 0 {
		o.Debounce = def.Debounce
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = def.MaxReconnects
	}
	if o.NavigateDelay < 0 {
		o.NavigateDelay = 0
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Handler 异步模式回调。OnComplete/OnError 只触发其中一个，回调里不要调用 Close。
type Handler struct {
	OnProgress func(model.Progress)
	OnComplete func(resultID string)
	OnError    func(err error)
}

// Client 订阅单个任务的进度推送，断线自动重连
type Client struct {
	transport Transport
	tokens    auth.TokenSupplier
	opts      Options

	connMu sync.Mutex
	conn   Conn
	opened int

	cbMu    sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建推送客户端
func New(transport Transport, tokens auth.TokenSupplier, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		transport: transport,
		tokens:    tokens,
		opts:      opts,
	}
}

// Connections 累计打开过的连接数
func (c *Client) Connections() int {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.opened
}

// setConn 替换当前连接，旧连接先关闭
func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	prev := c.conn
	c.conn = conn
	if conn != nil {
		c.opened++
	}
	c.connMu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

func (c *Client) closeConn() {
	c.setConn(nil)
}

// Watch 阻塞直到任务结束，返回结果报告 id。initialToken 为空时先取一次令牌。
func (c *Client) Watch(ctx context.Context, t model.ServiceType, jobID, initialToken string, onProgress func(model.Progress)) (string, error) {
	if jobID == "" {
		return "", errs.New(errs.KindInvalid, "", "Unable to track analysis status: missing analysis id.", nil)
	}

	// ctx 取消时关闭连接，打断阻塞中的 Next
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()
	defer c.closeConn()

	token := initialToken
	attempt := 0

	for {
		if token == "" {
			var err error
			if token, err = c.tokens(ctx); err != nil {
				if ctx.Err() != nil {
					return "", cancelled(jobID)
				}
				log.Printf("Job %s: unable to get a token for the event stream: %v", jobID, err)
				return "", errs.New(errs.KindAuth, jobID, "Unable to authenticate. Please sign in again.", err)
			}
		}

		conn, err := c.transport.Open(ctx, jobID, token)
		if err == nil {
			c.setConn(conn)
			resultID, done, err := c.read(ctx, t, jobID, conn, &attempt, onProgress)
			if done {
				return resultID, err
			}
		} else {
			log.Printf("Job %s: failed to open event stream: %v", jobID, err)
		}
		c.closeConn()

		if ctx.Err() != nil {
			return "", cancelled(jobID)
		}

		// 短时间内的多次断线只算一次
		if err := c.opts.Clock.Sleep(ctx, c.opts.Debounce); err != nil {
			return "", cancelled(jobID)
		}

		attempt++
		if attempt > c.opts.MaxReconnects {
			log.Printf("Job %s: event stream lost after %d reconnect attempts", jobID, c.opts.MaxReconnects)
			c.clearSession(t)
			return "", errs.New(errs.KindTransport, jobID, lostConnectionMessage, err)
		}

		delay := retry.Exponential(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		log.Printf("Job %s: event stream disconnected, reconnecting in %s (attempt %d/%d)", jobID, delay, attempt, c.opts.MaxReconnects)
		if err := c.opts.Clock.Sleep(ctx, delay); err != nil {
			return "", cancelled(jobID)
		}

		// 每次重连都换新令牌
		token = ""
	}
}

// read 消费一条连接直到断开。done 为 true 表示任务已结束或被取消。
func (c *Client) read(ctx context.Context, t model.ServiceType, jobID string, conn Conn, attempt *int, onProgress func(model.Progress)) (string, bool, error) {
	for {
		msg, err := conn.Next()
		if ctx.Err() != nil {
			return "", true, cancelled(jobID)
		}
		if err != nil {
			return "", false, err
		}
		*attempt = 0

		status, ok := model.ParseStreamStatus(msg.Status)
		if !ok {
			log.Printf("Job %s: ignoring stream message with unknown status %q", jobID, msg.Status)
			continue
		}
		if status == model.StatusCompleted && msg.ResultReportID == "" {
			log.Printf("Job %s: completed message without a report id, waiting for the next one", jobID)
			continue
		}

		if p, ok := model.ProgressFor(status, msg.Message); ok && onProgress != nil {
			onProgress(p)
		}

		switch status {
		case model.StatusCompleted:
			c.closeConn()
			c.clearSession(t)
			log.Printf("Job %s: completed, report %s", jobID, msg.ResultReportID)
			if err := c.opts.Clock.Sleep(ctx, c.opts.NavigateDelay); err != nil {
				return "", true, cancelled(jobID)
			}
			return msg.ResultReportID, true, nil
		case model.StatusFailed:
			c.closeConn()
			c.clearSession(t)
			text := msg.Message
			if text == "" {
				text = model.DefaultFailureMessage
			}
			log.Printf("Job %s: failed: %s", jobID, text)
			return "", true, errs.New(errs.KindBusiness, jobID, text, nil)
		}
	}
}

func (c *Client) clearSession(t model.ServiceType) {
	if c.opts.Sessions == nil || t == "" {
		return
	}
	if err := c.opts.Sessions.Clear(context.Background(), t); err != nil {
		log.Printf("Failed to clear %s session: %v", t, err)
	}
}

// Start 异步订阅
func (c *Client) Start(ctx context.Context, t model.ServiceType, jobID, token string, h Handler) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.cbMu.Lock()
	c.stopped = false
	c.cancel = cancel
	c.done = done
	c.cbMu.Unlock()

	onProgress := func(p model.Progress) {
		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		if c.stopped || h.OnProgress == nil {
			return
		}
		h.OnProgress(p)
	}

	go func() {
		defer close(done)
		defer cancel()

		resultID, err := c.Watch(ctx, t, jobID, token, onProgress)

		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		if c.stopped {
			return
		}
		c.stopped = true
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		if h.OnComplete != nil {
			h.OnComplete(resultID)
		}
	}()
}

// Close 断开连接，返回后不会再有回调
func (c *Client) Close() {
	c.cbMu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.cbMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConn()
}

// Wait 等待异步订阅结束
func (c *Client) Wait() {
	c.cbMu.Lock()
	done := c.done
	c.cbMu.Unlock()
	if done != nil {
		<-done
	}
}

func cancelled(jobID string) error {
	return errs.New(errs.KindCancelled, jobID, "Analysis tracking cancelled.", context.Canceled)
}
