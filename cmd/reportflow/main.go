package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/client"
	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/payment"
	"github.com/qs3c/reportflow/internal/pkg/auth"
	"github.com/qs3c/reportflow/internal/pkg/errs"
	"github.com/qs3c/reportflow/internal/pkg/ws"
	"github.com/qs3c/reportflow/internal/service"
	"github.com/qs3c/reportflow/internal/session"
	"github.com/qs3c/reportflow/internal/stream"
)

const usage = `Usage: reportflow <command> [flags]

Commands:
  analyze   submit a free analysis and follow it
  pay       create an order, pay in the terminal and follow the paid analysis
  resume    continue following the analysis saved for a type
  cancel    stop following and forget the saved analysis
  status    print the current status of a job
  coupon    check a coupon code against a price
`

// app 每个子命令共用的依赖
type app struct {
	cfg     *config.Config
	tokens  auth.TokenSupplier
	svc     *service.AnalysisService
	cleanup func() error
}

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Ctrl-C 只停止跟踪，会话保留，下次 resume 继续
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "analyze":
		err = runAnalyze(ctx, args)
	case "pay":
		err = runPay(ctx, args)
	case "resume":
		err = runResume(ctx, args)
	case "cancel":
		err = runCancel(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "coupon":
		err = runCoupon(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		os.Exit(report(err))
	}
}

// report 打印面向用户的错误，返回退出码
func report(err error) int {
	switch {
	case errors.Is(err, service.ErrNoSession):
		fmt.Println("No analysis in progress.")
		return 0
	case errors.Is(err, errs.ErrCancelled):
		fmt.Println(errs.Message(err))
		return 130
	}
	fmt.Fprintln(os.Stderr, "Error:", errs.Message(err))
	log.Printf("%s: %v", errs.KindOf(err), err)
	return 1
}

type commonFlags struct {
	configPath  string
	serviceType string
	notify      bool
}

func newFlagSet(name string, c *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&c.configPath, "config", defaultConfigPath(), "Path to config file")
	fs.StringVar(&c.serviceType, "type", "linkedin", "Analysis type: linkedin, resume or comparison")
	fs.BoolVar(&c.notify, "notify", false, "Print realtime notifications while following")
	return fs
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func (c *commonFlags) analysisType() (model.ServiceType, error) {
	t := model.ServiceType(c.serviceType)
	if !t.Valid() {
		return "", errs.Newf(errs.KindInvalid, "", nil, "Unknown analysis type %q.", c.serviceType)
	}
	return t, nil
}

func newApp(ctx context.Context, c *commonFlags, checkout payment.Checkout) (*app, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewFromConfig(ctx, &cfg.Auth)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := session.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	var transport stream.Transport
	if cfg.Stream.Enabled {
		transport, err = stream.NewTransport(cfg.Stream.Transport, cfg.API.BaseURL)
		if err != nil {
			closeStore()
			return nil, err
		}
	}

	api := client.New(cfg.API.BaseURL, cfg.API.RequestTimeout)
	return &app{
		cfg:     cfg,
		tokens:  tokens,
		svc:     service.NewAnalysisService(api, tokens, store, transport, checkout, cfg),
		cleanup: closeStore,
	}, nil
}

// loadConfig 没有配置文件时使用默认配置
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if _, errLocal := os.Stat(filepath.Join(filepath.Dir(path), "config.local.yaml")); errLocal != nil {
			cfg := config.Default()
			return &cfg, nil
		}
	}
	return config.Load(path)
}

// startNotifier 跟踪期间打印实时通知
func (a *app) startNotifier(ctx context.Context) func() {
	n := ws.NewNotifier(ws.NotifyURL(a.cfg.API.BaseURL, a.cfg.API.NotifyURL), a.tokens, func(msg *ws.Message) {
		fmt.Printf("* notification: %s %v\n", msg.Type, msg.Data)
	})
	if err := n.Connect(ctx, a.cfg.Auth.UserID); err != nil {
		log.Printf("Notifications unavailable: %v", err)
		return func() {}
	}
	return n.Disconnect
}

func printProgress(p model.Progress) {
	fmt.Printf("[%3d%%] step %d/%d  %s", p.Percentage, p.CurrentStep, p.TotalSteps, p.Title)
	if p.Subtitle != "" {
		fmt.Printf(" - %s", p.Subtitle)
	}
	fmt.Println()
}

func printNavigation(nav payment.Navigation) {
	fmt.Printf("Report ready: %s\n", nav.URL())
}

func formFlags(fs *flag.FlagSet) *dto.AnalyzeForm {
	form := &dto.AnalyzeForm{}
	fs.StringVar(&form.ProfileURL, "profile", "", "Profile URL")
	fs.StringVar(&form.FileName, "file", "", "Resume file to upload")
	fs.StringVar(&form.Role, "role", "", "Target role")
	fs.StringVar(&form.JobDescription, "jd", "", "Job description")
	fs.StringVar(&form.CompareURL, "compare", "", "Second profile URL for comparison")
	return form
}

// loadFile 读取要上传的简历
func loadFile(form *dto.AnalyzeForm) error {
	if form.FileName == "" {
		return nil
	}
	data, err := os.ReadFile(form.FileName)
	if err != nil {
		return errs.New(errs.KindInvalid, "", "Unable to read the resume file.", err)
	}
	form.File = data
	form.FileName = filepath.Base(form.FileName)
	return nil
}

func runAnalyze(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("analyze", &c)
	form := formFlags(fs)
	follow := fs.Bool("follow", true, "Follow the analysis until the report is ready")
	fs.Parse(args)

	t, err := c.analysisType()
	if err != nil {
		return err
	}
	if err := loadFile(form); err != nil {
		return err
	}

	a, err := newApp(ctx, &c, nil)
	if err != nil {
		return err
	}
	defer a.cleanup()

	jobID, err := a.svc.Submit(ctx, t, form)
	if err != nil {
		return err
	}
	fmt.Printf("Analysis %s submitted.\n", jobID)
	if !*follow {
		return nil
	}

	if c.notify {
		defer a.startNotifier(ctx)()
	}

	nav, err := a.svc.Track(ctx, t, jobID, printProgress)
	if err != nil {
		return err
	}
	printNavigation(nav)
	return nil
}

func runPay(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("pay", &c)
	form := formFlags(fs)
	coupon := fs.String("coupon", "", "Coupon code")
	fs.Parse(args)

	t, err := c.analysisType()
	if err != nil {
		return err
	}
	if err := loadFile(form); err != nil {
		return err
	}

	a, err := newApp(ctx, &c, &payment.ConsoleCheckout{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		return err
	}
	defer a.cleanup()

	if c.notify {
		defer a.startNotifier(ctx)()
	}

	nav, err := a.svc.PayAndTrack(ctx, t, form, *coupon)
	if err != nil {
		return err
	}
	printNavigation(nav)
	return nil
}

func runResume(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("resume", &c)
	fs.Parse(args)

	t, err := c.analysisType()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c, nil)
	if err != nil {
		return err
	}
	defer a.cleanup()

	if c.notify {
		defer a.startNotifier(ctx)()
	}

	nav, err := a.svc.Resume(ctx, t, printProgress)
	if err != nil {
		return err
	}
	printNavigation(nav)
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("cancel", &c)
	fs.Parse(args)

	t, err := c.analysisType()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c, nil)
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.svc.Cancel(ctx, t); err != nil {
		return err
	}
	fmt.Printf("Stopped following the %s analysis.\n", t)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("status", &c)
	jobID := fs.String("job", "", "Job id (defaults to the saved analysis of -type)")
	fs.Parse(args)

	a, err := newApp(ctx, &c, nil)
	if err != nil {
		return err
	}
	defer a.cleanup()

	id := *jobID
	if id == "" {
		t, err := c.analysisType()
		if err != nil {
			return err
		}
		saved, ok, err := a.svc.Sessions().Read(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			return service.ErrNoSession
		}
		id = saved
	}

	resp, err := a.svc.Status(ctx, id)
	if err != nil {
		return errs.New(errs.KindTransport, id, "Unable to fetch the analysis status.", err)
	}
	fmt.Printf("%s: %s", id, resp.Status)
	if resp.Message != "" {
		fmt.Printf(" (%s)", resp.Message)
	}
	if resp.ResultReportID != "" {
		fmt.Printf(" report=%s", resp.ResultReportID)
	}
	fmt.Println()
	return nil
}

func runCoupon(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("coupon", &c)
	code := fs.String("code", "", "Coupon code")
	amount := fs.Float64("amount", 0, "Price before discount")
	fs.Parse(args)

	t, err := c.analysisType()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c, nil)
	if err != nil {
		return err
	}
	defer a.cleanup()

	price := &model.Price{Base: *amount}
	coupon, err := a.svc.ApplyCoupon(ctx, t, *code, price)
	if err != nil {
		return err
	}
	fmt.Printf("Coupon %s: -%.2f, pay %.2f\n", coupon.Code, coupon.DiscountAmount, price.Amount())
	return nil
}
