package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/pkg/queue"
	"github.com/qs3c/reportflow/internal/pkg/ws"
)

// 流水线顺序，每个 tick 前进一步
var nextStage = map[model.JobStatus]model.JobStatus{
	model.StatusQueued:           model.StatusScraping,
	model.StatusScraping:         model.StatusAnalyzing,
	model.StatusAnalyzing:        model.StatusGeneratingReport,
	model.StatusGeneratingReport: model.StatusCompleted,
}

var stageMessages = map[model.JobStatus]string{
	model.StatusPending:          "Waiting to start",
	model.StatusQueued:           "Queued for analysis",
	model.StatusScraping:         "Collecting profile data",
	model.StatusAnalyzing:        "Analyzing experience and skills",
	model.StatusGeneratingReport: "Generating your report",
	model.StatusCompleted:        "Report ready",
}

const activeBatch = 100

// Start 启动出队循环和推进定时器
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.runWorker()
	go e.runTicker()
	log.Printf("Sandbox engine started (step interval %s)", e.cfg.StepInterval)
}

// Stop 停止后台循环并等待退出
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
	log.Println("Sandbox engine stopped")
}

// runWorker 从队列取任务，pending → queued
func (e *Engine) runWorker() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopChan
		cancel()
	}()

	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		msg, err := e.queue.Pop(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Sandbox worker: failed to pop job: %v", err)
			continue
		}
		if msg == nil {
			continue // 超时，继续等待
		}

		if err := e.Process(ctx, msg); err != nil {
			log.Printf("Sandbox worker: job %s: %v", msg.JobID, err)
		}
	}
}

// runTicker 定时推进进行中的任务
func (e *Engine) runTicker() {
	defer e.wg.Done()

	interval := e.cfg.StepInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.Advance(context.Background()); err != nil {
				log.Printf("Sandbox ticker: %v", err)
			}
		}
	}
}

// Process 处理出队的任务
func (e *Engine) Process(ctx context.Context, msg *queue.JobMessage) error {
	job, err := e.jobs.GetByID(msg.JobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job.ServiceType != msg.ServiceType {
		log.Printf("Job %s: queued as %s but stored as %s, skipping", job.ID, msg.ServiceType, job.ServiceType)
		return nil
	}
	if !job.Paid || job.Status != model.StatusPending {
		return nil
	}

	if err := e.jobs.UpdateStatus(job.ID, model.StatusQueued); err != nil {
		return fmt.Errorf("failed to queue job: %w", err)
	}
	e.publish(ctx, job, model.StatusQueued, "")
	log.Printf("Job %s: queued", job.ID)
	return nil
}

// Advance 所有进行中的任务前进一个阶段
func (e *Engine) Advance(ctx context.Context) error {
	jobs, err := e.jobs.ListActive(activeBatch)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	for _, job := range jobs {
		if err := e.step(ctx, job); err != nil {
			log.Printf("Job %s: failed to advance: %v", job.ID, err)
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, job *model.JobRecord) error {
	next, ok := nextStage[job.Status]
	if !ok {
		return nil
	}

	// 简历不可读或配置里列出的资料在分析阶段失败
	if next == model.StatusAnalyzing {
		if job.ResumeError != "" {
			return e.fail(ctx, job, job.ResumeError)
		}
		if e.shouldFail(job) {
			return e.fail(ctx, job, "We could not analyze this profile. Please check the URL and try again.")
		}
	}

	if next == model.StatusCompleted {
		return e.complete(ctx, job)
	}

	if err := e.jobs.UpdateStatus(job.ID, next); err != nil {
		return err
	}
	e.publish(ctx, job, next, "")
	return nil
}

func (e *Engine) complete(ctx context.Context, job *model.JobRecord) error {
	resultID := "rep_" + shortID()

	var comparison string
	if job.ServiceType == model.ServiceComparison {
		data, err := comparisonResult(job, resultID)
		if err != nil {
			return err
		}
		comparison = string(data)
	}

	if err := e.jobs.Complete(job.ID, resultID, comparison); err != nil {
		return err
	}
	job.ResultID = resultID
	e.publish(ctx, job, model.StatusCompleted, "")

	err := e.hub.NotifyJob(job.UserID, ws.TypeJobCompleted, &ws.JobNotification{
		JobID:          job.ID,
		ServiceType:    string(job.ServiceType),
		ResultReportID: resultID,
	})
	if err != nil {
		log.Printf("Job %s: failed to notify user %d: %v", job.ID, job.UserID, err)
	}
	log.Printf("Job %s: completed, report %s", job.ID, resultID)
	return nil
}

func (e *Engine) fail(ctx context.Context, job *model.JobRecord, message string) error {
	if err := e.jobs.Fail(job.ID, message); err != nil {
		return err
	}
	e.publish(ctx, job, model.StatusFailed, message)

	err := e.hub.NotifyJob(job.UserID, ws.TypeJobFailed, &ws.JobNotification{
		JobID:       job.ID,
		ServiceType: string(job.ServiceType),
		Message:     message,
	})
	if err != nil {
		log.Printf("Job %s: failed to notify user %d: %v", job.ID, job.UserID, err)
	}
	log.Printf("Job %s: failed: %s", job.ID, message)
	return nil
}

func (e *Engine) shouldFail(job *model.JobRecord) bool {
	for _, p := range e.cfg.FailProfiles {
		if p == "" {
			continue
		}
		if strings.Contains(job.ProfileURL, p) || strings.Contains(job.CompareURL, p) || strings.Contains(job.FileName, p) {
			return true
		}
	}
	return false
}

// comparisonResult 对比报告的正文，随 verify-payment 一起返回给客户端
func comparisonResult(job *model.JobRecord, resultID string) ([]byte, error) {
	type candidate struct {
		Source string `json:"source"`
		Score  int    `json:"score"`
	}
	payload := struct {
		ComparisonID string      `json:"comparisonId"`
		Role         string      `json:"role,omitempty"`
		Candidates   []candidate `json:"candidates"`
		Summary      string      `json:"summary"`
	}{
		ComparisonID: resultID,
		Role:         job.Role,
		Candidates: []candidate{
			{Source: firstNonEmpty(job.ProfileURL, job.FileName), Score: 78},
			{Source: job.CompareURL, Score: 71},
		},
		Summary: "The first profile is a stronger match for the role.",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comparison: %w", err)
	}
	return data, nil
}

// pollStatus 内部状态 → 轮询接口词表
func pollStatus(s model.JobStatus) string {
	switch s {
	case model.StatusPending, model.StatusQueued:
		return "pending"
	case model.StatusCompleted, model.StatusFailed:
		return string(s)
	default:
		return "running"
	}
}

func stageMessage(s model.JobStatus) string {
	return stageMessages[s]
}

func sinceMinutes(t time.Time) float64 {
	return time.Since(t).Minutes()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
