package cron

import (
	"log"
	"sync"
	"time"

	"github.com/qs3c/reportflow/internal/repository"
)

// Service 定时清理已结束的沙箱任务
type Service struct {
	jobRepo   *repository.JobRepository
	retention time.Duration
	interval  time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewService(jobRepo *repository.JobRepository, retention, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{
		jobRepo:   jobRepo,
		retention: retention,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Start 启动定时任务，retention 为 0 时不启动
func (s *Service) Start() {
	if s.retention <= 0 {
		log.Println("Cron service disabled (retention=0)")
		return
	}
	s.wg.Add(1)
	go s.runCleanup()
	log.Printf("Cron service started (retention=%s, interval=%s)", s.retention, s.interval)
}

// Stop 停止定时任务
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	log.Println("Cron service stopped")
}

// runCleanup 按间隔清理
func (s *Service) runCleanup() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.RunNow(); err != nil {
				log.Printf("Cleanup failed: %v", err)
			}
		}
	}
}

// RunNow 立即清理一次，返回删除的任务数
func (s *Service) RunNow() (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.jobRepo.PurgeFinishedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("Cleanup summary: jobs=%d (finished before %s)", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
