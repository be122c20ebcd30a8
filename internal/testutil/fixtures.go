package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/reportflow/internal/model"
)

// MigrateSandbox 创建沙箱后端的表
func MigrateSandbox(t *testing.T, db *gorm.DB) {
	t.Helper()

	if err := db.AutoMigrate(&model.JobRecord{}, &model.OrderRecord{}); err != nil {
		t.Fatalf("Failed to migrate sandbox tables: %v", err)
	}
}

// TestJob 创建测试任务
func TestJob(t *testing.T, db *gorm.DB, userID int64, status model.JobStatus, opts ...func(*model.JobRecord)) *model.JobRecord {
	t.Helper()

	job := &model.JobRecord{
		ID:          fmt.Sprintf("job_%d", time.Now().UnixNano()),
		UserID:      userID,
		ServiceType: model.ServiceLinkedIn,
		ProfileURL:  "https://www.linkedin.com/in/test-user",
		Role:        "Backend Engineer",
		Status:      status,
		Paid:        true,
	}

	for _, opt := range opts {
		opt(job)
	}

	if err := db.Create(job).Error; err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}

	return job
}

// WithServiceType 设置分析类型
func WithServiceType(st model.ServiceType) func(*model.JobRecord) {
	return func(j *model.JobRecord) {
		j.ServiceType = st
	}
}

// Unpaid 付费流程中尚未支付的任务
func Unpaid() func(*model.JobRecord) {
	return func(j *model.JobRecord) {
		j.Paid = false
	}
}

// TestOrder 创建测试订单
func TestOrder(t *testing.T, db *gorm.DB, job *model.JobRecord, amount int64) *model.OrderRecord {
	t.Helper()

	order := &model.OrderRecord{
		ID:          fmt.Sprintf("order_%d", time.Now().UnixNano()),
		JobID:       job.ID,
		UserID:      job.UserID,
		ServiceType: job.ServiceType,
		Amount:      amount,
		Currency:    "INR",
	}

	if err := db.Create(order).Error; err != nil {
		t.Fatalf("Failed to create test order: %v", err)
	}

	return order
}
