package model

import "time"

// JobRecord 沙箱后端持久化的分析任务
type JobRecord struct {
	ID           string      `gorm:"primaryKey;size:64" json:"id"`
	UserID       int64       `gorm:"not null;index" json:"user_id"`
	ServiceType  ServiceType `gorm:"size:20;not null" json:"service_type"`
	ProfileURL   string      `gorm:"size:500" json:"profile_url,omitempty"`
	FileName     string      `gorm:"size:255" json:"file_name,omitempty"`
	Role         string      `gorm:"size:200" json:"role,omitempty"`
	JobDesc      string      `gorm:"type:text" json:"job_description,omitempty"`
	CompareURL   string      `gorm:"size:500" json:"compare_url,omitempty"`
	ResumeText   string      `gorm:"type:text" json:"-"`
	ResumeError  string      `gorm:"size:255" json:"-"`
	Status       JobStatus   `gorm:"size:30;default:pending;index" json:"status"`
	ResultID     string      `gorm:"size:64" json:"result_id,omitempty"`
	Comparison   string      `gorm:"type:text" json:"-"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	// Paid 付费流程的任务在支付校验通过前不会推进
	Paid        bool       `gorm:"not null" json:"paid"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (JobRecord) TableName() string {
	return "analysis_jobs"
}

// OrderRecord 沙箱后端的支付订单，金额单位为分
type OrderRecord struct {
	ID          string      `gorm:"primaryKey;size:64" json:"id"`
	JobID       string      `gorm:"size:64;not null;index" json:"job_id"`
	UserID      int64       `gorm:"not null;index" json:"user_id"`
	ServiceType ServiceType `gorm:"size:20;not null" json:"service_type"`
	Amount      int64       `json:"amount"`
	Currency    string      `gorm:"size:8" json:"currency"`
	CouponCode  string      `gorm:"size:50" json:"coupon_code,omitempty"`
	Paid        bool        `gorm:"default:false" json:"paid"`
	PaymentID   string      `gorm:"size:64" json:"payment_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (OrderRecord) TableName() string {
	return "payment_orders"
}
