package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/reportflow/internal/model"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(job *model.JobRecord) error {
	return r.db.Create(job).Error
}

func (r *JobRepository) GetByID(id string) (*model.JobRecord, error) {
	var job model.JobRecord
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) Update(job *model.JobRecord) error {
	return r.db.Save(job).Error
}

func (r *JobRepository) UpdateStatus(id string, status model.JobStatus) error {
	return r.db.Model(&model.JobRecord{}).Where("id = ?", id).Update("status", status).Error
}

// MarkPaid 支付校验通过后允许任务推进
func (r *JobRepository) MarkPaid(id string) error {
	return r.db.Model(&model.JobRecord{}).Where("id = ?", id).Update("paid", true).Error
}

// Complete 写入结果并置为 completed
func (r *JobRepository) Complete(id, resultID, comparison string) error {
	now := time.Now()
	return r.db.Model(&model.JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       model.StatusCompleted,
		"result_id":    resultID,
		"comparison":   comparison,
		"completed_at": &now,
	}).Error
}

// Fail 置为 failed 并记录原因
func (r *JobRepository) Fail(id, message string) error {
	now := time.Now()
	return r.db.Model(&model.JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        model.StatusFailed,
		"error_message": message,
		"completed_at":  &now,
	}).Error
}

// ListActive 已进入流水线且未结束的任务
func (r *JobRepository) ListActive(limit int) ([]*model.JobRecord, error) {
	var jobs []*model.JobRecord
	err := r.db.Where("status NOT IN ? AND paid = ?",
		[]model.JobStatus{model.StatusPending, model.StatusCompleted, model.StatusFailed}, true).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// PurgeFinishedBefore 删除 cutoff 之前结束的任务及其订单，返回删除的任务数
func (r *JobRepository) PurgeFinishedBefore(cutoff time.Time) (int64, error) {
	var ids []string
	err := r.db.Model(&model.JobRecord{}).
		Where("status IN ? AND completed_at < ?", []model.JobStatus{model.StatusCompleted, model.StatusFailed}, cutoff).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	var deleted int64
	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id IN ?", ids).Delete(&model.OrderRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&model.JobRecord{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}
