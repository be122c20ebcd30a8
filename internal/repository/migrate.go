package repository

import (
	"gorm.io/gorm"

	"github.com/qs3c/reportflow/internal/model"
)

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.JobRecord{}, &model.OrderRecord{})
}
