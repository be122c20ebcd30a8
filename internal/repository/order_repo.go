package repository

import (
	"gorm.io/gorm"

	"github.com/qs3c/reportflow/internal/model"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(order *model.OrderRecord) error {
	return r.db.Create(order).Error
}

func (r *OrderRepository) GetByID(id string) (*model.OrderRecord, error) {
	var order model.OrderRecord
	err := r.db.Where("id = ?", id).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkPaid 只更新未支付的订单，返回是否是本次更新的
func (r *OrderRepository) MarkPaid(id, paymentID string) (bool, error) {
	result := r.db.Model(&model.OrderRecord{}).
		Where("id = ? AND paid = ?", id, false).
		Updates(map[string]interface{}{"paid": true, "payment_id": paymentID})
	return result.RowsAffected > 0, result.Error
}
