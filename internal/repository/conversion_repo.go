package repository

import (
	"context"
	"errors"
	"time"

	"affiliatesystem/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrConversionNotFound = errors.New("转化记录不存在")

type ConversionRepository struct {
	db *gorm.DB
}

func NewConversionRepository(db *gorm.DB) *ConversionRepository {
	return &ConversionRepository{db: db}
}

func (r *ConversionRepository) Create(ctx context.Context, tx *gorm.DB, conversion *model.Conversion) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(conversion).Error
}

// GetByOrderID 按外部订单号查转化，不存在时返回 (nil, nil)
// 幂等校验路径，"查不到"是常态不是错误
func (r *ConversionRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Conversion, error) {
	var conversion model.Conversion
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&conversion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conversion, nil
}

// UpdateStatus 转化状态流转（带状态守卫）
// WHERE 带上 fromStatus，已流转过的记录 RowsAffected = 0，
// 清分任务重复执行天然幂等
func (r *ConversionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.CanConversionTransitionTo(fromStatus, toStatus) {
		return ErrStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	now := time.Now().UTC()
	switch toStatus {
	case model.ConversionStatusCleared:
		updates["cleared_at"] = &now
	case model.ConversionStatusVoided:
		updates["voided_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// GetClearable 查推广员冻结期已满的 PENDING 转化
// 选择条件天然排除已清分记录，重复清分是空操作
func (r *ConversionRepository) GetClearable(ctx context.Context, affiliateID int64, purchasedBefore time.Time, limit int) ([]*model.Conversion, error) {
	var conversions []*model.Conversion
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND status = ? AND purchased_at <= ?",
			affiliateID, model.ConversionStatusPending, purchasedBefore).
		Order("purchased_at ASC").
		Limit(limit).
		Find(&conversions).Error
	return conversions, err
}

// GetAffiliateIDsWithClearable 查有到期待清分转化的推广员列表（定时清分任务用）
func (r *ConversionRepository) GetAffiliateIDsWithClearable(ctx context.Context, purchasedBefore time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Conversion{}).
		Distinct("affiliate_id").
		Where("status = ? AND purchased_at <= ?", model.ConversionStatusPending, purchasedBefore).
		Limit(limit).
		Pluck("affiliate_id", &ids).Error
	return ids, err
}

// MarkClearedAsPaid 提现完成后，把这笔提现覆盖的已清分转化标记为 PAID
// 只动状态不动钱：预扣发生在申请时，这里是账面归档
func (r *ConversionRepository) MarkClearedAsPaid(ctx context.Context, tx *gorm.DB, affiliateID int64, clearedBefore time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("affiliate_id = ? AND status = ? AND cleared_at <= ?",
			affiliateID, model.ConversionStatusCleared, clearedBefore).
		Update("status", model.ConversionStatusPaid).Error
}

// SumAmountByStatus 按状态汇总佣金金额（对账用）
func (r *ConversionRepository) SumAmountByStatus(ctx context.Context, affiliateID int64, statuses ...string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := r.db.WithContext(ctx).
		Model(&model.Conversion{}).
		Select("COALESCE(SUM(commission_amount), 0)").
		Where("affiliate_id = ? AND status IN ?", affiliateID, statuses).
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// CountByStatus 按状态统计转化数
func (r *ConversionRepository) CountByStatus(ctx context.Context, affiliateID int64, statuses ...string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("affiliate_id = ? AND status IN ?", affiliateID, statuses).
		Count(&total).Error
	return total, err
}

func (r *ConversionRepository) CountByAffiliate(ctx context.Context, affiliateID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Conversion{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&total).Error
	return total, err
}

// ListByAffiliate 转化明细分页查询，支持状态和时间范围过滤
func (r *ConversionRepository) ListByAffiliate(ctx context.Context, affiliateID int64, status string, from, to *time.Time, page, pageSize int) ([]*model.Conversion, int64, error) {
	var conversions []*model.Conversion
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Conversion{}).Where("affiliate_id = ?", affiliateID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if from != nil {
		query = query.Where("purchased_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("purchased_at <= ?", *to)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("purchased_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&conversions).Error

	return conversions, total, err
}
