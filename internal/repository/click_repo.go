package repository

import (
	"context"
	"time"

	"affiliatesystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClickRepository struct {
	db *gorm.DB
}

func NewClickRepository(db *gorm.DB) *ClickRepository {
	return &ClickRepository{db: db}
}

// Upsert 点击落库，(affiliate_id, session_id) 冲突时静默忽略
// 返回是否真正插入了新记录，同一会话重复访问只计一次点击
func (r *ClickRepository) Upsert(ctx context.Context, tx *gorm.DB, click *model.Click) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "affiliate_id"}, {Name: "session_id"}},
			DoNothing: true,
		}).
		Create(click)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetLatestAttributable 查会话在归因窗口内最近一次未转化的点击
// 没有可归因点击时返回 (nil, nil)，订单正常不产生佣金
func (r *ClickRepository) GetLatestAttributable(ctx context.Context, sessionID string, windowStart time.Time) (*model.Click, error) {
	var click model.Click
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND converted_at IS NULL AND created_at >= ?", sessionID, windowStart).
		Order("created_at DESC").
		First(&click).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &click, nil
}

// MarkConverted 点击标记为已转化，只允许标记一次
func (r *ClickRepository) MarkConverted(ctx context.Context, tx *gorm.DB, clickID int64, orderID string, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Click{}).
		Where("id = ? AND converted_at IS NULL", clickID).
		Updates(map[string]interface{}{
			"converted_at": at,
			"order_id":     orderID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

func (r *ClickRepository) CountByAffiliate(ctx context.Context, affiliateID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Click{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&total).Error
	return total, err
}

// ListByAffiliate 点击明细分页查询，支持时间范围过滤
func (r *ClickRepository) ListByAffiliate(ctx context.Context, affiliateID int64, from, to *time.Time, page, pageSize int) ([]*model.Click, int64, error) {
	var clicks []*model.Click
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Click{}).Where("affiliate_id = ?", affiliateID)
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at <= ?", *to)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&clicks).Error

	return clicks, total, err
}
