package repository

import (
	"context"
	"errors"
	"time"

	"affiliatesystem/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrPayoutNotFound = errors.New("提现单不存在")

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) Create(ctx context.Context, tx *gorm.DB, payout *model.Payout) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payout).Error
}

func (r *PayoutRepository) GetByPayoutNo(ctx context.Context, payoutNo string) (*model.Payout, error) {
	var payout model.Payout
	err := r.db.WithContext(ctx).Where("payout_no = ?", payoutNo).First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &payout, nil
}

// GetPendingByAffiliate 查推广员当前未完结的提现单，没有时返回 (nil, nil)
func (r *PayoutRepository) GetPendingByAffiliate(ctx context.Context, affiliateID int64) (*model.Payout, error) {
	var payout model.Payout
	err := r.db.WithContext(ctx).
		Where("affiliate_id = ? AND status = ?", affiliateID, model.PayoutStatusPending).
		First(&payout).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payout, nil
}

// UpdateStatus 提现状态流转（带状态守卫），终态记录不会被二次流转
func (r *PayoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, payoutNo string, fromStatus, toStatus, transactionRef string) error {
	if !model.CanPayoutTransitionTo(fromStatus, toStatus) {
		return ErrStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       toStatus,
		"processed_at": &now,
	}
	if transactionRef != "" {
		updates["transaction_ref"] = transactionRef
	}

	result := tx.WithContext(ctx).
		Model(&model.Payout{}).
		Where("payout_no = ? AND status = ?", payoutNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// SumAmountByStatus 按状态汇总提现金额（对账用）
func (r *PayoutRepository) SumAmountByStatus(ctx context.Context, affiliateID int64, statuses ...string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := r.db.WithContext(ctx).
		Model(&model.Payout{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("affiliate_id = ? AND status IN ?", affiliateID, statuses).
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// ListByAffiliate 提现明细分页查询，支持状态和时间范围过滤
func (r *PayoutRepository) ListByAffiliate(ctx context.Context, affiliateID int64, status string, from, to *time.Time, page, pageSize int) ([]*model.Payout, int64, error) {
	var payouts []*model.Payout
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payout{}).Where("affiliate_id = ?", affiliateID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if from != nil {
		query = query.Where("requested_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("requested_at <= ?", *to)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("requested_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payouts).Error

	return payouts, total, err
}
