package repository

import (
	"context"
	"errors"

	"affiliatesystem/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrAffiliateNotFound = errors.New("推广员不存在")
	ErrOptimisticLock    = errors.New("乐观锁冲突，请重试")
	ErrStatusInvalid     = errors.New("状态流转不合法")
)

// AffiliateRepository 推广员账户仓储
//
// 【重要】汇总字段的每一次变更都走 version 条件更新（乐观锁 CAS）：
//
//	UPDATE affiliate SET ... , version = version + 1
//	WHERE id = ? AND version = ?
//
// RowsAffected = 0 说明有并发写入抢先提交，整个事务回滚由调用方重试。
// 推广员行是所有佣金变更的串行化点。
type AffiliateRepository struct {
	db *gorm.DB
}

func NewAffiliateRepository(db *gorm.DB) *AffiliateRepository {
	return &AffiliateRepository{db: db}
}

func (r *AffiliateRepository) Create(ctx context.Context, affiliate *model.Affiliate) error {
	return r.db.WithContext(ctx).Create(affiliate).Error
}

func (r *AffiliateRepository) GetByID(ctx context.Context, id int64) (*model.Affiliate, error) {
	var affiliate model.Affiliate
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

func (r *AffiliateRepository) GetByCode(ctx context.Context, code string) (*model.Affiliate, error) {
	var affiliate model.Affiliate
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&affiliate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &affiliate, nil
}

// IncrClicks 点击计数 +1
// 点击只增计数不动钱，无条件自增即可，不需要 CAS
func (r *AffiliateRepository) IncrClicks(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_clicks": gorm.Expr("total_clicks + 1"),
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// ApplyConversion 转化入账：冻结佣金 + 累计佣金 + 转化数，同步变更
func (r *AffiliateRepository) ApplyConversion(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"pending_earnings":  gorm.Expr("pending_earnings + ?", amount),
			"total_earnings":    gorm.Expr("total_earnings + ?", amount),
			"total_conversions": gorm.Expr("total_conversions + 1"),
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ApplyClearing 清分：冻结佣金转入可提现余额，total_earnings 净额不变
func (r *AffiliateRepository) ApplyClearing(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"pending_earnings":  gorm.Expr("pending_earnings - ?", amount),
			"available_balance": gorm.Expr("available_balance + ?", amount),
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ApplyVoid 作废扣减
// fromPending 为真时从冻结佣金扣（转化还在 PENDING），否则从可提现余额扣（已清分）。
// total_earnings 同步减去被作废金额，之后永久排除
func (r *AffiliateRepository) ApplyVoid(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal, version int, fromPending bool) error {
	if tx == nil {
		tx = r.db
	}
	bucket := "available_balance"
	if fromPending {
		bucket = "pending_earnings"
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			bucket:           gorm.Expr(bucket+" - ?", amount),
			"total_earnings": gorm.Expr("total_earnings - ?", amount),
			"version":        gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ReserveBalance 提现预扣：申请时即从可提现余额扣除，资金被这笔提现占用
// 余额是否足够由调用方在同一 version 的快照上校验，CAS 失败即整体重试
func (r *AffiliateRepository) ReserveBalance(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance - ?", amount),
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ReleaseReserved 提现失败回补：预扣金额退回可提现余额
// 提现单的 PENDING -> FAILED 状态守卫保证这里只会执行一次，无条件加回即可
func (r *AffiliateRepository) ReleaseReserved(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance + ?", amount),
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// ApplyPayoutCompleted 提现完成：资金离开系统，累计已提现增加
func (r *AffiliateRepository) ApplyPayoutCompleted(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_paid_out": gorm.Expr("total_paid_out + ?", amount),
			"version":        gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// UpdateStatus 推广员状态流转（带状态守卫）
func (r *AffiliateRepository) UpdateStatus(ctx context.Context, id int64, fromStatus, toStatus string) error {
	if !model.CanAffiliateTransitionTo(fromStatus, toStatus) {
		return ErrStatusInvalid
	}
	result := r.db.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}
	return nil
}

// UpgradeTier 佣金等级升级，新比例只影响之后的转化
func (r *AffiliateRepository) UpgradeTier(ctx context.Context, tx *gorm.DB, id int64, tier string, rate decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"tier":            tier,
			"commission_rate": rate,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// AffiliateTotals 对账用的汇总快照
type AffiliateTotals struct {
	TotalClicks      int64
	TotalConversions int64
	TotalEarnings    decimal.Decimal
	PendingEarnings  decimal.Decimal
	AvailableBalance decimal.Decimal
	TotalPaidOut     decimal.Decimal
}

// OverwriteTotals 汇总字段重置为源表推导值（对账修复用）
func (r *AffiliateRepository) OverwriteTotals(ctx context.Context, tx *gorm.DB, id int64, totals *AffiliateTotals, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"total_clicks":      totals.TotalClicks,
			"total_conversions": totals.TotalConversions,
			"total_earnings":    totals.TotalEarnings,
			"pending_earnings":  totals.PendingEarnings,
			"available_balance": totals.AvailableBalance,
			"total_paid_out":    totals.TotalPaidOut,
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
