package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/model"
	"affiliatesystem/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ClearingService struct {
	db             *gorm.DB
	cfg            *config.Config
	affiliateRepo  *repository.AffiliateRepository
	clickRepo      *repository.ClickRepository
	conversionRepo *repository.ConversionRepository
	payoutRepo     *repository.PayoutRepository
	outboxRepo     *repository.OutboxRepository
}

func NewClearingService(db *gorm.DB, cfg *config.Config) *ClearingService {
	return &ClearingService{
		db:             db,
		cfg:            cfg,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		clickRepo:      repository.NewClickRepository(db),
		conversionRepo: repository.NewConversionRepository(db),
		payoutRepo:     repository.NewPayoutRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// SweepAffiliate 清分单个推广员
//
// 【关键点】冻结期满的 PENDING 转化批量推进到 CLEARED，
// 冻结佣金等额转入可提现余额。必须按推广员整体事务执行：
// 部分转化清了、汇总没更新，就是资损级一致性事故。
// 选择条件排除已清分记录，重复执行天然幂等。
func (s *ClearingService) SweepAffiliate(ctx context.Context, affiliateID int64) (int, error) {
	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		cleared, err := s.trySweep(ctx, affiliateID)
		if err == nil {
			return cleared, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return 0, err
		}
		log.Printf("[ClearingService] 乐观锁冲突，重试清分: affiliateID=%d, attempt=%d", affiliateID, attempt+1)
	}

	return 0, ErrSystemBusy
}

func (s *ClearingService) trySweep(ctx context.Context, affiliateID int64) (int, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -s.cfg.Business.HoldDays)

	conversions, err := s.conversionRepo.GetClearable(ctx, affiliateID, cutoff, 500)
	if err != nil {
		return 0, fmt.Errorf("查询待清分转化失败: %w", err)
	}
	if len(conversions) == 0 {
		return 0, nil
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, affiliateID)
	if err != nil {
		return 0, fmt.Errorf("查询推广员失败: %w", err)
	}

	total := decimal.Zero
	for _, c := range conversions {
		total = total.Add(c.CommissionAmount)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, c := range conversions {
			if err := s.conversionRepo.UpdateStatus(ctx, tx, c.ID, model.ConversionStatusPending, model.ConversionStatusCleared); err != nil {
				// 状态守卫拦下说明有并发清分/作废抢先，整体回滚重试
				return repository.ErrOptimisticLock
			}
		}

		if err := s.affiliateRepo.ApplyClearing(ctx, tx, affiliateID, total, affiliate.Version); err != nil {
			return err
		}

		for _, c := range conversions {
			if err := s.writeEvent(ctx, tx, c.ConversionNo, map[string]interface{}{
				"event":             "conversion.cleared",
				"conversion_no":     c.ConversionNo,
				"order_id":          c.OrderID,
				"affiliate_id":      affiliateID,
				"commission_amount": c.CommissionAmount.String(),
				"cleared_at":        now.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[ClearingService] 清分完成: affiliateID=%d, count=%d, amount=%s",
		affiliateID, len(conversions), total.String())

	if err := s.checkTierUpgrade(ctx, affiliateID); err != nil {
		// 升级失败不影响清分结果，下轮清分会再试
		log.Printf("[ClearingService] 等级升级检查失败: affiliateID=%d, err=%v", affiliateID, err)
	}

	return len(conversions), nil
}

// checkTierUpgrade 清分驱动的佣金等级升级
// 累计清分转化达到阈值后 STARTER 升 ACTIVE，
// 新比例只对之后的转化生效，历史转化的比例已快照冻结
func (s *ClearingService) checkTierUpgrade(ctx context.Context, affiliateID int64) error {
	affiliate, err := s.affiliateRepo.GetByID(ctx, affiliateID)
	if err != nil {
		return err
	}
	if affiliate.Tier != model.AffiliateTierStarter {
		return nil
	}

	clearedCount, err := s.conversionRepo.CountByStatus(ctx, affiliateID,
		model.ConversionStatusCleared, model.ConversionStatusPaid)
	if err != nil {
		return err
	}
	if clearedCount < s.cfg.Business.TierUpgradeSales {
		return nil
	}

	newRate := decimal.NewFromFloat(s.cfg.Business.ActiveRate)
	if err := s.affiliateRepo.UpgradeTier(ctx, nil, affiliateID, model.AffiliateTierActive, newRate, affiliate.Version); err != nil {
		return err
	}

	log.Printf("[ClearingService] 等级升级: affiliateID=%d, %s -> %s, rate=%s",
		affiliateID, model.AffiliateTierStarter, model.AffiliateTierActive, newRate.String())
	return nil
}

// SweepDue 清分所有有到期转化的推广员（定时任务入口）
func (s *ClearingService) SweepDue(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.Business.HoldDays)

	ids, err := s.conversionRepo.GetAffiliateIDsWithClearable(ctx, cutoff, 1000)
	if err != nil {
		return 0, fmt.Errorf("查询待清分推广员失败: %w", err)
	}

	clearedTotal := 0
	for _, id := range ids {
		cleared, err := s.SweepAffiliate(ctx, id)
		if err != nil {
			// 单个推广员失败不阻塞整轮清分
			log.Printf("[ClearingService] 推广员清分失败: affiliateID=%d, err=%v", id, err)
			continue
		}
		clearedTotal += cleared
	}

	return clearedTotal, nil
}

// ReconcileResult 对账结果
type ReconcileResult struct {
	AffiliateID int64                       `json:"affiliate_id"`
	Drifted     bool                        `json:"drifted"`
	Before      *repository.AffiliateTotals `json:"before"`
	After       *repository.AffiliateTotals `json:"after"`
}

// Reconcile 汇总字段对账修复
//
// 推广员行上的汇总是转化表和提现表的聚合缓存，不是事实来源。
// 这里从源表重新推导五个汇总值，有漂移就整体覆盖（修 bug 和手工改数后用）：
//
//	pending_earnings  = Σ PENDING 转化佣金
//	available_balance = Σ CLEARED/PAID 转化佣金 - Σ PENDING/COMPLETED 提现金额
//	total_earnings    = Σ PENDING/CLEARED/PAID 转化佣金（VOIDED 永久排除）
//	total_paid_out    = Σ COMPLETED 提现金额
func (s *ClearingService) Reconcile(ctx context.Context, affiliateID int64) (*ReconcileResult, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	pending, err := s.conversionRepo.SumAmountByStatus(ctx, affiliateID, model.ConversionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("汇总冻结佣金失败: %w", err)
	}
	cleared, err := s.conversionRepo.SumAmountByStatus(ctx, affiliateID,
		model.ConversionStatusCleared, model.ConversionStatusPaid)
	if err != nil {
		return nil, fmt.Errorf("汇总已清分佣金失败: %w", err)
	}
	paidOut, err := s.payoutRepo.SumAmountByStatus(ctx, affiliateID, model.PayoutStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("汇总已提现金额失败: %w", err)
	}
	reserved, err := s.payoutRepo.SumAmountByStatus(ctx, affiliateID, model.PayoutStatusPending)
	if err != nil {
		return nil, fmt.Errorf("汇总在途提现金额失败: %w", err)
	}
	totalClicks, err := s.clickRepo.CountByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("统计点击数失败: %w", err)
	}
	totalConversions, err := s.conversionRepo.CountByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("统计转化数失败: %w", err)
	}

	derived := &repository.AffiliateTotals{
		TotalClicks:      totalClicks,
		TotalConversions: totalConversions,
		TotalEarnings:    pending.Add(cleared),
		PendingEarnings:  pending,
		AvailableBalance: cleared.Sub(paidOut).Sub(reserved),
		TotalPaidOut:     paidOut,
	}

	before := &repository.AffiliateTotals{
		TotalClicks:      affiliate.TotalClicks,
		TotalConversions: affiliate.TotalConversions,
		TotalEarnings:    affiliate.TotalEarnings,
		PendingEarnings:  affiliate.PendingEarnings,
		AvailableBalance: affiliate.AvailableBalance,
		TotalPaidOut:     affiliate.TotalPaidOut,
	}

	result := &ReconcileResult{
		AffiliateID: affiliateID,
		Before:      before,
		After:       derived,
	}

	if totalsEqual(before, derived) {
		return result, nil
	}

	result.Drifted = true
	log.Printf("[ClearingService] 对账发现漂移，覆盖汇总: affiliateID=%d, before=%+v, after=%+v",
		affiliateID, before, derived)

	if err := s.affiliateRepo.OverwriteTotals(ctx, nil, affiliateID, derived, affiliate.Version); err != nil {
		return nil, err
	}
	return result, nil
}

func totalsEqual(a, b *repository.AffiliateTotals) bool {
	return a.TotalClicks == b.TotalClicks &&
		a.TotalConversions == b.TotalConversions &&
		a.TotalEarnings.Equal(b.TotalEarnings) &&
		a.PendingEarnings.Equal(b.PendingEarnings) &&
		a.AvailableBalance.Equal(b.AvailableBalance) &&
		a.TotalPaidOut.Equal(b.TotalPaidOut)
}

func (s *ClearingService) writeEvent(ctx context.Context, tx *gorm.DB, key string, payload map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(payload)
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      s.cfg.Kafka.Topic.CommissionEvent,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
