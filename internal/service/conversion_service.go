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
	"affiliatesystem/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrConversionNotFound = repository.ErrConversionNotFound
	ErrInvalidState       = errors.New("当前状态不允许该操作")
	ErrSystemBusy         = errors.New("系统繁忙，请稍后重试")
)

type ConversionService struct {
	db             *gorm.DB
	cfg            *config.Config
	affiliateRepo  *repository.AffiliateRepository
	clickRepo      *repository.ClickRepository
	conversionRepo *repository.ConversionRepository
	outboxRepo     *repository.OutboxRepository
}

func NewConversionService(db *gorm.DB, cfg *config.Config) *ConversionService {
	return &ConversionService{
		db:             db,
		cfg:            cfg,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		clickRepo:      repository.NewClickRepository(db),
		conversionRepo: repository.NewConversionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// RecordConversionRequest 订单完成回调（支付系统推送）
type RecordConversionRequest struct {
	OrderID     string          `json:"order_id" binding:"required"`
	SessionID   string          `json:"session_id" binding:"required"`
	Subtotal    decimal.Decimal `json:"subtotal" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
	PurchasedAt time.Time       `json:"purchased_at"`
}

type RecordConversionResponse struct {
	Attributed       bool            `json:"attributed"`
	ConversionNo     string          `json:"conversion_no,omitempty"`
	AffiliateID      int64           `json:"affiliate_id,omitempty"`
	CommissionAmount decimal.Decimal `json:"commission_amount,omitempty"`
	Status           string          `json:"status,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// Record 订单归因入账
//
// 【关键点】订单回调是 at-least-once 投递，入账必须满足：
// 1. 幂等性：同一 order_id 重复投递不会产生第二笔佣金，静默吸收
// 2. 原子性：转化落库、点击标记、推广员汇总字段必须同时成功或同时失败
// 3. 比例冻结：佣金比例在入账时快照，之后调整不追溯
//
// 归因窗口内没有可归因点击、或推广员不是 ACTIVE 状态时，
// 订单正常完成但不产生佣金，这不是错误
func (s *ConversionService) Record(ctx context.Context, req *RecordConversionRequest) (*RecordConversionResponse, error) {
	// 幂等校验
	existing, err := s.conversionRepo.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("查询转化记录失败: %w", err)
	}
	if existing != nil {
		log.Printf("[ConversionService] 订单已入账，忽略重复投递: orderID=%s", req.OrderID)
		return &RecordConversionResponse{
			Attributed:       true,
			ConversionNo:     existing.ConversionNo,
			AffiliateID:      existing.AffiliateID,
			CommissionAmount: existing.CommissionAmount,
			Status:           existing.Status,
			Message:          "订单已入账",
		}, nil
	}

	purchasedAt := req.PurchasedAt
	if purchasedAt.IsZero() {
		purchasedAt = time.Now().UTC()
	}

	// 会话 -> 点击归因：归因窗口内最近一次未转化的点击
	windowStart := purchasedAt.AddDate(0, 0, -s.cfg.Business.AttributionWindowDays)
	click, err := s.clickRepo.GetLatestAttributable(ctx, req.SessionID, windowStart)
	if err != nil {
		return nil, fmt.Errorf("查询归因点击失败: %w", err)
	}
	if click == nil {
		return &RecordConversionResponse{Attributed: false, Message: "归因窗口内无可归因点击"}, nil
	}

	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		resp, err := s.tryRecord(ctx, req, click, purchasedAt)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, err
		}
		// CAS 冲突说明推广员行有并发写入，重查后整体重试
		log.Printf("[ConversionService] 乐观锁冲突，重试入账: orderID=%s, attempt=%d", req.OrderID, attempt+1)
	}

	return nil, ErrSystemBusy
}

func (s *ConversionService) tryRecord(ctx context.Context, req *RecordConversionRequest, click *model.Click, purchasedAt time.Time) (*RecordConversionResponse, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, click.AffiliateID)
	if err != nil {
		return nil, fmt.Errorf("查询推广员失败: %w", err)
	}

	// 被暂停/终止的推广员不再产生新佣金，历史数据不受影响
	if affiliate.Status != model.AffiliateStatusActive {
		log.Printf("[ConversionService] 推广员非 ACTIVE 状态，订单不入账: orderID=%s, affiliateID=%d, status=%s",
			req.OrderID, affiliate.ID, affiliate.Status)
		return &RecordConversionResponse{Attributed: false, Message: "推广员状态不允许入账"}, nil
	}

	// 佣金 = round(订单小计 * 当前比例, 2)，入账时冻结
	commissionAmount := req.Subtotal.Mul(affiliate.CommissionRate).Round(2)

	conversion := &model.Conversion{
		ConversionNo:     idgen.GenerateConversionNo(),
		OrderID:          req.OrderID,
		AffiliateID:      affiliate.ID,
		ClickID:          click.ID,
		OrderSubtotal:    req.Subtotal,
		Currency:         req.Currency,
		CommissionRate:   affiliate.CommissionRate,
		CommissionAmount: commissionAmount,
		Status:           model.ConversionStatusPending,
		PurchasedAt:      purchasedAt,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.conversionRepo.Create(ctx, tx, conversion); err != nil {
			return fmt.Errorf("创建转化记录失败: %w", err)
		}

		if err := s.clickRepo.MarkConverted(ctx, tx, click.ID, req.OrderID, purchasedAt); err != nil {
			return fmt.Errorf("标记点击已转化失败: %w", err)
		}

		if err := s.affiliateRepo.ApplyConversion(ctx, tx, affiliate.ID, commissionAmount, affiliate.Version); err != nil {
			return err
		}

		return s.writeEvent(ctx, tx, s.cfg.Kafka.Topic.CommissionEvent, conversion.ConversionNo, map[string]interface{}{
			"event":             "conversion.recorded",
			"conversion_no":     conversion.ConversionNo,
			"order_id":          req.OrderID,
			"affiliate_id":      affiliate.ID,
			"commission_amount": commissionAmount.String(),
			"currency":          req.Currency,
			"purchased_at":      purchasedAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		// 并发投递下两个请求同时走到插入，唯一索引会拦下后来者，吸收为已入账
		if existing, qerr := s.conversionRepo.GetByOrderID(ctx, req.OrderID); qerr == nil && existing != nil {
			log.Printf("[ConversionService] 并发重复投递被唯一索引拦截: orderID=%s", req.OrderID)
			return &RecordConversionResponse{
				Attributed:       true,
				ConversionNo:     existing.ConversionNo,
				AffiliateID:      existing.AffiliateID,
				CommissionAmount: existing.CommissionAmount,
				Status:           existing.Status,
				Message:          "订单已入账",
			}, nil
		}
		return nil, err
	}

	log.Printf("[ConversionService] 转化入账成功: conversionNo=%s, orderID=%s, affiliateID=%d, amount=%s",
		conversion.ConversionNo, req.OrderID, affiliate.ID, commissionAmount.String())

	return &RecordConversionResponse{
		Attributed:       true,
		ConversionNo:     conversion.ConversionNo,
		AffiliateID:      affiliate.ID,
		CommissionAmount: commissionAmount,
		Status:           conversion.Status,
		Message:          "入账成功",
	}, nil
}

type VoidConversionResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Void 订单退款/拒付，佣金作废
//
// 【关键点】作废不走清分路径：
// - 转化还在 PENDING：从冻结佣金里扣
// - 转化已 CLEARED：从可提现余额里扣（余额可能因此为负，欠账挂在账上）
// - 转化已 PAID：钱已经打出去了，只能人工追讨，这里拒绝
// total_earnings 恰好减去被作废金额，VOIDED 永久排除在所有汇总之外
func (s *ConversionService) Void(ctx context.Context, orderID string) (*VoidConversionResponse, error) {
	conversion, err := s.conversionRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询转化记录失败: %w", err)
	}
	if conversion == nil {
		return nil, ErrConversionNotFound
	}

	if conversion.Status == model.ConversionStatusVoided {
		log.Printf("[ConversionService] 转化已作废，忽略重复投递: orderID=%s", orderID)
		return &VoidConversionResponse{
			OrderID: orderID,
			Status:  model.ConversionStatusVoided,
			Message: "已作废",
		}, nil
	}
	if conversion.Status == model.ConversionStatusPaid {
		return nil, ErrInvalidState
	}

	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		err := s.tryVoid(ctx, orderID)
		if err == nil {
			log.Printf("[ConversionService] 转化作废成功: orderID=%s, amount=%s",
				orderID, conversion.CommissionAmount.String())
			return &VoidConversionResponse{
				OrderID: orderID,
				Status:  model.ConversionStatusVoided,
				Message: "作废成功",
			}, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, err
		}
		log.Printf("[ConversionService] 乐观锁冲突，重试作废: orderID=%s, attempt=%d", orderID, attempt+1)
	}

	return nil, ErrSystemBusy
}

func (s *ConversionService) tryVoid(ctx context.Context, orderID string) error {
	// 重试间隙里清分任务可能把 PENDING 推进到 CLEARED，每次都取最新状态
	conversion, err := s.conversionRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("查询转化记录失败: %w", err)
	}
	if conversion == nil {
		return ErrConversionNotFound
	}
	if conversion.Status == model.ConversionStatusVoided {
		return nil
	}
	if conversion.Status == model.ConversionStatusPaid {
		return ErrInvalidState
	}

	affiliate, err := s.affiliateRepo.GetByID(ctx, conversion.AffiliateID)
	if err != nil {
		return fmt.Errorf("查询推广员失败: %w", err)
	}

	fromPending := conversion.Status == model.ConversionStatusPending

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.conversionRepo.UpdateStatus(ctx, tx, conversion.ID, conversion.Status, model.ConversionStatusVoided); err != nil {
			return err
		}

		if err := s.affiliateRepo.ApplyVoid(ctx, tx, affiliate.ID, conversion.CommissionAmount, affiliate.Version, fromPending); err != nil {
			return err
		}

		return s.writeEvent(ctx, tx, s.cfg.Kafka.Topic.CommissionEvent, conversion.ConversionNo, map[string]interface{}{
			"event":             "conversion.voided",
			"conversion_no":     conversion.ConversionNo,
			"order_id":          conversion.OrderID,
			"affiliate_id":      conversion.AffiliateID,
			"commission_amount": conversion.CommissionAmount.String(),
			"voided_at":         time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// ListConversions 转化明细查询
func (s *ConversionService) ListConversions(ctx context.Context, affiliateID int64, filter *ListFilter) ([]*model.Conversion, int64, error) {
	return s.conversionRepo.ListByAffiliate(ctx, affiliateID, filter.Status, filter.From, filter.To, filter.Page, filter.PageSize)
}

func (s *ConversionService) writeEvent(ctx context.Context, tx *gorm.DB, topic, key string, payload map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(payload)
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
