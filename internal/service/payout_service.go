package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/infrastructure/lock"
	"affiliatesystem/internal/model"
	"affiliatesystem/internal/repository"
	"affiliatesystem/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrAffiliateNotFound    = repository.ErrAffiliateNotFound
	ErrAffiliateNotActive   = errors.New("推广员状态不允许该操作")
	ErrInsufficientBalance  = errors.New("可提现余额不足")
	ErrPayoutAlreadyPending = errors.New("已有在途提现单，请等待处理完成")
	ErrPayoutNotFound       = repository.ErrPayoutNotFound
)

type PayoutService struct {
	db             *gorm.DB
	redisClient    *redis.Client
	cfg            *config.Config
	affiliateRepo  *repository.AffiliateRepository
	payoutRepo     *repository.PayoutRepository
	conversionRepo *repository.ConversionRepository
	outboxRepo     *repository.OutboxRepository
	clearing       *ClearingService
}

func NewPayoutService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PayoutService {
	return &PayoutService{
		db:             db,
		redisClient:    redisClient,
		cfg:            cfg,
		affiliateRepo:  repository.NewAffiliateRepository(db),
		payoutRepo:     repository.NewPayoutRepository(db),
		conversionRepo: repository.NewConversionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		clearing:       NewClearingService(db, cfg),
	}
}

type PayoutResponse struct {
	PayoutNo       string          `json:"payout_no"`
	AffiliateID    int64           `json:"affiliate_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	Status         string          `json:"status"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// Request 申请提现（全额扫余额）
//
// 【关键点】提现是资金出口，需要保证：
// 1. 申请时即预扣：可提现余额在创建提现单的同一事务里扣掉，
//    第二笔并发申请会被"在途提现单"规则拒绝，而不是和余额赛跑
// 2. 并发安全：按推广员维度的分布式锁 + 推广员行乐观锁双重保护
// 3. 申请前先做一次按需清分，余额不会因为清分任务没跑而偏小
func (s *PayoutService) Request(ctx context.Context, affiliateID int64) (*PayoutResponse, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if affiliate.Status != model.AffiliateStatusActive {
		return nil, ErrAffiliateNotActive
	}

	if s.redisClient != nil {
		payoutLock := lock.NewPayoutLock(s.redisClient, affiliateID, idgen.GeneratePayoutNo())
		if err := payoutLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer payoutLock.Unlock(ctx)
	}

	// 按需清分：把冻结期已满的佣金先转进可提现余额
	if _, err := s.clearing.SweepAffiliate(ctx, affiliateID); err != nil {
		return nil, fmt.Errorf("清分失败: %w", err)
	}

	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		resp, err := s.tryRequest(ctx, affiliateID)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, err
		}
		log.Printf("[PayoutService] 乐观锁冲突，重试提现申请: affiliateID=%d, attempt=%d", affiliateID, attempt+1)
	}

	return nil, ErrSystemBusy
}

func (s *PayoutService) tryRequest(ctx context.Context, affiliateID int64) (*PayoutResponse, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	// 同一推广员同一时刻最多一笔在途提现
	existing, err := s.payoutRepo.GetPendingByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("查询在途提现单失败: %w", err)
	}
	if existing != nil {
		return nil, ErrPayoutAlreadyPending
	}

	minPayout := decimal.NewFromFloat(s.cfg.Business.MinimumPayout)
	amount := affiliate.AvailableBalance
	if amount.LessThan(minPayout) {
		return nil, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	payout := &model.Payout{
		PayoutNo:    idgen.GeneratePayoutNo(),
		AffiliateID: affiliateID,
		Amount:      amount,
		Method:      affiliate.PayoutMethod,
		Status:      model.PayoutStatusPending,
		RequestedAt: now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return fmt.Errorf("创建提现单失败: %w", err)
		}

		// 预扣。余额是否足够已经在同一 version 的快照上校验过，
		// 有并发写入时 CAS 失败，整体回滚重试
		if err := s.affiliateRepo.ReserveBalance(ctx, tx, affiliateID, amount, affiliate.Version); err != nil {
			return err
		}

		return s.writeEvent(ctx, tx, payout.PayoutNo, map[string]interface{}{
			"event":        "payout.requested",
			"payout_no":    payout.PayoutNo,
			"affiliate_id": affiliateID,
			"amount":       amount.String(),
			"method":       payout.Method,
			"requested_at": now.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PayoutService] 提现申请成功: payoutNo=%s, affiliateID=%d, amount=%s",
		payout.PayoutNo, affiliateID, amount.String())

	return &PayoutResponse{
		PayoutNo:    payout.PayoutNo,
		AffiliateID: affiliateID,
		Amount:      amount,
		Method:      payout.Method,
		Status:      payout.Status,
		Message:     "申请成功",
	}, nil
}

type ResolvePayoutRequest struct {
	PayoutNo       string `json:"payout_no" binding:"required"`
	Outcome        string `json:"outcome" binding:"required"` // COMPLETED / FAILED
	TransactionRef string `json:"transaction_ref"`
}

// Resolve 回填外部打款结果
//
// 【关键点】两个终态：
// - COMPLETED：资金已离开系统，累计已提现增加，
//   这笔提现覆盖的已清分转化归档为 PAID
// - FAILED：预扣金额退回可提现余额，推广员可以重新申请
// 重复回填同一结果静默吸收（外部系统也会重试），回填不同结果拒绝
func (s *PayoutService) Resolve(ctx context.Context, req *ResolvePayoutRequest) (*PayoutResponse, error) {
	if req.Outcome != model.PayoutStatusCompleted && req.Outcome != model.PayoutStatusFailed {
		return nil, ErrInvalidState
	}

	payout, err := s.payoutRepo.GetByPayoutNo(ctx, req.PayoutNo)
	if err != nil {
		return nil, err
	}

	if payout.Status != model.PayoutStatusPending {
		if payout.Status == req.Outcome {
			log.Printf("[PayoutService] 提现单已是目标终态，忽略重复回填: payoutNo=%s, status=%s",
				req.PayoutNo, payout.Status)
			return &PayoutResponse{
				PayoutNo:       payout.PayoutNo,
				AffiliateID:    payout.AffiliateID,
				Amount:         payout.Amount,
				Method:         payout.Method,
				Status:         payout.Status,
				TransactionRef: payout.TransactionRef,
				Message:        "已处理，请勿重复操作",
			}, nil
		}
		return nil, ErrInvalidState
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 状态守卫保证终态只会写入一次，并发回填只有一个成功
		if err := s.payoutRepo.UpdateStatus(ctx, tx, req.PayoutNo, model.PayoutStatusPending, req.Outcome, req.TransactionRef); err != nil {
			return err
		}

		if req.Outcome == model.PayoutStatusCompleted {
			if err := s.affiliateRepo.ApplyPayoutCompleted(ctx, tx, payout.AffiliateID, payout.Amount); err != nil {
				return err
			}
			// 申请时刻之前清分的转化都被这笔提现覆盖，归档为 PAID。
			// 只动状态不动钱，余额在申请时已预扣
			if err := s.conversionRepo.MarkClearedAsPaid(ctx, tx, payout.AffiliateID, payout.RequestedAt); err != nil {
				return err
			}
		} else {
			if err := s.affiliateRepo.ReleaseReserved(ctx, tx, payout.AffiliateID, payout.Amount); err != nil {
				return err
			}
		}

		return s.writeEvent(ctx, tx, payout.PayoutNo, map[string]interface{}{
			"event":           "payout.resolved",
			"payout_no":       payout.PayoutNo,
			"affiliate_id":    payout.AffiliateID,
			"amount":          payout.Amount.String(),
			"outcome":         req.Outcome,
			"transaction_ref": req.TransactionRef,
			"processed_at":    time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PayoutService] 提现回填成功: payoutNo=%s, outcome=%s, amount=%s",
		req.PayoutNo, req.Outcome, payout.Amount.String())

	return &PayoutResponse{
		PayoutNo:       payout.PayoutNo,
		AffiliateID:    payout.AffiliateID,
		Amount:         payout.Amount,
		Method:         payout.Method,
		Status:         req.Outcome,
		TransactionRef: req.TransactionRef,
		Message:        "回填成功",
	}, nil
}

// ListPayouts 提现明细查询
func (s *PayoutService) ListPayouts(ctx context.Context, affiliateID int64, filter *ListFilter) ([]*model.Payout, int64, error) {
	return s.payoutRepo.ListByAffiliate(ctx, affiliateID, filter.Status, filter.From, filter.To, filter.Page, filter.PageSize)
}

func (s *PayoutService) writeEvent(ctx context.Context, tx *gorm.DB, key string, payload map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(payload)
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      s.cfg.Kafka.Topic.PayoutEvent,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
