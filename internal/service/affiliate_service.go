package service

import (
	"context"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/model"
	"affiliatesystem/internal/repository"
	"affiliatesystem/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AffiliateService struct {
	db            *gorm.DB
	cfg           *config.Config
	affiliateRepo *repository.AffiliateRepository
}

func NewAffiliateService(db *gorm.DB, cfg *config.Config) *AffiliateService {
	return &AffiliateService{
		db:            db,
		cfg:           cfg,
		affiliateRepo: repository.NewAffiliateRepository(db),
	}
}

type EnrollRequest struct {
	Name         string `json:"name" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	PayoutMethod string `json:"payout_method" binding:"required"`
	PayoutEmail  string `json:"payout_email" binding:"required,email"`
}

// Enroll 推广员入驻，初始等级 STARTER
func (s *AffiliateService) Enroll(ctx context.Context, req *EnrollRequest) (*model.Affiliate, error) {
	affiliate := &model.Affiliate{
		Code:           idgen.GenerateAffiliateCode(),
		Name:           req.Name,
		Email:          req.Email,
		Status:         model.AffiliateStatusActive,
		Tier:           model.AffiliateTierStarter,
		CommissionRate: decimal.NewFromFloat(s.cfg.Business.StarterRate),
		PayoutMethod:   req.PayoutMethod,
		PayoutEmail:    req.PayoutEmail,
	}

	if err := s.affiliateRepo.Create(ctx, affiliate); err != nil {
		return nil, err
	}
	return affiliate, nil
}

func (s *AffiliateService) GetAffiliate(ctx context.Context, id int64) (*model.Affiliate, error) {
	return s.affiliateRepo.GetByID(ctx, id)
}

func (s *AffiliateService) GetByCode(ctx context.Context, code string) (*model.Affiliate, error) {
	return s.affiliateRepo.GetByCode(ctx, code)
}

// SetStatus 推广员状态流转（运营操作）
// 暂停/终止只拦截新的转化和提现，历史数据不动
func (s *AffiliateService) SetStatus(ctx context.Context, id int64, targetStatus string) error {
	affiliate, err := s.affiliateRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.affiliateRepo.UpdateStatus(ctx, id, affiliate.Status, targetStatus)
}
