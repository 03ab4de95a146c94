package service

import (
	"context"
	"errors"
	"log"

	"affiliatesystem/internal/model"
	"affiliatesystem/internal/repository"

	"gorm.io/gorm"
)

type ClickService struct {
	db            *gorm.DB
	affiliateRepo *repository.AffiliateRepository
	clickRepo     *repository.ClickRepository
}

func NewClickService(db *gorm.DB) *ClickService {
	return &ClickService{
		db:            db,
		affiliateRepo: repository.NewAffiliateRepository(db),
		clickRepo:     repository.NewClickRepository(db),
	}
}

type TrackClickRequest struct {
	Code        string `json:"code" binding:"required"`
	SessionID   string `json:"session_id" binding:"required"`
	LandingPage string `json:"landing_page"`
}

// Track 记录一次带推广码的访问
//
// 【关键点】
// 1. 同一会话重复访问幂等：(affiliate_id, session_id) 唯一，点击数只在首次插入时 +1
// 2. 未知推广码静默忽略：失效的推广链接不能影响访客正常浏览，
//    这里永远不向浏览器返回错误
// 3. 不校验推广员状态：被暂停的推广员仍然累计点击，只是转化时会被拦截
func (s *ClickService) Track(ctx context.Context, req *TrackClickRequest) error {
	affiliate, err := s.affiliateRepo.GetByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, repository.ErrAffiliateNotFound) {
			log.Printf("[ClickService] 未知推广码，忽略: code=%s", req.Code)
			return nil
		}
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		click := &model.Click{
			AffiliateID: affiliate.ID,
			SessionID:   req.SessionID,
			LandingPage: req.LandingPage,
		}

		inserted, err := s.clickRepo.Upsert(ctx, tx, click)
		if err != nil {
			return err
		}
		if !inserted {
			// 同一会话的重复访问，不重复计数
			return nil
		}

		return s.affiliateRepo.IncrClicks(ctx, tx, affiliate.ID)
	})
}

// ListClicks 点击明细查询
func (s *ClickService) ListClicks(ctx context.Context, affiliateID int64, filter *ListFilter) ([]*model.Click, int64, error) {
	return s.clickRepo.ListByAffiliate(ctx, affiliateID, filter.From, filter.To, filter.Page, filter.PageSize)
}
