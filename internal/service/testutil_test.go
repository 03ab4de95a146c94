package service

import (
	"context"
	"testing"
	"time"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/model"
	"affiliatesystem/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存 sqlite，每个测试独立一份
// 限制单连接：内存库多连接会各自看到一个空库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.Affiliate{},
		&model.Click{},
		&model.Conversion{},
		&model.Payout{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("建表失败: %v", err)
	}

	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				CommissionEvent: "commission-events",
				PayoutEvent:     "payout-events",
			},
		},
		Business: config.BusinessConfig{
			HoldDays:              30,
			AttributionWindowDays: 30,
			MinimumPayout:         50.00,
			StarterRate:           0.20,
			ActiveRate:            0.25,
			PartnerRate:           0.30,
			TierUpgradeSales:      3,
			MaxRetryCount:         3,
		},
	}
}

// seedAffiliate 创建一个 ACTIVE 推广员，返回推广员记录
func seedAffiliate(t *testing.T, db *gorm.DB, code string, rate float64) *model.Affiliate {
	t.Helper()

	affiliate := &model.Affiliate{
		Code:           code,
		Name:           "测试推广员",
		Email:          "affiliate@test.com",
		Status:         model.AffiliateStatusActive,
		Tier:           model.AffiliateTierStarter,
		CommissionRate: decimal.NewFromFloat(rate),
		PayoutMethod:   "paypal",
		PayoutEmail:    "payout@test.com",
	}
	if err := repository.NewAffiliateRepository(db).Create(context.Background(), affiliate); err != nil {
		t.Fatalf("创建推广员失败: %v", err)
	}
	return affiliate
}

// seedClick 直接落一条点击，created_at 可控（归因窗口测试用）
func seedClick(t *testing.T, db *gorm.DB, affiliateID int64, sessionID string, createdAt time.Time) *model.Click {
	t.Helper()

	click := &model.Click{
		AffiliateID: affiliateID,
		SessionID:   sessionID,
		LandingPage: "/products/demo",
		CreatedAt:   createdAt,
	}
	if err := db.Create(click).Error; err != nil {
		t.Fatalf("创建点击失败: %v", err)
	}
	return click
}

// recordOrder 走完整入账链路：点击 + 订单回调
// purchasedAt 可以回拨，方便直接制造冻结期已满的转化
func recordOrder(t *testing.T, db *gorm.DB, cfg *config.Config, affiliateID int64, sessionID, orderID string, subtotal float64, purchasedAt time.Time) *RecordConversionResponse {
	t.Helper()

	seedClick(t, db, affiliateID, sessionID, purchasedAt.Add(-time.Hour))

	resp, err := NewConversionService(db, cfg).Record(context.Background(), &RecordConversionRequest{
		OrderID:     orderID,
		SessionID:   sessionID,
		Subtotal:    decimal.NewFromFloat(subtotal),
		Currency:    "USD",
		PurchasedAt: purchasedAt,
	})
	if err != nil {
		t.Fatalf("订单入账失败: orderID=%s, err=%v", orderID, err)
	}
	if !resp.Attributed {
		t.Fatalf("订单未归因: orderID=%s, message=%s", orderID, resp.Message)
	}
	return resp
}

func getAffiliate(t *testing.T, db *gorm.DB, id int64) *model.Affiliate {
	t.Helper()

	affiliate, err := repository.NewAffiliateRepository(db).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("查询推广员失败: %v", err)
	}
	return affiliate
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()

	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, 期望 %s", name, got.String(), want)
	}
}

// daysAgo 相对当前时间回拨 n 天（UTC）
func daysAgo(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -n)
}
