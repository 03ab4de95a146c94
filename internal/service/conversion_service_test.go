package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"affiliatesystem/internal/model"

	"github.com/shopspring/decimal"
)

// 佣金 = round(订单小计 * 比例, 2)
func TestRecordConversionCommission(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS01", 0.10)

	resp := recordOrder(t, db, cfg, affiliate.ID, "sess-c1", "order-001", 200.00, time.Now().UTC())

	assertDecimal(t, "commission_amount", resp.CommissionAmount, "20")
	if resp.Status != model.ConversionStatusPending {
		t.Errorf("新转化状态 = %s, 期望 PENDING", resp.Status)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "pending_earnings", got.PendingEarnings, "20")
	assertDecimal(t, "total_earnings", got.TotalEarnings, "20")
	assertDecimal(t, "available_balance", got.AvailableBalance, "0")
	if got.TotalConversions != 1 {
		t.Errorf("total_conversions = %d, 期望 1", got.TotalConversions)
	}
}

// 奇数金额的舍入验证
func TestRecordConversionRounding(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS02", 0.15)

	resp := recordOrder(t, db, cfg, affiliate.ID, "sess-c2", "order-002", 33.33, time.Now().UTC())

	// 33.33 * 0.15 = 4.9995 -> 5.00
	assertDecimal(t, "commission_amount", resp.CommissionAmount, "5")
}

// 同一 order_id 重复投递静默吸收，不产生第二笔佣金
func TestRecordConversionDuplicateOrder(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS03", 0.20)
	svc := NewConversionService(db, cfg)
	ctx := context.Background()

	first := recordOrder(t, db, cfg, affiliate.ID, "sess-c3", "order-003", 100.00, time.Now().UTC())

	// 重复投递
	second, err := svc.Record(ctx, &RecordConversionRequest{
		OrderID:   "order-003",
		SessionID: "sess-c3",
		Subtotal:  decimal.NewFromFloat(100.00),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("重复投递应吸收为成功: %v", err)
	}
	if second.ConversionNo != first.ConversionNo {
		t.Errorf("重复投递返回了不同的转化号: %s vs %s", second.ConversionNo, first.ConversionNo)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "pending_earnings", got.PendingEarnings, "20")
	if got.TotalConversions != 1 {
		t.Errorf("total_conversions = %d, 期望 1", got.TotalConversions)
	}

	var count int64
	db.Model(&model.Conversion{}).Count(&count)
	if count != 1 {
		t.Errorf("转化记录数 = %d, 期望 1", count)
	}
}

// 比例在入账时快照冻结，后续调整不追溯
func TestRecordConversionRateFrozen(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS04", 0.20)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-c4a", "order-004", 100.00, time.Now().UTC())

	// 调整比例后再入账一笔
	db.Model(&model.Affiliate{}).Where("id = ?", affiliate.ID).
		Update("commission_rate", decimal.NewFromFloat(0.25))

	recordOrder(t, db, cfg, affiliate.ID, "sess-c4b", "order-005", 100.00, time.Now().UTC())

	repo := db.WithContext(ctx)
	var old, recent model.Conversion
	repo.Where("order_id = ?", "order-004").First(&old)
	repo.Where("order_id = ?", "order-005").First(&recent)

	assertDecimal(t, "旧转化 commission_amount", old.CommissionAmount, "20")
	assertDecimal(t, "新转化 commission_amount", recent.CommissionAmount, "25")
}

// 归因窗口外的点击不产生佣金
func TestRecordConversionOutsideWindow(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS05", 0.20)
	svc := NewConversionService(db, cfg)

	// 点击在 40 天前，窗口只有 30 天
	seedClick(t, db, affiliate.ID, "sess-old", daysAgo(40))

	resp, err := svc.Record(context.Background(), &RecordConversionRequest{
		OrderID:   "order-006",
		SessionID: "sess-old",
		Subtotal:  decimal.NewFromFloat(100.00),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("窗口外订单应正常完成: %v", err)
	}
	if resp.Attributed {
		t.Error("窗口外的点击不应归因")
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "pending_earnings", got.PendingEarnings, "0")
}

// 会话无点击记录时订单正常完成，不产生佣金
func TestRecordConversionNoClick(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	seedAffiliate(t, db, "AFCVS06", 0.20)
	svc := NewConversionService(db, cfg)

	resp, err := svc.Record(context.Background(), &RecordConversionRequest{
		OrderID:   "order-007",
		SessionID: "sess-none",
		Subtotal:  decimal.NewFromFloat(100.00),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("无点击订单应正常完成: %v", err)
	}
	if resp.Attributed {
		t.Error("无点击的订单不应归因")
	}
}

// 推广员被暂停后不再产生新佣金
func TestRecordConversionSuspendedAffiliate(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS07", 0.20)
	svc := NewConversionService(db, cfg)

	seedClick(t, db, affiliate.ID, "sess-sus", time.Now().UTC().Add(-time.Hour))
	db.Model(&model.Affiliate{}).Where("id = ?", affiliate.ID).
		Update("status", model.AffiliateStatusSuspended)

	resp, err := svc.Record(context.Background(), &RecordConversionRequest{
		OrderID:   "order-008",
		SessionID: "sess-sus",
		Subtotal:  decimal.NewFromFloat(100.00),
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("暂停推广员的订单应正常完成: %v", err)
	}
	if resp.Attributed {
		t.Error("暂停推广员不应产生新佣金")
	}
}

// 作废 PENDING 转化：从冻结佣金扣
func TestVoidPendingConversion(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS08", 0.20)
	svc := NewConversionService(db, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-v1", "order-009", 100.00, time.Now().UTC())

	resp, err := svc.Void(ctx, "order-009")
	if err != nil {
		t.Fatalf("作废失败: %v", err)
	}
	if resp.Status != model.ConversionStatusVoided {
		t.Errorf("作废后状态 = %s, 期望 VOIDED", resp.Status)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "pending_earnings", got.PendingEarnings, "0")
	assertDecimal(t, "total_earnings", got.TotalEarnings, "0")
	assertDecimal(t, "available_balance", got.AvailableBalance, "0")
}

// 作废 CLEARED 转化：从可提现余额扣，余额可以为负
func TestVoidClearedConversion(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS09", 0.20)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-v2", "order-010", 100.00, daysAgo(31))

	if _, err := NewClearingService(db, cfg).SweepAffiliate(ctx, affiliate.ID); err != nil {
		t.Fatalf("清分失败: %v", err)
	}

	if _, err := NewConversionService(db, cfg).Void(ctx, "order-010"); err != nil {
		t.Fatalf("作废失败: %v", err)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "pending_earnings", got.PendingEarnings, "0")
	assertDecimal(t, "available_balance", got.AvailableBalance, "0")
	assertDecimal(t, "total_earnings", got.TotalEarnings, "0")
}

// 作废幂等：重复投递吸收为成功
func TestVoidIdempotent(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS10", 0.20)
	svc := NewConversionService(db, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-v3", "order-011", 100.00, time.Now().UTC())

	if _, err := svc.Void(ctx, "order-011"); err != nil {
		t.Fatalf("第一次作废失败: %v", err)
	}
	if _, err := svc.Void(ctx, "order-011"); err != nil {
		t.Fatalf("重复作废应吸收为成功: %v", err)
	}

	// 只扣一次
	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "total_earnings", got.TotalEarnings, "0")
}

// PAID 转化不允许作废，钱已离开系统
func TestVoidPaidConversionRejected(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFCVS11", 0.20)
	svc := NewConversionService(db, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-v4", "order-012", 100.00, time.Now().UTC())
	db.Model(&model.Conversion{}).Where("order_id = ?", "order-012").
		Update("status", model.ConversionStatusPaid)

	_, err := svc.Void(ctx, "order-012")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("作废 PAID 转化应返回 ErrInvalidState, 实际: %v", err)
	}
}

// 作废不存在的订单
func TestVoidUnknownOrder(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewConversionService(db, cfg)

	_, err := svc.Void(context.Background(), "order-missing")
	if !errors.Is(err, ErrConversionNotFound) {
		t.Fatalf("期望 ErrConversionNotFound, 实际: %v", err)
	}
}
