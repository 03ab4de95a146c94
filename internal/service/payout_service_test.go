package service

import (
	"context"
	"errors"
	"testing"

	"affiliatesystem/internal/model"

	"github.com/shopspring/decimal"
)

// 余额不足起提金额时拒绝，余额不变
func TestRequestPayoutBelowMinimum(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO01", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	// 清分后余额 20.00，低于起提 50.00
	recordOrder(t, db, cfg, affiliate.ID, "sess-p1", "order-201", 100.00, daysAgo(31))

	_, err := svc.Request(ctx, affiliate.ID)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("期望 ErrInsufficientBalance, 实际: %v", err)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "拒绝后 available_balance", got.AvailableBalance, "20")

	var count int64
	db.Model(&model.Payout{}).Count(&count)
	if count != 0 {
		t.Errorf("被拒绝的申请不应产生提现单, 实际 %d 笔", count)
	}
}

// 申请成功：全额扫余额 + 申请时即预扣
func TestRequestPayout(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO02", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	// 两笔到期转化共 70.00，申请前由按需清分转进余额
	recordOrder(t, db, cfg, affiliate.ID, "sess-p2", "order-202", 200.00, daysAgo(31))
	recordOrder(t, db, cfg, affiliate.ID, "sess-p3", "order-203", 150.00, daysAgo(32))

	resp, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}

	assertDecimal(t, "提现金额", resp.Amount, "70")
	if resp.Status != model.PayoutStatusPending {
		t.Errorf("提现单状态 = %s, 期望 PENDING", resp.Status)
	}
	if resp.Method != "paypal" {
		t.Errorf("打款方式 = %s, 期望 paypal", resp.Method)
	}

	// 资金已被预扣
	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "预扣后 available_balance", got.AvailableBalance, "0")
	assertDecimal(t, "total_paid_out", got.TotalPaidOut, "0")
}

// 已有在途提现单时拒绝第二笔申请
func TestRequestPayoutAlreadyPending(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO03", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-p4", "order-204", 300.00, daysAgo(31))

	if _, err := svc.Request(ctx, affiliate.ID); err != nil {
		t.Fatalf("第一笔申请失败: %v", err)
	}

	// 再入账一笔到期转化凑够余额，仍应被在途单拦下
	recordOrder(t, db, cfg, affiliate.ID, "sess-p5", "order-205", 300.00, daysAgo(31))

	_, err := svc.Request(ctx, affiliate.ID)
	if !errors.Is(err, ErrPayoutAlreadyPending) {
		t.Fatalf("期望 ErrPayoutAlreadyPending, 实际: %v", err)
	}
}

// 非 ACTIVE 推广员不能申请提现
func TestRequestPayoutNotActive(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO04", 0.20)
	svc := NewPayoutService(db, nil, cfg)

	db.Model(&model.Affiliate{}).Where("id = ?", affiliate.ID).
		Update("status", model.AffiliateStatusSuspended)

	_, err := svc.Request(context.Background(), affiliate.ID)
	if !errors.Is(err, ErrAffiliateNotActive) {
		t.Fatalf("期望 ErrAffiliateNotActive, 实际: %v", err)
	}
}

// 打款失败：预扣金额退回，可以重新申请
func TestResolvePayoutFailed(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO05", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-p6", "order-206", 350.00, daysAgo(31))

	payout, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}

	if _, err := svc.Resolve(ctx, &ResolvePayoutRequest{
		PayoutNo: payout.PayoutNo,
		Outcome:  model.PayoutStatusFailed,
	}); err != nil {
		t.Fatalf("回填失败结果出错: %v", err)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "回补后 available_balance", got.AvailableBalance, "70")
	assertDecimal(t, "total_paid_out", got.TotalPaidOut, "0")

	// 失败后可以重新申请
	second, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("失败后重新申请应成功: %v", err)
	}
	assertDecimal(t, "第二次申请金额", second.Amount, "70")
}

// 打款完成：累计已提现增加，覆盖的已清分转化归档为 PAID
func TestResolvePayoutCompleted(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO06", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-p7", "order-207", 350.00, daysAgo(31))

	payout, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}

	resp, err := svc.Resolve(ctx, &ResolvePayoutRequest{
		PayoutNo:       payout.PayoutNo,
		Outcome:        model.PayoutStatusCompleted,
		TransactionRef: "txn-abc-123",
	})
	if err != nil {
		t.Fatalf("回填完成结果出错: %v", err)
	}
	if resp.TransactionRef != "txn-abc-123" {
		t.Errorf("transaction_ref = %s, 期望 txn-abc-123", resp.TransactionRef)
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "total_paid_out", got.TotalPaidOut, "70")
	assertDecimal(t, "available_balance", got.AvailableBalance, "0")

	// 被提现覆盖的转化归档为 PAID
	var conversion model.Conversion
	db.Where("order_id = ?", "order-207").First(&conversion)
	if conversion.Status != model.ConversionStatusPaid {
		t.Errorf("转化状态 = %s, 期望 PAID", conversion.Status)
	}

	// total_earnings 不受提现影响
	assertDecimal(t, "total_earnings", got.TotalEarnings, "70")
}

// 提现完成后对账不应检出漂移（PAID 归档是余额中性的）
func TestReconcileAfterPayoutCompleted(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO07", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	if err := NewClickService(db).Track(ctx, &TrackClickRequest{
		Code:      "AFPO07",
		SessionID: "sess-p8",
	}); err != nil {
		t.Fatalf("点击记录失败: %v", err)
	}
	// 点击时间回拨，让订单落在归因窗口内
	db.Model(&model.Click{}).Where("session_id = ?", "sess-p8").
		Update("created_at", daysAgo(32))

	resp, err := NewConversionService(db, cfg).Record(ctx, &RecordConversionRequest{
		OrderID:     "order-208",
		SessionID:   "sess-p8",
		Subtotal:    decimal.NewFromFloat(350.00),
		Currency:    "USD",
		PurchasedAt: daysAgo(31),
	})
	if err != nil || !resp.Attributed {
		t.Fatalf("订单入账失败: resp=%+v, err=%v", resp, err)
	}

	payout, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}
	if _, err := svc.Resolve(ctx, &ResolvePayoutRequest{
		PayoutNo: payout.PayoutNo,
		Outcome:  model.PayoutStatusCompleted,
	}); err != nil {
		t.Fatalf("回填完成结果出错: %v", err)
	}

	result, err := NewClearingService(db, cfg).Reconcile(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if result.Drifted {
		t.Errorf("提现完成后对账不应检出漂移: before=%+v, after=%+v", result.Before, result.After)
	}
}

// 重复回填同一终态静默吸收，只动一次账
func TestResolvePayoutIdempotent(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO08", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-p9", "order-209", 350.00, daysAgo(31))

	payout, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Resolve(ctx, &ResolvePayoutRequest{
			PayoutNo: payout.PayoutNo,
			Outcome:  model.PayoutStatusCompleted,
		}); err != nil {
			t.Fatalf("第 %d 次回填出错: %v", i+1, err)
		}
	}

	got := getAffiliate(t, db, affiliate.ID)
	assertDecimal(t, "total_paid_out", got.TotalPaidOut, "70")
}

// 已是终态后回填相反结果拒绝
func TestResolvePayoutConflictingOutcome(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	affiliate := seedAffiliate(t, db, "AFPO09", 0.20)
	svc := NewPayoutService(db, nil, cfg)
	ctx := context.Background()

	recordOrder(t, db, cfg, affiliate.ID, "sess-p10", "order-210", 350.00, daysAgo(31))

	payout, err := svc.Request(ctx, affiliate.ID)
	if err != nil {
		t.Fatalf("提现申请失败: %v", err)
	}

	if _, err := svc.Resolve(ctx, &ResolvePayoutRequest{
		PayoutNo: payout.PayoutNo,
		Outcome:  model.PayoutStatusCompleted,
	}); err != nil {
		t.Fatalf("回填完成结果出错: %v", err)
	}

	_, err = svc.Resolve(ctx, &ResolvePayoutRequest{
		PayoutNo: payout.PayoutNo,
		Outcome:  model.PayoutStatusFailed,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("冲突回填期望 ErrInvalidState, 实际: %v", err)
	}
}

// 非法 outcome 拒绝
func TestResolvePayoutInvalidOutcome(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewPayoutService(db, nil, cfg)

	_, err := svc.Resolve(context.Background(), &ResolvePayoutRequest{
		PayoutNo: "PO-whatever",
		Outcome:  "CANCELLED",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("期望 ErrInvalidState, 实际: %v", err)
	}
}

// 不存在的提现单
func TestResolvePayoutNotFound(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewPayoutService(db, nil, cfg)

	_, err := svc.Resolve(context.Background(), &ResolvePayoutRequest{
		PayoutNo: "PO-missing",
		Outcome:  model.PayoutStatusCompleted,
	})
	if !errors.Is(err, ErrPayoutNotFound) {
		t.Fatalf("期望 ErrPayoutNotFound, 实际: %v", err)
	}
}
