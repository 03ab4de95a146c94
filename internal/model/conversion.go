package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ConversionStatusPending = "PENDING"
	ConversionStatusCleared = "CLEARED"
	ConversionStatusVoided  = "VOIDED"
	ConversionStatusPaid    = "PAID"
)

// ValidConversionStatusTransitions 转化状态流转规则
// 只允许向前流转，VOIDED 和 PAID 是终态
//
//	PENDING --冻结期满--> CLEARED --提现完成--> PAID
//	PENDING --退款/拒付--> VOIDED
//	CLEARED --退款/拒付--> VOIDED
var ValidConversionStatusTransitions = map[string][]string{
	ConversionStatusPending: {ConversionStatusCleared, ConversionStatusVoided},
	ConversionStatusCleared: {ConversionStatusPaid, ConversionStatusVoided},
}

func CanConversionTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidConversionStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Conversion 佣金转化表
// 每条记录对应一笔归因成功的订单佣金，是佣金结算的核心依据
//
// 【重要】转化表设计原则：
// 1. order_id 全局唯一 —— 一笔订单最多产生一笔佣金，天然防重
// 2. commission_rate / commission_amount 在创建时快照冻结 ——
//    推广员后续调整比例不会追溯影响历史转化
// 3. 状态只向前流转，不回退 —— VOIDED 后永久排除在所有余额汇总之外
type Conversion struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversionNo     string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"conversion_no"` // 转化流水号（全局唯一）
	OrderID          string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`      // 外部订单号
	AffiliateID      int64           `gorm:"index;not null" json:"affiliate_id"`
	ClickID          int64           `gorm:"not null" json:"click_id"` // 归因来源点击
	OrderSubtotal    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"order_subtotal"`
	Currency         string          `gorm:"type:varchar(8);not null" json:"currency"`
	CommissionRate   decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"commission_rate"`   // 创建时快照
	CommissionAmount decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"commission_amount"` // = round(order_subtotal * commission_rate, 2)，创建后不变
	Status           string          `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	PurchasedAt      time.Time       `gorm:"index;not null" json:"purchased_at"`
	ClearedAt        *time.Time      `json:"cleared_at"`
	VoidedAt         *time.Time      `json:"voided_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversion) TableName() string {
	return "conversion"
}
