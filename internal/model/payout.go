package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PayoutStatusPending   = "PENDING"
	PayoutStatusCompleted = "COMPLETED"
	PayoutStatusFailed    = "FAILED"
)

// ValidPayoutStatusTransitions 提现状态流转规则
// COMPLETED 和 FAILED 都是终态，不会自动重试
var ValidPayoutStatusTransitions = map[string][]string{
	PayoutStatusPending: {PayoutStatusCompleted, PayoutStatusFailed},
}

func CanPayoutTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidPayoutStatusTransitions[currentStatus]
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

// Payout 提现申请表
// 申请时即从可提现余额中预扣资金，同一推广员同一时刻最多一笔 PENDING 提现
type Payout struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"` // 提现单号（全局唯一）
	AffiliateID    int64           `gorm:"index;not null" json:"affiliate_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Method         string          `gorm:"type:varchar(32);not null" json:"method"`
	Status         string          `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	TransactionRef string          `gorm:"type:varchar(128)" json:"transaction_ref"` // 外部打款凭证号
	RequestedAt    time.Time       `gorm:"not null" json:"requested_at"`
	ProcessedAt    *time.Time      `json:"processed_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "payout"
}
