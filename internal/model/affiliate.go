package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AffiliateStatusActive     = "ACTIVE"
	AffiliateStatusSuspended  = "SUSPENDED"
	AffiliateStatusTerminated = "TERMINATED"
)

// ValidAffiliateStatusTransitions 推广员状态流转规则
// TERMINATED 是终态，推广员只做状态流转，永不删除
var ValidAffiliateStatusTransitions = map[string][]string{
	AffiliateStatusActive:    {AffiliateStatusSuspended, AffiliateStatusTerminated},
	AffiliateStatusSuspended: {AffiliateStatusActive, AffiliateStatusTerminated},
}

func CanAffiliateTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidAffiliateStatusTransitions[currentStatus]
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

const (
	AffiliateTierStarter = "STARTER"
	AffiliateTierActive  = "ACTIVE"
	AffiliateTierPartner = "PARTNER"
)

// Affiliate 推广员账户表
// 记录推广员身份信息和佣金账户的冗余汇总数据
//
// 【重要】汇总字段设计原则：
// 1. pending_earnings / available_balance / total_earnings / total_paid_out
//    是转化表和提现表的聚合缓存，不是资金的来源事实
// 2. 任何修改转化或提现状态的代码路径，必须在同一事务内同步修改这里的汇总字段
// 3. 汇总字段可以通过对账操作从源表重新推导（修复数据用）
type Affiliate struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Code             string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"` // 推广码，对外分享用
	Name             string          `gorm:"type:varchar(64);not null" json:"name"`
	Email            string          `gorm:"type:varchar(128);not null" json:"email"`
	Status           string          `gorm:"type:varchar(20);index;not null;default:ACTIVE" json:"status"`
	Tier             string          `gorm:"type:varchar(20);not null;default:STARTER" json:"tier"`      // 佣金等级
	CommissionRate   decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"commission_rate"`          // 当前佣金比例（转化时快照到转化记录）
	TotalClicks      int64           `gorm:"not null;default:0" json:"total_clicks"`                     // 累计点击数
	TotalConversions int64           `gorm:"not null;default:0" json:"total_conversions"`                // 累计转化数
	TotalEarnings    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_earnings"`    // 累计佣金（不含已作废）
	PendingEarnings  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"pending_earnings"`  // 冻结期内佣金
	AvailableBalance decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"available_balance"` // 可提现余额
	TotalPaidOut     decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_paid_out"`    // 累计已提现
	PayoutMethod     string          `gorm:"type:varchar(32)" json:"payout_method"`
	PayoutEmail      string          `gorm:"type:varchar(128)" json:"payout_email"`
	Version          int             `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Affiliate) TableName() string {
	return "affiliate"
}
