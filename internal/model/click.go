package model

import (
	"time"
)

// Click 推广点击表
// 一条记录代表一次带推广码的访问，(affiliate_id, session_id) 唯一，
// 同一会话内重复访问不会产生新记录。
// 记录创建后只会被修改一次：归因成功时写入 converted_at 和 order_id。
type Click struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID int64      `gorm:"uniqueIndex:uk_affiliate_session;index;not null" json:"affiliate_id"`
	SessionID   string     `gorm:"type:varchar(64);uniqueIndex:uk_affiliate_session;index;not null" json:"session_id"` // 访客会话ID，用于关联后续下单
	LandingPage string     `gorm:"type:varchar(512)" json:"landing_page"`
	ConvertedAt *time.Time `json:"converted_at"`                       // 归因成功时间，NULL 表示尚未转化
	OrderID     string     `gorm:"type:varchar(64)" json:"order_id"`   // 归因到的订单号
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
}

func (Click) TableName() string {
	return "click"
}
