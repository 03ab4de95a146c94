package handler

import (
	"errors"
	"strconv"
	"time"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/service"
	"affiliatesystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	affiliateService  *service.AffiliateService
	clickService      *service.ClickService
	conversionService *service.ConversionService
	clearingService   *service.ClearingService
	payoutService     *service.PayoutService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		affiliateService:  service.NewAffiliateService(db, cfg),
		clickService:      service.NewClickService(db),
		conversionService: service.NewConversionService(db, cfg),
		clearingService:   service.NewClearingService(db, cfg),
		payoutService:     service.NewPayoutService(db, rdb, cfg),
	}
}

// bizError 业务错误映射为明确的错误码
// 幂等吸收类错误不会走到这里，服务层已经把它们转成了成功响应
func bizError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAffiliateNotFound):
		response.BusinessError(c, response.CodeAffiliateNotFound, err.Error())
	case errors.Is(err, service.ErrAffiliateNotActive):
		response.BusinessError(c, response.CodeAffiliateNotActive, err.Error())
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrPayoutAlreadyPending):
		response.BusinessError(c, response.CodePayoutAlreadyPending, err.Error())
	case errors.Is(err, service.ErrPayoutNotFound):
		response.BusinessError(c, response.CodePayoutNotFound, err.Error())
	case errors.Is(err, service.ErrConversionNotFound):
		response.BusinessError(c, response.CodeConversionNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		response.BusinessError(c, response.CodeInvalidState, err.Error())
	case errors.Is(err, service.ErrSystemBusy):
		response.BusinessError(c, response.CodeSystemBusy, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// parseListFilter 解析分页 / 状态 / 时间范围过滤参数
func parseListFilter(c *gin.Context) *service.ListFilter {
	filter := &service.ListFilter{
		Status: c.Query("status"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("limit", "10"))

	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}

	filter.Normalize()
	return filter
}

func parseAffiliateID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Query("affiliate_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "affiliate_id 参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 推广员相关接口
// ============================================================

// Enroll 推广员入驻
// POST /api/v1/affiliate/enroll
func (h *Handler) Enroll(c *gin.Context) {
	var req service.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	affiliate, err := h.affiliateService.Enroll(c.Request.Context(), &req)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, gin.H{
		"affiliate_id": affiliate.ID,
		"code":         affiliate.Code,
		"tier":         affiliate.Tier,
		"status":       affiliate.Status,
	})
}

// GetAffiliate 查询推广员详情（含账户汇总）
// GET /api/v1/affiliate/detail?affiliate_id=xxx
func (h *Handler) GetAffiliate(c *gin.Context) {
	id, ok := parseAffiliateID(c)
	if !ok {
		return
	}

	affiliate, err := h.affiliateService.GetAffiliate(c.Request.Context(), id)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, affiliate)
}

// SetAffiliateStatus 推广员状态流转（运营操作）
// POST /api/v1/affiliate/status
func (h *Handler) SetAffiliateStatus(c *gin.Context) {
	var req struct {
		AffiliateID int64  `json:"affiliate_id" binding:"required"`
		Status      string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.affiliateService.SetStatus(c.Request.Context(), req.AffiliateID, req.Status); err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "状态已更新"})
}

// Reconcile 汇总字段对账修复（运营操作）
// POST /api/v1/affiliate/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req struct {
		AffiliateID int64 `json:"affiliate_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.clearingService.Reconcile(c.Request.Context(), req.AffiliateID)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 点击追踪接口
// ============================================================

// TrackClick 记录推广点击
// POST /api/v1/track/click
//
// 【关键点】未知推广码也返回成功：失效的推广链接不能影响访客浏览，
// 这个接口对浏览器永远不报错
func (h *Handler) TrackClick(c *gin.Context) {
	var req service.TrackClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.clickService.Track(c.Request.Context(), &req); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "ok"})
}

// ListClicks 点击明细
// GET /api/v1/click/list?affiliate_id=xxx&page=1&limit=10&from=...&to=...
func (h *Handler) ListClicks(c *gin.Context) {
	id, ok := parseAffiliateID(c)
	if !ok {
		return
	}
	filter := parseListFilter(c)

	clicks, total, err := h.clickService.ListClicks(c.Request.Context(), id, filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  clicks,
		"total": total,
		"page":  filter.Page,
		"limit": filter.PageSize,
	})
}

// ============================================================
// 转化相关接口
// ============================================================

// RecordConversion 订单完成回调（支付系统推送）
// POST /api/v1/conversion/record
//
// 【关键点】回调是 at-least-once 投递：
// 同一 order_id 重复投递返回成功而不是报错，回调方才不会无限重试
func (h *Handler) RecordConversion(c *gin.Context) {
	var req service.RecordConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.conversionService.Record(c.Request.Context(), &req)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, result)
}

// VoidConversion 订单退款/拒付回调，佣金作废
// POST /api/v1/conversion/void
func (h *Handler) VoidConversion(c *gin.Context) {
	var req struct {
		OrderID string `json:"order_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.conversionService.Void(c.Request.Context(), req.OrderID)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, result)
}

// ListConversions 转化明细
// GET /api/v1/conversion/list?affiliate_id=xxx&status=PENDING&page=1&limit=10
func (h *Handler) ListConversions(c *gin.Context) {
	id, ok := parseAffiliateID(c)
	if !ok {
		return
	}
	filter := parseListFilter(c)

	conversions, total, err := h.conversionService.ListConversions(c.Request.Context(), id, filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  conversions,
		"total": total,
		"page":  filter.Page,
		"limit": filter.PageSize,
	})
}

// ============================================================
// 提现相关接口
// ============================================================

// RequestPayout 申请提现
// POST /api/v1/payout/request
//
// 【关键点】提现是资金出口，需要保证：
// 1. 起提金额校验，余额不足返回明确错误码
// 2. 同一推广员同一时刻最多一笔在途提现
// 3. 申请时即预扣余额，并发第二笔申请拿不到资金
func (h *Handler) RequestPayout(c *gin.Context) {
	var req struct {
		AffiliateID int64 `json:"affiliate_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.payoutService.Request(c.Request.Context(), req.AffiliateID)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, result)
}

// ResolvePayout 回填外部打款结果（运营/打款系统回调）
// POST /api/v1/payout/resolve
func (h *Handler) ResolvePayout(c *gin.Context) {
	var req service.ResolvePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.payoutService.Resolve(c.Request.Context(), &req)
	if err != nil {
		bizError(c, err)
		return
	}

	response.Success(c, result)
}

// ListPayouts 提现明细
// GET /api/v1/payout/list?affiliate_id=xxx&status=PENDING&page=1&limit=10
func (h *Handler) ListPayouts(c *gin.Context) {
	id, ok := parseAffiliateID(c)
	if !ok {
		return
	}
	filter := parseListFilter(c)

	payouts, total, err := h.payoutService.ListPayouts(c.Request.Context(), id, filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  payouts,
		"total": total,
		"page":  filter.Page,
		"limit": filter.PageSize,
	})
}
