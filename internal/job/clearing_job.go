package job

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"affiliatesystem/internal/config"
	"affiliatesystem/internal/infrastructure/lock"
	"affiliatesystem/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ClearingJob 佣金结算定时任务
//
// 每天按 cron 表达式扫描一次：购买时间超过冻结期的 PENDING 佣金
// 批量转为 CLEARED 并释放到可提现余额。
//
// 【关键点】多实例部署时同一时刻只能有一个实例执行扫描，
// 通过 redis 分布式锁抢占，抢不到锁的实例直接跳过本轮
type ClearingJob struct {
	clearingService *service.ClearingService
	redisClient     *redis.Client
	cfg             *config.Config
	cronRunner      *cron.Cron
	holder          string
}

func NewClearingJob(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *ClearingJob {
	hostname, _ := os.Hostname()
	return &ClearingJob{
		clearingService: service.NewClearingService(db, cfg),
		redisClient:     rdb,
		cfg:             cfg,
		cronRunner:      cron.New(),
		holder:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}
}

func (j *ClearingJob) Start(ctx context.Context) error {
	spec := j.cfg.Business.ClearingCron
	if spec == "" {
		// 默认每小时扫描一次
		spec = "0 * * * *"
	}

	_, err := j.cronRunner.AddFunc(spec, func() {
		j.runSweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("注册结算任务失败: %w", err)
	}

	j.cronRunner.Start()
	log.Printf("[ClearingJob] 结算任务启动: cron=%s", spec)
	return nil
}

func (j *ClearingJob) Stop() {
	stopCtx := j.cronRunner.Stop()
	// 等待正在执行的扫描完成
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Println("[ClearingJob] 等待扫描结束超时，强制退出")
	}
	log.Println("[ClearingJob] 结算任务停止")
}

func (j *ClearingJob) runSweep(ctx context.Context) {
	sweepLock := lock.NewSweepLock(j.redisClient, j.holder)

	acquired, err := sweepLock.TryLock(ctx)
	if err != nil {
		log.Printf("[ClearingJob] 获取结算锁失败: %v", err)
		return
	}
	if !acquired {
		log.Println("[ClearingJob] 其他实例正在执行结算扫描，本轮跳过")
		return
	}
	defer func() {
		if err := sweepLock.Unlock(ctx); err != nil {
			log.Printf("[ClearingJob] 释放结算锁失败: %v", err)
		}
	}()

	start := time.Now()
	cleared, err := j.clearingService.SweepDue(ctx)
	if err != nil {
		log.Printf("[ClearingJob] 结算扫描失败: %v", err)
		return
	}

	log.Printf("[ClearingJob] 结算扫描完成: 结算 %d 笔佣金, 耗时 %v", cleared, time.Since(start))
}
