package job

import (
	"context"
	"log"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/service"
)

// OfflineSyncJob 定时把离线消费同步到账户余额
type OfflineSyncJob struct {
	consumeService *service.ConsumeService
	guard          RunGuard
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
}

func NewOfflineSyncJob(consumeService *service.ConsumeService, guard RunGuard, cfg *config.Config) *OfflineSyncJob {
	return &OfflineSyncJob{
		consumeService: consumeService,
		guard:          guard,
		stopCh:         make(chan struct{}),
		interval:       cfg.Sync.Interval,
		batchSize:      cfg.Sync.BatchSize,
	}
}

func (j *OfflineSyncJob) Start(ctx context.Context) {
	log.Println("[OfflineSyncJob] 离线消费同步任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OfflineSyncJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OfflineSyncJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *OfflineSyncJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮同步；其他实例正在运行时返回 false
func (j *OfflineSyncJob) RunOnce(ctx context.Context) (service.SyncSummary, bool) {
	var summary service.SyncSummary
	ran, err := j.guard.TryRun(ctx, offlineSyncJobKey, jobLockTTL, func() {
		var syncErr error
		summary, syncErr = j.consumeService.BatchSyncOfflineRecords(ctx, j.batchSize)
		if syncErr != nil {
			log.Printf("[OfflineSyncJob] 本轮同步失败: %v", syncErr)
		}
	})
	if err != nil {
		log.Printf("[OfflineSyncJob] 获取任务锁失败: %v", err)
		return summary, false
	}
	return summary, ran
}

// PendingReportJob 定时统计未同步的离线记录，积压超过阈值时告警
type PendingReportJob struct {
	consumeService *service.ConsumeService
	notifier       *service.Notifier
	guard          RunGuard
	stopCh         chan struct{}
	interval       time.Duration
	threshold      int64
}

func NewPendingReportJob(consumeService *service.ConsumeService, notifier *service.Notifier, guard RunGuard, cfg *config.Config) *PendingReportJob {
	return &PendingReportJob{
		consumeService: consumeService,
		notifier:       notifier,
		guard:          guard,
		stopCh:         make(chan struct{}),
		interval:       cfg.Sync.ReportInterval,
		threshold:      cfg.Sync.BacklogThreshold,
	}
}

func (j *PendingReportJob) Start(ctx context.Context) {
	log.Println("[PendingReportJob] 离线积压巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PendingReportJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PendingReportJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PendingReportJob) Stop() {
	close(j.stopCh)
}

// RunOnce 返回当前积压条数以及是否发出了告警
func (j *PendingReportJob) RunOnce(ctx context.Context) (int64, bool) {
	var (
		pending int64
		alerted bool
	)
	_, err := j.guard.TryRun(ctx, pendingReportJobKey, jobLockTTL, func() {
		count, err := j.consumeService.CountPendingOffline(ctx)
		if err != nil {
			log.Printf("[PendingReportJob] 统计待同步记录失败: %v", err)
			return
		}
		pending = count
		log.Printf("[PendingReportJob] 待同步离线记录 %d 条", count)

		if count <= j.threshold {
			return
		}
		err = j.notifier.Alert(ctx, nil, service.AlertOfflineBacklog, offlineSyncJobKey, "离线消费积压超过阈值", map[string]interface{}{
			"pending":   count,
			"threshold": j.threshold,
		})
		if err != nil {
			log.Printf("[PendingReportJob] 写入积压告警失败: %v", err)
			return
		}
		alerted = true
		log.Printf("[PendingReportJob] 离线积压告警: pending=%d, threshold=%d", count, j.threshold)
	})
	if err != nil {
		log.Printf("[PendingReportJob] 获取任务锁失败: %v", err)
	}
	return pending, alerted
}
