package job

import (
	"context"
	"fmt"
	"log"

	"consumeledger/internal/config"
	"consumeledger/internal/service"

	"github.com/robfig/cron/v3"
)

// SubsidyJobs 补贴日额度重置与过期处理，按 cron 表达式调度
type SubsidyJobs struct {
	subsidyService *service.SubsidyService
	guard          RunGuard
	cron           *cron.Cron
	resetCron      string
	expireCron     string
}

func NewSubsidyJobs(subsidyService *service.SubsidyService, guard RunGuard, cfg *config.Config) *SubsidyJobs {
	logger := cron.PrintfLogger(log.Default())
	return &SubsidyJobs{
		subsidyService: subsidyService,
		guard:          guard,
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		resetCron:  cfg.Subsidy.ResetCron,
		expireCron: cfg.Subsidy.ExpireCron,
	}
}

// Start 注册并启动调度，ctx 结束时停止并等待正在执行的任务
func (j *SubsidyJobs) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.resetCron, func() { j.RunReset(ctx) }); err != nil {
		return fmt.Errorf("日额度重置任务表达式无效 %q: %w", j.resetCron, err)
	}
	if _, err := j.cron.AddFunc(j.expireCron, func() { j.RunExpire(ctx) }); err != nil {
		return fmt.Errorf("补贴过期任务表达式无效 %q: %w", j.expireCron, err)
	}

	j.cron.Start()
	log.Printf("[SubsidyJobs] 补贴任务启动: reset=%q, expire=%q", j.resetCron, j.expireCron)

	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
		log.Println("[SubsidyJobs] 补贴任务已停止")
	}()
	return nil
}

// RunReset 返回重置条数，其他实例正在运行时为 -1
func (j *SubsidyJobs) RunReset(ctx context.Context) int64 {
	return j.run(ctx, subsidyResetJobKey, "日额度重置", j.subsidyService.ResetDailyUsage)
}

func (j *SubsidyJobs) RunExpire(ctx context.Context) int64 {
	return j.run(ctx, subsidyExpireJobKey, "补贴过期", j.subsidyService.AutoExpireSubsidies)
}

func (j *SubsidyJobs) run(ctx context.Context, key, name string, fn func(ctx context.Context) (int64, error)) int64 {
	var count int64 = -1
	ran, err := j.guard.TryRun(ctx, key, jobLockTTL, func() {
		n, err := fn(ctx)
		if err != nil {
			log.Printf("[SubsidyJobs] %s部分失败: 已处理=%d, err=%v", name, n, err)
		}
		count = n
	})
	if err != nil {
		log.Printf("[SubsidyJobs] %s获取任务锁失败: %v", name, err)
	}
	if !ran {
		return -1
	}
	return count
}
