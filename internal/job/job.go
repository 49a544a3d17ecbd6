package job

import (
	"context"
	"time"
)

const (
	offlineSyncJobKey   = "ledger:job:offline-sync"
	pendingReportJobKey = "ledger:job:pending-report"
	subsidyResetJobKey  = "ledger:job:subsidy-reset"
	subsidyExpireJobKey = "ledger:job:subsidy-expire"
	outboxSenderJobKey  = "ledger:job:outbox-sender"
)

// jobLockTTL 单次运行的最长占用时间，进程崩溃后锁在此之后自动释放
const jobLockTTL = 5 * time.Minute

// RunGuard 集群内同一任务同一时刻只运行一份，由 lock.AccountLocker 实现
type RunGuard interface {
	TryRun(ctx context.Context, key string, ttl time.Duration, fn func()) (bool, error)
}
