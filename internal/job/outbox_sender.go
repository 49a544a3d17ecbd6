package job

import (
	"context"
	"log"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/model"
	"consumeledger/internal/repository"

	"gorm.io/gorm"
)

// MessagePublisher 由 mq.Publisher 实现
type MessagePublisher interface {
	Send(topic, key, value string) (int32, int64, error)
}

// OutboxSender 把 outbox 中待发送的告警和账务事件投递到 Kafka，失败重试，超过次数标记为 FAILED
type OutboxSender struct {
	outboxRepo    *repository.OutboxRepository
	publisher     MessagePublisher
	guard         RunGuard
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
}

func NewOutboxSender(db *gorm.DB, publisher MessagePublisher, guard RunGuard, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo:    repository.NewOutboxRepository(db),
		publisher:     publisher,
		guard:         guard,
		stopCh:        make(chan struct{}),
		interval:      cfg.Outbox.Interval,
		batchSize:     cfg.Outbox.BatchSize,
		maxRetryCount: cfg.Outbox.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			if _, err := s.guard.TryRun(ctx, outboxSenderJobKey, jobLockTTL, func() {
				s.ProcessPendingMessages(ctx)
			}); err != nil {
				log.Printf("[OutboxSender] 获取任务锁失败: %v", err)
			}
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages 发送一批待发消息，返回发送成功的条数
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	partition, offset, err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		} else {
			log.Printf("[OutboxSender] 消息发送成功: id=%d, topic=%s, key=%s, partition=%d, offset=%d",
				msg.ID, msg.Topic, msg.MessageKey, partition, offset)
		}
		return true
	}

	log.Printf("[OutboxSender] 消息发送失败: id=%d, err=%v", msg.ID, err)

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 标记消息失败状态失败: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d", msg.ID)
		}
	}
	return false
}
