package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/model"
	"consumeledger/internal/repository"

	"gorm.io/gorm"
)

const (
	AlertOfflineConflict  = "OFFLINE_CONFLICT"
	AlertOfflineBacklog   = "OFFLINE_BACKLOG"
	AlertAbnormalRecharge = "ABNORMAL_RECHARGE"
)

const (
	EventRechargeSucceeded = "RECHARGE_SUCCEEDED"
	EventRechargeReversed  = "RECHARGE_REVERSED"
)

// Notifier 把告警和账务事件写入 outbox，由 OutboxSender 投递到 Kafka
type Notifier struct {
	outboxRepo  *repository.OutboxRepository
	alertTopic  string
	ledgerTopic string
}

func NewNotifier(db *gorm.DB, cfg *config.Config) *Notifier {
	return &Notifier{
		outboxRepo:  repository.NewOutboxRepository(db),
		alertTopic:  cfg.Kafka.Topic.Alert,
		ledgerTopic: cfg.Kafka.Topic.LedgerEvent,
	}
}

// Alert tx 可为空；非空时与业务状态变更一起提交
func (n *Notifier) Alert(ctx context.Context, tx *gorm.DB, alertType, key, message string, fields map[string]interface{}) error {
	payload := map[string]interface{}{
		"alert_type": alertType,
		"message":    message,
		"fields":     fields,
		"raised_at":  time.Now().Format(time.RFC3339),
	}
	return n.write(ctx, tx, model.EventTypeAlert, n.alertTopic, key, payload)
}

// LedgerEvent 账务事件，与余额变动同一事务写入
func (n *Notifier) LedgerEvent(ctx context.Context, tx *gorm.DB, event, key string, fields map[string]interface{}) error {
	payload := map[string]interface{}{
		"event":       event,
		"fields":      fields,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	return n.write(ctx, tx, model.EventTypeLedger, n.ledgerTopic, key, payload)
}

func (n *Notifier) write(ctx context.Context, tx *gorm.DB, eventType, topic, key string, payload map[string]interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		EventType:  eventType,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := n.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
