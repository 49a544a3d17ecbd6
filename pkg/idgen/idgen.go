package idgen

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 业务单号生成
// ============================================================================
//
// 单号格式：前缀 + 年月日时分秒 + 雪花ID
//
// 雪花ID = 41位毫秒时间戳 + 10位节点号 + 12位序列号，
// 同一节点内严格递增，不同节点靠节点号区分，因此同样的输入重复调用也不会重号
//
// ============================================================================

const defaultWorkerID = 1

var (
	node *snowflake.Node
	once sync.Once
)

// Init 初始化节点号，只有第一次调用生效
func Init(workerID int64) {
	once.Do(func() {
		n, err := snowflake.NewNode(workerID)
		if err != nil {
			log.Fatalf("初始化雪花节点失败: workerID=%d, err=%v", workerID, err)
		}
		node = n
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	Init(defaultWorkerID)
	return node.Generate().Int64()
}

func build(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().Format("20060102150405"), NextID())
}

// GenerateTransactionNo 账户流水号
func GenerateTransactionNo() string {
	return build("TXN")
}

// GenerateConsumeNo 在线消费流水号
func GenerateConsumeNo() string {
	return build("CSM")
}

// GenerateReversalNo 冲正单号
func GenerateReversalNo() string {
	return build("REV")
}

// GenerateBatchNo 充值批次号
func GenerateBatchNo() string {
	return build("BAT")
}

// GenerateRechargeNo 充值交易号
// 格式：RC + 渠道码(2位) + 年月日时分秒 + 用户ID后4位 + 雪花ID
// 例如：RCWE2024011514305200421745...
func GenerateRechargeNo(userID int64, rechargeWay string) string {
	return fmt.Sprintf("RC%s%s%04d%d",
		wayCode(rechargeWay),
		time.Now().Format("20060102150405"),
		abs(userID)%10000,
		NextID(),
	)
}

func wayCode(rechargeWay string) string {
	code := strings.ToUpper(rechargeWay)
	if len(code) >= 2 {
		return code[:2]
	}
	return "XX"
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
