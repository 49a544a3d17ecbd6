package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Recharge RechargeConfig `mapstructure:"recharge"`
	Subsidy  SubsidyConfig  `mapstructure:"subsidy"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"` // 雪花算法节点号，集群内唯一
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig 账户锁与任务锁共用的 Redis 连接，ReadTimeout 应小于 lock.wait_timeout
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Alert       string `mapstructure:"alert"`        // 离线冲突、积压告警
	LedgerEvent string `mapstructure:"ledger_event"` // 充值、冲正事件
}

// LockConfig 账户锁参数
type LockConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`            // 锁自动过期时间，持有者崩溃后的最长不可用时间
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`   // 获取锁的最长等待时间
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 轮询间隔
}

// SyncConfig 离线对账任务参数
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
	BacklogThreshold int64         `mapstructure:"backlog_threshold"`
	RecordTimeout    time.Duration `mapstructure:"record_timeout"` // 单条记录同步的最长耗时，不受任务取消影响
}

// RechargeConfig 充值校验与冲正规则，金额单位为元
type RechargeConfig struct {
	MaxAmount           string `mapstructure:"max_amount"`
	LargeAmount         string `mapstructure:"large_amount"`
	AbnormalAmount      string `mapstructure:"abnormal_amount"`
	CashAbnormalAmount  string `mapstructure:"cash_abnormal_amount"`
	OffHoursStart       int    `mapstructure:"off_hours_start"`
	OffHoursEnd         int    `mapstructure:"off_hours_end"`
	ReversalWindowDays  int    `mapstructure:"reversal_window_days"`
	StatisticsMaxRecord int    `mapstructure:"statistics_max_record"`
}

// SubsidyConfig 补贴定时任务参数
type SubsidyConfig struct {
	ResetCron  string `mapstructure:"reset_cron"`
	ExpireCron string `mapstructure:"expire_cron"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("redis.ping_timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.alert", "ledger-alert")
	v.SetDefault("kafka.topic.ledger_event", "ledger-event")

	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait_timeout", 3*time.Second)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.report_interval", 10*time.Minute)
	v.SetDefault("sync.backlog_threshold", 1000)
	v.SetDefault("sync.record_timeout", 10*time.Second)

	v.SetDefault("recharge.max_amount", "50000")
	v.SetDefault("recharge.large_amount", "20000")
	v.SetDefault("recharge.abnormal_amount", "10000")
	v.SetDefault("recharge.cash_abnormal_amount", "5000")
	v.SetDefault("recharge.off_hours_start", 0)
	v.SetDefault("recharge.off_hours_end", 6)
	v.SetDefault("recharge.reversal_window_days", 30)
	v.SetDefault("recharge.statistics_max_record", 10000)

	v.SetDefault("subsidy.reset_cron", "0 0 * * *")
	v.SetDefault("subsidy.expire_cron", "*/10 * * * *")
	v.SetDefault("subsidy.batch_size", 500)

	v.SetDefault("outbox.interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)
}

// LoadConfig 加载配置文件，环境变量 LEDGER_* 可覆盖配置项（如 LEDGER_MYSQL_PASSWORD）
func LoadConfig(configPath string) *Config {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default 仅包含默认值的配置，供测试和本地工具使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		log.Fatalf("解析默认配置失败: %v", err)
	}
	return config
}
