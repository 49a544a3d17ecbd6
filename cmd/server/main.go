package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/handler"
	"consumeledger/internal/infrastructure/cache"
	"consumeledger/internal/infrastructure/database"
	"consumeledger/internal/infrastructure/lock"
	"consumeledger/internal/infrastructure/mq"
	"consumeledger/internal/job"
	"consumeledger/internal/service"
	"consumeledger/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)

	// 初始化 ID 生成器，节点号集群内唯一
	idgen.Init(cfg.Server.WorkerID)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis，账户锁与任务锁都依赖它
	redisClient := cache.InitRedis(&cfg.Redis)
	locker := lock.NewAccountLocker(redisClient, &cfg.Lock)

	// 初始化 Kafka
	publisher := mq.NewPublisher(mq.InitKafka(&cfg.Kafka))
	defer publisher.Close()

	// 业务服务
	notifier := service.NewNotifier(db, cfg)
	accountService := service.NewAccountService(db, locker, cfg)
	consumeService := service.NewConsumeService(db, locker, accountService, notifier, cfg)
	rechargeService := service.NewRechargeService(db, locker, accountService, notifier, cfg)
	subsidyService := service.NewSubsidyService(db, cfg)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, publisher, locker, cfg)
	go outboxSender.Start(ctx)

	offlineSyncJob := job.NewOfflineSyncJob(consumeService, locker, cfg)
	go offlineSyncJob.Start(ctx)

	pendingReportJob := job.NewPendingReportJob(consumeService, notifier, locker, cfg)
	go pendingReportJob.Start(ctx)

	subsidyJobs := job.NewSubsidyJobs(subsidyService, locker, cfg)
	if err := subsidyJobs.Start(ctx); err != nil {
		log.Fatalf("补贴任务启动失败: %v", err)
	}

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(handler.Services{
		Account:  accountService,
		Consume:  consumeService,
		Recharge: rechargeService,
		Subsidy:  subsidyService,
	}))

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务；同步中的记录会在当前记录处理完后停下
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
