// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/internal/debounce"
	"desk-assist-go/internal/handler"
	"desk-assist-go/internal/middleware"
	"desk-assist-go/internal/model"
	"desk-assist-go/internal/pipeline"
	"desk-assist-go/internal/repository"
	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/database"
	"desk-assist-go/pkg/embedding"
	"desk-assist-go/pkg/es"
	"desk-assist-go/pkg/helpdesk"
	"desk-assist-go/pkg/kafka"
	"desk-assist-go/pkg/llm"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/storage"
	"desk-assist-go/pkg/tika"
	"desk-assist-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("DESK_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、Elasticsearch 与对象存储
	var migrate []interface{}
	if cfg.Database.MySQL.AutoMigrate {
		migrate = []interface{}{&model.User{}, &model.Chat{}, &model.Message{}}
	}
	database.InitMySQL(cfg.Database.MySQL.DSN, migrate...)
	defer database.Close()
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Username, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	var archive *storage.Archive
	if cfg.MinIO.Endpoint != "" {
		storage.InitMinIO(cfg.MinIO)
		archive = storage.NewArchive(storage.MinioClient, cfg.MinIO.BucketName)
	}

	// 4. 初始化 Repository
	bufferRepo := repository.NewBufferRepository(database.RDB, repository.BufferOptions{
		DebounceWindow: cfg.Buffer.DebounceWindow,
		SafetySlack:    cfg.Buffer.SafetySlack,
		LeaseTTL:       cfg.Buffer.LeaseTTL,
	})
	conversationRepo := repository.NewConversationRepository(database.DB)

	// 5. 初始化外部客户端与 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	llmClient := llm.NewClient(cfg.LLM)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	helpdeskClient := helpdesk.NewClient(cfg.Helpdesk)
	tikaClient := tika.NewClient(cfg.Tika)
	searchService := service.NewSearchService(embeddingClient, es.ESClient, cfg.Elasticsearch.CaseIndex, cfg.Elasticsearch.LabelIndex)

	deps := pipeline.Deps{
		Generator: llmClient,
		Searcher:  searchService,
		Store:     conversationRepo,
		Deliverer: helpdeskClient,
	}

	// 6. Kafka outbox：持久化失败的消息由后台消费者重放
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	consumerDone := make(chan struct{})
	if cfg.Kafka.Brokers != "" {
		writer := kafka.NewWriter(cfg.Kafka)
		defer writer.Close()
		outboxService := service.NewOutboxService(writer, conversationRepo)
		deps.Outbox = outboxService
		consumerOpts := kafka.ConsumerOptions{MaxAttempts: cfg.Kafka.MaxAttempts, Backoff: cfg.Kafka.RetryBackoff}
		if cfg.Kafka.DeadLetterTopic != "" {
			deadLetter := kafka.NewTopicWriter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
			defer deadLetter.Close()
			consumerOpts.DeadLetter = deadLetter
		}
		consumer := kafka.NewConsumer(kafka.NewReader(cfg.Kafka), database.RDB, outboxService, consumerOpts)
		go func() {
			defer close(consumerDone)
			consumer.Run(consumerCtx)
		}()
	} else {
		log.Warnf("未配置 Kafka, 持久化失败的消息将只记录日志")
		close(consumerDone)
	}

	// 7. 组装回复流水线、排空协调器与防抖扫描
	opts, err := pipeline.OptionsFromConfig(cfg.Pipeline, cfg.Classification)
	if err != nil {
		log.Fatal("流水线配置无效", err)
	}
	responder := pipeline.New(deps, opts)
	scheduler := debounce.New(bufferRepo, responder, cfg.Buffer)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		scheduler.Run(sweepCtx)
	}()

	var linker service.AttachmentLinker
	var archiver service.Archiver
	if archive != nil {
		linker, archiver = archive, archive
	}
	normalizerService := service.NewNormalizerService(cfg.Helpdesk.AttachMarker, llmClient, tikaClient, archiver)
	chatService := service.NewChatService(normalizerService, bufferRepo, responder)
	conversationService := service.NewConversationService(conversationRepo, bufferRepo)
	adminService := service.NewAdminService(cfg.Admin, cfg.Classification.Labels, jwtManager, linker, searchService)
	knowledgeService := service.NewKnowledgeService(tikaClient, searchService)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger("/metrics", "/healthz"), gin.Recovery())

	// 9. 注册路由
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handler.NewHealthHandler(map[string]handler.HealthCheck{
		"redis": func(ctx context.Context) error { return database.RDB.Ping(ctx).Err() },
		"mysql": func(ctx context.Context) error {
			sqlDB, err := database.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}).Healthz)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/chatbot/chat", handler.NewChatHandler(chatService).Receive)
		apiV1.POST("/admin/login", handler.NewAuthHandler(adminService).Login)

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminAuthMiddleware(service.AdminRole))
		{
			admin.GET("/conversations/:chatId/messages", handler.NewConversationHandler(conversationService).GetMessages)
			admin.GET("/buffers", handler.NewConversationHandler(conversationService).ListBuffers)
			admin.POST("/cases", handler.NewAdminHandler(adminService, knowledgeService).IndexCase)
			admin.POST("/cases/import", handler.NewAdminHandler(adminService, knowledgeService).ImportDocument)
			admin.POST("/labels/sync", handler.NewAdminHandler(adminService, knowledgeService).SyncLabels)
			admin.GET("/attachments", handler.NewAdminHandler(adminService, knowledgeService).AttachmentURL)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止扫描后等待进行中的排空任务结束，它们受租约时长约束
	stopSweep()
	<-sweepDone
	scheduler.Wait()

	stopConsumer()
	<-consumerDone
	log.Info("服务已优雅关闭")
}
