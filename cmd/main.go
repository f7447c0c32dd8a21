package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resume-ranker/internal/api/handler"
	"resume-ranker/internal/api/router"
	"resume-ranker/internal/bootstrap"
	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/outbox"
	"resume-ranker/internal/parser"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/tracing"
	"resume-ranker/internal/worker"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzzerolog "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "configs/config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("加载配置失败")
	}

	logger.Init(logger.Config(cfg.Logger))
	hlog.SetLogger(hertzzerolog.From(logger.Logger))
	logger.Info().Str("path", configPath).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer store.Close()

	pipe, err := bootstrap.NewPipeline(cfg, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化匹配流水线失败")
	}

	extractor, err := parser.NewExtractor(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化文本提取器失败")
	}

	// 未配置的存储组件保持 nil 接口，处理器据此降级
	deps := handler.Deps{Pipeline: pipe, Extractor: extractor}
	if store.MinIO != nil {
		deps.Objects = store.MinIO
	}
	if store.RabbitMQ != nil {
		deps.Publisher = store.RabbitMQ
	}
	if store.MySQL != nil {
		deps.Metadata = store.MySQL
	}

	var relay *outbox.MessageRelay
	if store.MySQL != nil && store.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(store.MySQL.DB(), store.RabbitMQ, cfg.Outbox)
		relay.Start()
		logger.Info().Msg("发件箱中继已启动")
	}

	var stopConsumer func()
	if store.RabbitMQ != nil && store.MinIO != nil {
		var consumerOpts []worker.Option
		if store.MySQL != nil {
			consumerOpts = append(consumerOpts, worker.WithOutcomeRecorder(
				worker.NewOutcomeRecorder(store.MySQL, cfg.RabbitMQ.ResumeEventsExchange)))
		}
		consumer, err := worker.NewIngestConsumer(store.MinIO, pipe, consumerOpts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("创建入库消费者失败")
		}
		stopConsumer, err = consumer.Start(store.RabbitMQ, cfg.RabbitMQ.IngestQueue, cfg.RabbitMQ.PrefetchCount)
		if err != nil {
			logger.Fatal().Err(err).Msg("启动入库消费者失败")
		}
	} else {
		logger.Info().Msg("未同时配置RabbitMQ与MinIO，上传接口将同步入库")
	}

	shutdownTimeout := config.GetDuration(cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithMaxRequestBodySize((cfg.Server.MaxUploadMB+1)<<20),
		server.WithExitWaitTime(shutdownTimeout),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		logger.Info().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP请求")
	})

	router.RegisterRoutes(h, handler.NewResumeHandler(cfg, deps), handler.NewMatchHandler(pipe, handler.WithHealthChecks(store.HealthChecks())))
	logger.Info().Str("address", cfg.Server.Address).Msg("HTTP 服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("接收到终止信号，正在优雅退出...")

	// 先停止消费与中继，再关闭HTTP服务
	if stopConsumer != nil {
		stopConsumer()
	}
	if relay != nil {
		relay.Stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("关闭链路追踪失败")
	}
	logger.Info().Msg("优雅退出完成")
}
