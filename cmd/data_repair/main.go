// data_repair 重新入库状态为 FAILED / STALE_INDEX 的简历
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"resume-ranker/internal/bootstrap"
	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"
	"resume-ranker/internal/worker"

	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath  string
		statuses    string
		mode        string
		concurrency int
		batchSize   int
		dryRun      bool
	)
	pflag.StringVarP(&configPath, "config", "c", "configs/config.yaml", "配置文件路径")
	pflag.StringVar(&statuses, "status", models.StatusFailed+","+models.StatusStaleIndex, "需要修复的状态，逗号分隔")
	pflag.StringVar(&mode, "mode", modePublish, "修复方式: publish=重新投递入库任务, direct=在本进程内直接入库")
	pflag.IntVar(&concurrency, "concurrency", 5, "direct 模式下的并发数")
	pflag.IntVar(&batchSize, "batch-size", 20, "每批处理的简历数")
	pflag.BoolVar(&dryRun, "dry-run", false, "只列出需要修复的简历")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	logger.Init(logger.Config(cfg.Logger))
	log := logger.Component("data_repair")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer store.Close()
	if store.MySQL == nil || store.MinIO == nil {
		log.Fatal().Msg("修复需要同时配置 MySQL 与 MinIO")
	}

	r := &Repairer{
		Lister:      store.MySQL,
		BatchSize:   batchSize,
		Concurrency: concurrency,
		DryRun:      dryRun,
		Exchange:    cfg.RabbitMQ.ResumeEventsExchange,
		RoutingKey:  cfg.RabbitMQ.IngestRoutingKey,
		Logger:      log,
	}

	switch mode {
	case modePublish:
		if store.RabbitMQ == nil {
			log.Fatal().Msg("publish 模式需要配置 RabbitMQ")
		}
		r.Publisher = store.RabbitMQ
	case modeDirect:
		pipe, err := bootstrap.NewPipeline(cfg, store)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化匹配流水线失败")
		}
		consumer, err := worker.NewIngestConsumer(store.MinIO, pipe,
			worker.WithOutcomeRecorder(worker.NewOutcomeRecorder(store.MySQL, cfg.RabbitMQ.ResumeEventsExchange)))
		if err != nil {
			log.Fatal().Err(err).Msg("创建入库处理器失败")
		}
		r.Handler = consumer.Handle
	default:
		log.Fatal().Str("mode", mode).Msg("未知的修复方式")
	}

	summary, err := r.Run(ctx, strings.Split(statuses, ","))
	if err != nil {
		log.Error().Err(err).Msg("修复中断")
	}
	log.Info().
		Int("found", summary.Found).
		Int("repaired", summary.Repaired).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("修复结束")
	if err != nil || summary.Failed > 0 {
		os.Exit(1)
	}
}
