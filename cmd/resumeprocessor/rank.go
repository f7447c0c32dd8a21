package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"resume-ranker/internal/bootstrap"
	"resume-ranker/internal/config"
	"resume-ranker/internal/parser"
	"resume-ranker/internal/storage"
	"resume-ranker/internal/types"

	"github.com/spf13/pflag"
)

var (
	rankDir      = pflag.String("dir", "", "简历目录，目录下支持的文件都会入库")
	rankJD       = pflag.String("jd", "", "职位描述文本")
	rankJDFile   = pflag.String("jd-file", "", "职位描述文件")
	rankTopK     = pflag.Int("top-k", 3, "返回的简历数")
	rankEvaluate = pflag.Bool("evaluate", false, "是否调用LLM评估排序结果 (需配置 llm.api_key)")
	rankOutput   = pflag.String("output", "", "输出结果到JSON文件")
)

// handleRankCommand 将目录中的简历写入内存向量库，再按职位描述排序
func handleRankCommand(cfg *config.Config) {
	jd := *rankJD
	if *rankJDFile != "" {
		data, err := os.ReadFile(*rankJDFile)
		if err != nil {
			fmt.Printf("读取职位描述失败: %v\n", err)
			os.Exit(1)
		}
		jd = string(data)
	}
	if *rankDir == "" || strings.TrimSpace(jd) == "" {
		fmt.Println("错误: rank 命令需要 --dir 与 --jd (或 --jd-file)")
		pflag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// 离线模式始终使用内存向量库，不连接外部存储
	cfg.VectorStore.Backend = "memory"
	vectors, err := storage.NewVectorStore(ctx, cfg)
	if err != nil {
		fmt.Printf("创建内存向量库失败: %v\n", err)
		os.Exit(1)
	}
	pipe, err := bootstrap.NewPipeline(cfg, &storage.Storage{Vectors: vectors})
	if err != nil {
		fmt.Printf("初始化流水线失败: %v\n", err)
		os.Exit(1)
	}

	docs, err := loadResumeDir(ctx, *rankDir)
	if err != nil {
		fmt.Printf("读取简历目录失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("1. 入库 %d 份简历...\n", len(docs))
	start := time.Now()
	for _, item := range pipe.IngestBatch(ctx, docs) {
		if item.Err != nil {
			fmt.Printf("  ✗ %s: %v\n", item.ResumeID, item.Err)
			continue
		}
		fmt.Printf("  ✓ %s: %d 个分块\n", item.ResumeID, item.Result.ChunkCount)
	}
	fmt.Printf("入库完成! 耗时: %v\n", time.Since(start))

	req := types.RankRequest{JobDescription: jd, TopKResumes: *rankTopK}
	fmt.Println("2. 开始排序...")

	var output interface{}
	if *rankEvaluate {
		results, err := pipe.RankAndEvaluate(ctx, req)
		if err != nil {
			fmt.Printf("排序评估失败: %v\n", err)
			os.Exit(1)
		}
		for i, r := range results {
			fmt.Printf("%d. %s  score=%.4f\n", i+1, r.ResumeID, r.BestScore)
			if r.Evaluation != nil {
				fmt.Printf("   总结: %s\n", r.Evaluation.Summary)
				for _, c := range r.Evaluation.Criteria {
					fmt.Printf("   - %s: %.1f %s\n", c.Skill, c.Score, c.Justification)
				}
			} else if r.Error != "" {
				fmt.Printf("   评估失败: %s\n", r.Error)
			}
		}
		output = results
	} else {
		result, err := pipe.Rank(ctx, req)
		if err != nil {
			fmt.Printf("排序失败: %v\n", err)
			os.Exit(1)
		}
		for i, r := range result.Results {
			fmt.Printf("%d. %s  score=%.4f  匹配块#%d: %s\n", i+1, r.ResumeID, r.BestScore, r.MatchedChunkIndex, truncate(r.MatchedChunkText))
		}
		output = result
	}

	if *rankOutput != "" {
		data, _ := json.MarshalIndent(output, "", "  ")
		if err := os.WriteFile(*rankOutput, data, 0644); err != nil {
			fmt.Printf("保存结果失败: %v\n", err)
		} else {
			fmt.Printf("结果已保存到: %s\n", *rankOutput)
		}
	}
}

// loadResumeDir 以文件名(不含扩展名)作为简历ID
func loadResumeDir(ctx context.Context, dir string) ([]types.ResumeDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	extractor, err := parser.NewExtractor(ctx)
	if err != nil {
		return nil, err
	}

	var docs []types.ResumeDocument
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !parser.SupportedExtensions[ext] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		text, _, err := extractor.Extract(ctx, e.Name(), f)
		f.Close()
		if err != nil {
			fmt.Printf("  跳过 %s: %v\n", e.Name(), err)
			continue
		}
		docs = append(docs, types.ResumeDocument{
			ResumeID:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Text:       text,
			SourceName: e.Name(),
			UploadedAt: time.Now(),
		})
	}
	return docs, nil
}
