package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"resume-ranker/internal/chunker"
	"resume-ranker/internal/config"
	"resume-ranker/internal/embedding"
)

// handleEmbedCommand 提取、分块并向量化一份简历，打印每个分块的向量摘要
func handleEmbedCommand(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	text, _ := extractFile(ctx, *inputFile)
	fmt.Printf("提取的文本(%d字符)\n", len([]rune(text)))

	c, err := chunker.NewFromConfig(cfg.Pipeline)
	if err != nil {
		fmt.Printf("创建分块器失败: %v\n", err)
		os.Exit(1)
	}
	chunks, err := c.SplitDocument(filepath.Base(*inputFile), text)
	if err != nil {
		fmt.Printf("分块失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("成功分块: %d个分块\n", len(chunks))

	client, err := embedding.NewClientFromConfig(cfg.Embedding)
	if err != nil {
		fmt.Printf("创建向量模型失败: %v\n", err)
		os.Exit(1)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	start := time.Now()
	vectors, err := client.EmbedAll(ctx, texts)
	if err != nil {
		fmt.Printf("生成向量失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("向量化完成! 模型: %s, 维度: %d, 耗时: %v\n", client.Model(), client.Dimensions(), time.Since(start))

	for i, vec := range vectors {
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		preview := vec
		if len(preview) > 5 {
			preview = preview[:5]
		}
		fmt.Printf("  块 %d: 范数=%.4f 前5维=%v\n", i, math.Sqrt(norm), preview)
	}
}
