package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"resume-ranker/internal/chunker"
	"resume-ranker/internal/config"

	"github.com/spf13/pflag"
)

var chunkFormat = pflag.String("chunk-format", "text", "输出格式，可选项：text, json")

// 分块命令的参数直接复用配置中的 chunk_size / chunk_overlap
func handleChunkCommand(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("1. 开始提取文本...")
	startTime := time.Now()
	text, _ := extractFile(ctx, *inputFile)
	extractTime := time.Since(startTime)
	fmt.Printf("提取完成! 耗时: %v，提取了 %d 字符文本\n", extractTime, len([]rune(text)))

	c, err := chunker.NewFromConfig(cfg.Pipeline)
	if err != nil {
		fmt.Printf("创建分块器失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("2. 开始分块 (size=%d, overlap=%d)...\n", c.Size(), c.Overlap())
	startTime = time.Now()
	chunks, err := c.SplitDocument(filepath.Base(*inputFile), text)
	if err != nil {
		fmt.Printf("分块失败: %v\n", err)
		os.Exit(1)
	}
	chunkTime := time.Since(startTime)

	if *chunkFormat == "json" {
		data, _ := json.MarshalIndent(chunks, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Println("\n===== 分块结果 =====")
		for _, ch := range chunks {
			fmt.Printf("--- 块 %d (%d 字符) ---\n%s\n", ch.ChunkIndex, len([]rune(ch.Text)), truncate(ch.Text))
		}
	}

	fmt.Println("\n===== 处理统计 =====")
	fmt.Printf("文本长度: %d 字符\n", len([]rune(text)))
	fmt.Printf("分块数: %d\n", len(chunks))
	fmt.Printf("提取耗时: %v\n", extractTime)
	fmt.Printf("分块耗时: %v\n", chunkTime)
}
