package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"resume-ranker/internal/parser"

	"github.com/spf13/pflag"
)

var extractSaveFile = pflag.String("extract-save", "", "保存提取内容到文件")

// extractFile 提取单个文件的文本，失败时直接退出
func extractFile(ctx context.Context, path string) (string, map[string]any) {
	if path == "" {
		fmt.Println("错误: 必须提供简历文件路径。使用 --file 参数。")
		pflag.Usage()
		os.Exit(1)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		fmt.Printf("无法获取文件的绝对路径: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Open(absPath)
	if err != nil {
		fmt.Printf("无法访问文件 %s: %v\n", absPath, err)
		os.Exit(1)
	}
	defer f.Close()

	extractor, err := parser.NewExtractor(ctx)
	if err != nil {
		fmt.Printf("创建文本提取器失败: %v\n", err)
		os.Exit(1)
	}
	text, meta, err := extractor.Extract(ctx, absPath, f)
	if err != nil {
		fmt.Printf("提取文本失败: %v\n", err)
		os.Exit(1)
	}
	return text, meta
}

// 处理提取文本命令
func handleExtractCommand() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("准备处理文件: %s\n", *inputFile)
	startTime := time.Now()
	text, metadata := extractFile(ctx, *inputFile)
	fmt.Printf("提取完成! 耗时: %v\n", time.Since(startTime))

	fmt.Printf("\n===== 提取的文本 (总计 %d 字符) =====\n", len([]rune(text)))
	fmt.Println(truncate(text))

	fmt.Println("\n===== 元数据 =====")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, metadata[k])
	}

	if *extractSaveFile != "" {
		if err := os.WriteFile(*extractSaveFile, []byte(text), 0644); err != nil {
			fmt.Printf("保存到文件失败: %v\n", err)
		} else {
			fmt.Printf("文本已保存到: %s\n", *extractSaveFile)
		}
	}
}
