// resumeprocessor 离线调试工具：提取、分块、向量化简历，或在内存中对一批简历排序
package main

import (
	"fmt"
	"os"

	"resume-ranker/internal/config"
	"resume-ranker/internal/logger"

	"github.com/spf13/pflag"
)

// 命令行参数定义
var (
	configPath = pflag.StringP("config", "c", "", "配置文件路径，留空使用默认配置")
	inputFile  = pflag.StringP("file", "f", "", "简历文件路径 (.pdf/.txt/.md)")
	maxLen     = pflag.Int("maxlen", 1000, "显示的文本最大长度，设为-1显示全部")
	command    = pflag.String("cmd", "extract", "执行的命令: extract=仅提取文本, chunk=分块文本, embed=向量嵌入, rank=批量入库并按JD排序")
)

func main() {
	pflag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger.Init(logger.Config{Level: "warn", Format: "pretty"})

	switch *command {
	case "extract":
		handleExtractCommand()
	case "chunk":
		handleChunkCommand(cfg)
	case "embed":
		handleEmbedCommand(cfg)
	case "rank":
		handleRankCommand(cfg)
	default:
		fmt.Printf("错误: 未知命令 '%s'。支持的命令: extract, chunk, embed, rank\n", *command)
		pflag.Usage()
		os.Exit(1)
	}
}

// truncate 按 -maxlen 截断展示文本
func truncate(text string) string {
	runes := []rune(text)
	if *maxLen >= 0 && len(runes) > *maxLen {
		return string(runes[:*maxLen]) + "...(已截断，使用 --maxlen 参数显示更多)"
	}
	return text
}
