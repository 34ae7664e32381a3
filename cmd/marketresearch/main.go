package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"marketresearch/internal/app"
	"marketresearch/internal/config"
	"marketresearch/internal/logger"
	"marketresearch/internal/mining"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		installSpec  = flag.String("install", "", "一次性下载模式：交易对:周期，如 BTCUSDT:m15，下载完成后退出")
		installStart = flag.String("start", "", "下载起始时间（RFC3339，配合 -install）")
		installEnd   = flag.String("end", "", "下载结束时间（RFC3339，默认当前时间）")
	)
	flag.Parse()

	cfgPath := os.Getenv("MARKETRESEARCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，数据根=%s）", cfg.App.Env, cfg.Data.Root)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	if *installSpec != "" {
		defer application.Close()
		if err := runInstall(ctx, application, *installSpec, *installStart, *installEnd); err != nil {
			log.Fatalf("数据下载失败: %v", err)
		}
		return
	}

	if err := application.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

// runInstall 解析 -install 参数并阻塞到补齐任务结束。
func runInstall(ctx context.Context, application *app.App, spec, startStr, endStr string) error {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("-install 需要 交易对:周期 格式，收到 %q", spec)
	}
	if startStr == "" {
		return fmt.Errorf("-install 需要配合 -start 指定起始时间")
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return fmt.Errorf("解析 -start 失败: %w", err)
	}
	end := time.Now()
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return fmt.Errorf("解析 -end 失败: %w", err)
		}
	}
	job, err := application.Install(ctx, mining.FetchParams{
		Instrument: parts[0],
		Period:     parts[1],
		Start:      start.UnixMilli(),
		End:        end.UnixMilli(),
	})
	if err != nil {
		return err
	}
	logger.Infof("[install] 任务 %s 结束：状态=%s 已写入=%d/%d", job.ID, job.Status, job.Completed, job.Total)
	if job.Status == mining.JobStatusFailed {
		return fmt.Errorf("%s", job.Message)
	}
	return nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
