// Package app 负责应用级编排：加载配置→初始化依赖→启动控制面。
package app

import (
	"context"
	"fmt"
	"time"

	"marketresearch/internal/backtest"
	"marketresearch/internal/config"
	"marketresearch/internal/logger"
	"marketresearch/internal/mining"
	"marketresearch/internal/store/sqlite"
	"marketresearch/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// App 持有全部长生命周期组件。
type App struct {
	cfg     *config.Config
	bars    *sqlite.Store
	results *backtest.ResultStore
	miner   *mining.Service
	engine  *backtest.Engine
	server  *backtest.HTTPServer
}

// New 根据配置构建应用对象（不启动）。
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	bars, err := sqlite.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线存储失败: %w", err)
	}
	results, err := backtest.NewResultStore(cfg.Results.Path)
	if err != nil {
		_ = bars.Close()
		return nil, fmt.Errorf("初始化结果存储失败: %w", err)
	}

	binance := mining.NewBinanceSource(cfg.Data.BinanceBaseURL,
		time.Duration(cfg.Data.HTTPTimeoutSeconds)*time.Second)
	miner, err := mining.NewService(mining.ServiceConfig{
		Store:           bars,
		Sources:         map[string]mining.RemoteSource{binance.Name(): binance},
		DefaultSource:   cfg.Data.DefaultSource,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrentJobs,
	})
	if err != nil {
		_ = results.Close()
		_ = bars.Close()
		return nil, fmt.Errorf("初始化数据补齐服务失败: %w", err)
	}

	registry, err := strategy.NewRegistry()
	if err != nil {
		_ = results.Close()
		_ = bars.Close()
		return nil, fmt.Errorf("初始化策略注册表失败: %w", err)
	}
	engine, err := backtest.NewEngine(backtest.EngineConfig{
		Bars:              bars,
		Results:           results,
		Strategies:        registry.Factories(),
		DefaultPeriods:    cfg.Replay.Periods,
		DefaultStrategy:   cfg.Replay.Strategy,
		TrainRatio:        cfg.Replay.TrainRatio,
		NumValidationSets: cfg.Replay.NumValidationSets,
		ReportEvery:       time.Duration(cfg.Replay.ReportEveryHours) * time.Hour,
		MaxConcurrent:     cfg.Replay.MaxConcurrentSpans,
	})
	if err != nil {
		_ = results.Close()
		_ = bars.Close()
		return nil, fmt.Errorf("初始化回放引擎失败: %w", err)
	}

	server, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:    cfg.App.HTTPAddr,
		Miner:   miner,
		Engine:  engine,
		Results: results,
	})
	if err != nil {
		_ = results.Close()
		_ = bars.Close()
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	return &App{
		cfg:     cfg,
		bars:    bars,
		results: results,
		miner:   miner,
		engine:  engine,
		server:  server,
	}, nil
}

// Run 启动控制面并阻塞到 ctx 取消；后台任务通过注入的 ctx 一起退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)
	a.miner.SetContext(ctx)
	a.engine.SetContext(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	logger.Infof("[app] 控制面已启动 addr=%s env=%s", a.cfg.App.HTTPAddr, a.cfg.App.Env)
	err := group.Wait()
	a.Close()
	return err
}

// Install 以同步方式补齐一段 K 线数据，阻塞直到任务进入终态。
// 供命令行一次性下载模式使用，不启动 HTTP 控制面。
func (a *App) Install(ctx context.Context, params mining.FetchParams) (mining.FetchJob, error) {
	if a == nil || a.miner == nil {
		return mining.FetchJob{}, fmt.Errorf("app not initialized")
	}
	a.miner.SetContext(ctx)
	job, err := a.miner.SubmitFetch(params)
	if err != nil {
		return mining.FetchJob{}, err
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, ok := a.miner.JobSnapshot(job.ID)
		if !ok {
			return mining.FetchJob{}, fmt.Errorf("任务 %s 丢失", job.ID)
		}
		switch snap.Status {
		case mining.JobStatusDone, mining.JobStatusFailed, mining.JobStatusPartial:
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.bars != nil {
		_ = a.bars.Close()
	}
}
