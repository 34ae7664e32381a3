package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketresearch/internal/dataview"
	"marketresearch/internal/logger"
	"marketresearch/internal/market"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EngineConfig 组装一台回测引擎。
type EngineConfig struct {
	Bars       dataview.BarSource
	Results    *ResultStore
	Strategies map[string]StrategyFactory

	DefaultPeriods    []string
	DefaultStrategy   string
	TrainRatio        float64
	NumValidationSets int
	ReportEvery       time.Duration
	MaxConcurrent     int
}

// Engine 把「一次回测请求」展开成训练 + 验证多个区间的回放：
// 区间之间除只读的 BarSource 外不共享任何状态，可以安全并行。
type Engine struct {
	bars       dataview.BarSource
	results    *ResultStore
	strategies map[string]StrategyFactory

	defaultPeriods  []string
	defaultStrategy string
	trainRatio      float64
	numVal          int
	reportEvery     time.Duration
	maxConcurrent   int

	baseCtx context.Context
	sem     chan struct{}
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bars == nil {
		return nil, fmt.Errorf("bar source 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("strategies 不能为空")
	}
	defaultStrategy := cfg.DefaultStrategy
	if defaultStrategy == "" {
		for name := range cfg.Strategies {
			defaultStrategy = name
			break
		}
	}
	if cfg.TrainRatio <= 0 || cfg.TrainRatio >= 1 {
		return nil, fmt.Errorf("train_ratio 必须落在 (0, 1): %v", cfg.TrainRatio)
	}
	if cfg.NumValidationSets < 1 {
		return nil, fmt.Errorf("num_validation_sets 至少为 1: %d", cfg.NumValidationSets)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		bars:            cfg.Bars,
		results:         cfg.Results,
		strategies:      cfg.Strategies,
		defaultPeriods:  append([]string(nil), cfg.DefaultPeriods...),
		defaultStrategy: defaultStrategy,
		trainRatio:      cfg.TrainRatio,
		numVal:          cfg.NumValidationSets,
		reportEvery:     cfg.ReportEvery,
		maxConcurrent:   maxConcurrent,
		baseCtx:         context.Background(),
		sem:             make(chan struct{}, maxConcurrent),
	}, nil
}

func (e *Engine) SetContext(ctx context.Context) {
	if ctx != nil {
		e.baseCtx = ctx
	}
}

func (e *Engine) ctx() context.Context {
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

// Strategies 返回已注册的策略名（排序后），供控制面枚举。
func (e *Engine) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartRun 校验请求、落 run 记录后立即返回，回放在后台进行。
func (e *Engine) StartRun(req RunRequest) (Run, error) {
	cfg, err := e.resolveConfig(req)
	if err != nil {
		return Run{}, err
	}
	run := Run{
		ID:         uuid.NewString(),
		Instrument: cfg.Instrument,
		Strategy:   cfg.Strategy,
		Status:     RunStatusPending,
		StartTS:    cfg.StartTS,
		EndTS:      cfg.EndTS,
		Config:     cfg,
	}
	if err := e.results.InsertRun(e.ctx(), run); err != nil {
		return Run{}, err
	}
	go e.runLoop(run)
	return run, nil
}

// resolveConfig 补全缺省项并做全部配置期校验：周期合法且不重复、
// 策略存在、区间落在全部周期数据范围的交集内。
func (e *Engine) resolveConfig(req RunRequest) (RunConfig, error) {
	instrument := strings.ToUpper(strings.TrimSpace(req.Instrument))
	if instrument == "" {
		return RunConfig{}, fmt.Errorf("instrument 不能为空")
	}
	periods := req.Periods
	if len(periods) == 0 {
		periods = e.defaultPeriods
	}
	if len(periods) == 0 {
		return RunConfig{}, fmt.Errorf("未指定回放周期")
	}
	parsed := make([]market.Period, 0, len(periods))
	for _, name := range periods {
		p, err := market.ParsePeriod(name)
		if err != nil {
			return RunConfig{}, err
		}
		parsed = append(parsed, p)
	}
	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = e.defaultStrategy
	}
	if _, ok := e.strategies[strategyName]; !ok {
		return RunConfig{}, fmt.Errorf("未知策略: %s", strategyName)
	}
	trainRatio := req.TrainRatio
	if trainRatio == 0 {
		trainRatio = e.trainRatio
	}
	if trainRatio <= 0 || trainRatio >= 1 {
		return RunConfig{}, fmt.Errorf("train_ratio 必须落在 (0, 1): %v", trainRatio)
	}
	numVal := req.NumValidationSets
	if numVal == 0 {
		numVal = e.numVal
	}
	if numVal < 1 {
		return RunConfig{}, fmt.Errorf("num_validation_sets 至少为 1: %d", numVal)
	}

	// 用一次性视图求全部周期有效范围的交集，作为缺省回放区间
	probe, err := dataview.NewMultiPeriodView(e.bars, instrument, periods)
	if err != nil {
		return RunConfig{}, err
	}
	availStart, availStop := probe.AvailableRange()
	start, stop := req.StartTS, req.EndTS
	if start == 0 {
		start = availStart
	}
	if stop == 0 {
		stop = availStop
	}
	market.SortPeriods(parsed)
	start, stop = parsed[0].AlignRange(start, stop)
	if stop <= start {
		return RunConfig{}, fmt.Errorf("回放区间退化: [%d, %d)", start, stop)
	}
	if start < availStart || stop > availStop {
		return RunConfig{}, fmt.Errorf("%s 请求区间 [%d, %d) 越出数据有效范围 [%d, %d]",
			instrument, start, stop, availStart, availStop)
	}
	names := make([]string, len(parsed))
	for i, p := range parsed {
		names[i] = p.Name
	}
	return RunConfig{
		Instrument:        instrument,
		Periods:           names,
		StartTS:           start,
		EndTS:             stop,
		TrainRatio:        trainRatio,
		NumValidationSets: numVal,
		Strategy:          strategyName,
		Params:            req.Params,
		ReportEvery:       e.reportEvery,
	}, nil
}

func (e *Engine) runLoop(run Run) {
	select {
	case e.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", run.ID)
		e.sem <- struct{}{}
	}
	defer func() { <-e.sem }()

	ctx := e.ctx()
	_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusRunning, "切分数据区间…")
	stats, err := e.BeginBacktest(ctx, run)
	if err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", run.ID, err)
		_ = e.results.UpdateRunStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return
	}
	if err := e.results.UpdateRunSummary(ctx, run.ID, RunStatusDone, stats, "完成"); err != nil {
		logger.Warnf("[backtest] run %s 写入统计失败: %v", run.ID, err)
	}
}

// BeginBacktest 把请求区间切成训练 + 验证区间并逐一回放，区间之间
// 并行执行，各自持有独立的视图与订单集合。返回合并后的统计。
func (e *Engine) BeginBacktest(ctx context.Context, run Run) (RunStats, error) {
	cfg := run.Config
	spans, err := Partition(cfg.StartTS, cfg.EndTS, cfg.TrainRatio, cfg.NumValidationSets)
	if err != nil {
		return RunStats{}, err
	}
	factory := e.strategies[cfg.Strategy]

	spanStats := make([]SpanStats, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)
	for i, span := range spans {
		g.Go(func() error {
			res, err := e.runSpan(gctx, run, factory, span)
			if err != nil {
				return fmt.Errorf("span %s: %w", span.Name, err)
			}
			spanStats[i] = SummarizeSpan(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunStats{}, err
	}
	return SummarizeRun(spanStats), nil
}

func (e *Engine) runSpan(ctx context.Context, run Run, factory StrategyFactory, span Span) (ClockResult, error) {
	cfg := run.Config
	strategy, err := factory.NewStrategy(StrategySpec{
		RunID:      run.ID,
		Instrument: cfg.Instrument,
		SpanName:   span.Name,
		Name:       cfg.Strategy,
		Params:     cfg.Params,
	})
	if err != nil {
		return ClockResult{}, err
	}
	defer strategy.Close()

	clock, err := NewBacktestClock(ClockConfig{
		Source:      e.bars,
		Instrument:  cfg.Instrument,
		Periods:     cfg.Periods,
		Span:        span,
		Strategy:    strategy,
		RunID:       run.ID,
		ReportEvery: cfg.ReportEvery,
		Progress:    &storeProgressSink{store: e.results, ctx: ctx},
	})
	if err != nil {
		return ClockResult{}, err
	}
	res, err := clock.Run(ctx)
	if err != nil {
		return ClockResult{}, err
	}
	if err := e.results.InsertTrades(ctx, run.ID, span.Name, res.Completed); err != nil {
		logger.Warnf("[backtest] run %s span %s 写入成交失败: %v", run.ID, span.Name, err)
	}
	if err := e.results.InsertTrades(ctx, run.ID, span.Name, res.Expired); err != nil {
		logger.Warnf("[backtest] run %s span %s 写入过期订单失败: %v", run.ID, span.Name, err)
	}
	logger.Infof("[backtest] run %s span %s 完成: %d 笔成交 / %d 笔过期 / %d 次拒单",
		run.ID, span.Name, len(res.Completed), len(res.Expired), res.Rejected)
	return res, nil
}

// storeProgressSink 把进度快照落库并刷新 run 提示信息。
type storeProgressSink struct {
	store *ResultStore
	ctx   context.Context
}

func (s *storeProgressSink) Publish(snap ProgressSnapshot) error {
	if err := s.store.InsertProgress(s.ctx, snap); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s: tick %d, 持仓 %d, 已结 %d", snap.Span, snap.Ticks, snap.Active, snap.Completed)
	return s.store.UpdateRunStatus(s.ctx, snap.RunID, RunStatusRunning, msg)
}
