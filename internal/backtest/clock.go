package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketresearch/internal/dataview"
	"marketresearch/internal/logger"
	"marketresearch/internal/market"
)

// ProgressSnapshot 是跨越上报边界时发出的进度快照，纯观测用途，
// 发布失败绝不中断回放。
type ProgressSnapshot struct {
	RunID     string        `json:"run_id"`
	Span      string        `json:"span"`
	Clock     int64         `json:"clock"`
	Ticks     int           `json:"ticks"`
	Placed    int           `json:"placed"`
	Active    int           `json:"active"`
	Completed int           `json:"completed"`
	Expired   int           `json:"expired"`
	Rejected  int           `json:"rejected"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ProgressSink 接收进度快照（日志、数据库、HTTP 推送均可）。
type ProgressSink interface {
	Publish(snap ProgressSnapshot) error
}

// ClockConfig 描述一次区间回放。每个 Span 使用独立的 Clock 实例：
// 视图与订单集合都不跨区间共享，只有只读的 BarSource 可以共用。
type ClockConfig struct {
	Source     dataview.BarSource
	Instrument string
	Periods    []string
	Span       Span
	Strategy   Strategy
	RunID      string

	// ReportEvery 是仿真时间上的上报间隔，缺省一天。
	ReportEvery time.Duration
	Progress    ProgressSink
}

// ClockResult 是一次区间回放的产出：按结算顺序排列的终态订单。
type ClockResult struct {
	Span      Span     `json:"span"`
	Completed []*Trade `json:"completed"`
	Expired   []*Trade `json:"expired"`
	Ticks     int      `json:"ticks"`
	Rejected  int      `json:"rejected"`
}

// BacktestClock 以最细周期为步长驱动一个区间的回放。每步的次序固定：
// 策略下单 → 挂单判超时/入场 → 持仓判出场 → 视图推进 → 进度上报。
// 所有状态变更串行发生，订单绝不会看到未来的 Bar，Bar 也不会被重复结算。
type BacktestClock struct {
	cfg      ClockConfig
	view     *dataview.MultiPeriodView
	fineBars []market.Bar
	step     int64

	placed    []*Trade
	active    []*Trade
	completed []*Trade
	expired   []*Trade
	rejected  int
}

// NewBacktestClock 构建视图并校验区间覆盖。配置类错误全部在这里暴露，
// 进入 Run 之后只剩数据推进。
func NewBacktestClock(cfg ClockConfig) (*BacktestClock, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("strategy 不能为空")
	}
	if cfg.Span.Stop <= cfg.Span.Start {
		return nil, fmt.Errorf("span %s 区间非法: [%d, %d)", cfg.Span.Name, cfg.Span.Start, cfg.Span.Stop)
	}
	view, err := dataview.NewMultiPeriodView(cfg.Source, cfg.Instrument, cfg.Periods)
	if err != nil {
		return nil, err
	}
	if err := view.SetSpan(cfg.Span.Start, cfg.Span.Stop); err != nil {
		return nil, err
	}
	finest := view.FinestPeriod()
	fineBars, err := dataview.LoadBars(cfg.Source, cfg.Instrument, finest)
	if err != nil {
		return nil, err
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = 24 * time.Hour
	}
	return &BacktestClock{
		cfg:      cfg,
		view:     view,
		fineBars: fineBars,
		step:     finest.DurationMillis(),
	}, nil
}

// Run 回放整个区间并返回终态订单。数据完整性问题（推进越界、断档）
// 立即中止；策略故障与非法订单按步吸收，只计数不中断。
func (c *BacktestClock) Run(ctx context.Context) (ClockResult, error) {
	started := time.Now()
	span := c.cfg.Span
	fineIdx := sort.Search(len(c.fineBars), func(i int) bool {
		return c.fineBars[i].OpenTime >= span.Start
	})
	lastReport := span.Start / c.cfg.ReportEvery.Milliseconds()
	ticks := 0

	for clock := span.Start + c.step; clock <= span.Stop; clock += c.step {
		select {
		case <-ctx.Done():
			return ClockResult{}, ctx.Err()
		default:
		}
		ticks++

		c.invokeStrategy(span.Name)

		// 结算到本步为止收盘的全部最细 Bar：正常每步恰好一根，偏离
		// 步长网格的 Bar 在首个覆盖其收盘时刻的时钟步补结算。数据断档
		// （周末、休市）期间时钟照走，订单保持原状
		for fineIdx < len(c.fineBars) && c.fineBars[fineIdx].OpenTime+c.step <= clock {
			c.settle(c.fineBars[fineIdx], clock)
			fineIdx++
		}

		if err := c.view.Advance(clock); err != nil {
			return ClockResult{}, fmt.Errorf("span %s: %w", span.Name, err)
		}

		if bucket := clock / c.cfg.ReportEvery.Milliseconds(); bucket != lastReport {
			lastReport = bucket
			c.report(clock, ticks, started)
		}
	}
	c.report(c.view.Clock(), ticks, started)
	return ClockResult{
		Span:      span,
		Completed: c.completed,
		Expired:   c.expired,
		Ticks:     ticks,
		Rejected:  c.rejected,
	}, nil
}

// invokeStrategy 调用策略钩子并登记合法订单。策略报错或给出畸形订单
// 属于可恢复的逻辑错误，跳过并计数。
func (c *BacktestClock) invokeStrategy(spanName string) {
	tick := TickContext{
		RunID:      c.cfg.RunID,
		Span:       spanName,
		Instrument: c.cfg.Instrument,
		Clock:      c.view.Clock(),
		View:       c.view,
		Placed:     c.placed,
		Active:     c.active,
		Completed:  c.completed,
	}
	specs, err := c.cfg.Strategy.OnBar(tick)
	if err != nil {
		c.rejected++
		logger.Warnf("[backtest] run %s span %s 策略故障（时钟 %d）: %v", c.cfg.RunID, spanName, tick.Clock, err)
		return
	}
	for _, spec := range specs {
		trade, err := NewTrade(spec, tick.Clock)
		if err != nil {
			c.rejected++
			logger.Warnf("[backtest] run %s span %s 拒绝畸形订单: %v", c.cfg.RunID, spanName, err)
			continue
		}
		c.placed = append(c.placed, trade)
	}
}

// settle 把新收盘的最细 Bar 喂给全部未终结订单。挂单先行（超时判定
// 优先于入场），本步刚转 active 的订单已在同一次 Update 内完成出场
// 判定，不再重复喂入。
func (c *BacktestClock) settle(bar market.Bar, closeTime int64) {
	prevActive := c.active
	c.active = nil

	var stillPlaced []*Trade
	for _, t := range c.placed {
		t.Update(bar, closeTime)
		switch t.Status {
		case TradeStatusPlaced:
			stillPlaced = append(stillPlaced, t)
		case TradeStatusActive:
			c.active = append(c.active, t)
		case TradeStatusCompleted:
			c.completed = append(c.completed, t)
		case TradeStatusExpired:
			c.expired = append(c.expired, t)
		}
	}
	c.placed = stillPlaced

	for _, t := range prevActive {
		t.Update(bar, closeTime)
		if t.Status == TradeStatusCompleted {
			c.completed = append(c.completed, t)
		} else {
			c.active = append(c.active, t)
		}
	}
}

func (c *BacktestClock) report(clock int64, ticks int, started time.Time) {
	if c.cfg.Progress == nil {
		return
	}
	snap := ProgressSnapshot{
		RunID:     c.cfg.RunID,
		Span:      c.cfg.Span.Name,
		Clock:     clock,
		Ticks:     ticks,
		Placed:    len(c.placed),
		Active:    len(c.active),
		Completed: len(c.completed),
		Expired:   len(c.expired),
		Rejected:  c.rejected,
		Elapsed:   time.Since(started),
	}
	if err := c.cfg.Progress.Publish(snap); err != nil {
		logger.Debugf("progress publish failed: %v", err)
	}
}
