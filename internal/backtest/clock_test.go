package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketresearch/internal/dataview"
	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatBars 生成 o=100 h=101 l=99 c=100 的测试序列，间隔 1 分钟。
func flatBars(n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = market.Bar{OpenTime: int64(i) * minuteMs, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
	}
	return bars
}

func flatSource(n int) *dataview.MemorySource {
	src := dataview.NewMemorySource()
	src.Add("EURUSD", "m1", flatBars(n))
	return src
}

// scriptedStrategy 在指定时钟下单，其余时刻静默。
type scriptedStrategy struct {
	placeAt map[int64][]OrderSpec
	failAt  int64
	ticks   []int64
}

func (s *scriptedStrategy) OnBar(tick TickContext) ([]OrderSpec, error) {
	s.ticks = append(s.ticks, tick.Clock)
	if s.failAt != 0 && tick.Clock == s.failAt {
		return nil, errors.New("scripted failure")
	}
	return s.placeAt[tick.Clock], nil
}

func (s *scriptedStrategy) Close() error { return nil }

func newTestClock(t *testing.T, strat Strategy, span Span) *BacktestClock {
	t.Helper()
	clock, err := NewBacktestClock(ClockConfig{
		Source:     flatSource(60),
		Instrument: "EURUSD",
		Periods:    []string{"m1"},
		Span:       span,
		Strategy:   strat,
		RunID:      "test-run",
	})
	require.NoError(t, err)
	return clock
}

func TestClockTickCountAndOrdering(t *testing.T) {
	strat := &scriptedStrategy{}
	clock := newTestClock(t, strat, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, res.Ticks)

	// 钩子看到的时钟严格递增且永不超前于推进后的时刻
	require.Len(t, strat.ticks, 30)
	assert.Equal(t, int64(0), strat.ticks[0])
	for i := 1; i < len(strat.ticks); i++ {
		assert.Equal(t, strat.ticks[i-1]+minuteMs, strat.ticks[i])
	}
}

func TestClockTradeRoundTrip(t *testing.T) {
	strat := &scriptedStrategy{placeAt: map[int64][]OrderSpec{
		// 止损在 Bar 波幅之外：入场后由 high 触发止盈
		5 * minuteMs: {{Entry: 100.5, Stop: 95, Target: 100.9, Volume: 1, Timeout: time.Hour}},
	}}
	clock := newTestClock(t, strat, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)

	tr := res.Completed[0]
	assert.Equal(t, TradeStatusCompleted, tr.Status)
	assert.True(t, tr.Win)
	assert.Equal(t, 100.5, tr.EntryFill)
	assert.Equal(t, 100.9, tr.ExitFill)
	// 下单于时钟 5min，下一根收盘于 6min 的 Bar 成交并结算
	assert.Equal(t, 6*minuteMs, tr.EntryTime)
	assert.Equal(t, 6*minuteMs, tr.ExitTime)
}

func TestClockStopAlwaysBeatsTarget(t *testing.T) {
	strat := &scriptedStrategy{placeAt: map[int64][]OrderSpec{
		// stop 与 target 都在波幅内：保守判止损
		5 * minuteMs: {{Entry: 100.5, Stop: 99.5, Target: 100.9, Volume: 1, Timeout: time.Hour}},
	}}
	clock := newTestClock(t, strat, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)
	assert.False(t, res.Completed[0].Win)
	assert.InDelta(t, -1.0, res.Completed[0].R, 1e-9)
}

func TestClockTimeoutExpiry(t *testing.T) {
	strat := &scriptedStrategy{placeAt: map[int64][]OrderSpec{
		// entry 不可触及，3 分钟后过期
		5 * minuteMs: {{Entry: 102, Stop: 95, Target: 110, Volume: 1, Timeout: 3 * time.Minute}},
	}}
	clock := newTestClock(t, strat, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Completed)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, TradeStatusExpired, res.Expired[0].Status)
	assert.Zero(t, res.Expired[0].EntryFill)
}

func TestClockAbsorbsMalformedOrders(t *testing.T) {
	strat := &scriptedStrategy{
		placeAt: map[int64][]OrderSpec{
			5 * minuteMs: {{Entry: 100, Stop: 100, Target: 110, Volume: 1, Timeout: time.Hour}}, // entry == stop
			7 * minuteMs: {{Entry: 100.5, Stop: 95, Target: 100.9, Volume: 1, Timeout: time.Hour}},
		},
		failAt: 9 * minuteMs,
	}
	clock := newTestClock(t, strat, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	// 畸形订单与策略故障只计数，合法订单照常成交
	assert.Equal(t, 2, res.Rejected)
	assert.Len(t, res.Completed, 1)
	assert.Equal(t, 30, res.Ticks)
}

func TestClockSettlesPastOffGridBar(t *testing.T) {
	// 第 4 根 Bar 开盘偏离步长网格 30 秒（严格递增仍满足数据契约）。
	// 它在首个覆盖其收盘时刻的时钟步补结算，之后的订单照常成交。
	bars := flatBars(30)
	bars[3].OpenTime += 30_000
	src := dataview.NewMemorySource()
	src.Add("EURUSD", "m1", bars)

	strat := &scriptedStrategy{placeAt: map[int64][]OrderSpec{
		5 * minuteMs: {{Entry: 100.5, Stop: 95, Target: 100.9, Volume: 1, Timeout: time.Hour}},
	}}
	clock, err := NewBacktestClock(ClockConfig{
		Source:     src,
		Instrument: "EURUSD",
		Periods:    []string{"m1"},
		Span:       Span{Name: "train", Start: 0, Stop: 30 * minuteMs},
		Strategy:   strat,
		RunID:      "test-run",
	})
	require.NoError(t, err)

	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, 6*minuteMs, res.Completed[0].EntryTime)
	assert.Equal(t, 100.9, res.Completed[0].ExitFill)
}

func TestClockSpanNotCoveredIsConfigError(t *testing.T) {
	_, err := NewBacktestClock(ClockConfig{
		Source:     flatSource(10),
		Instrument: "EURUSD",
		Periods:    []string{"m1"},
		Span:       Span{Name: "train", Start: 0, Stop: 100 * minuteMs},
		Strategy:   &scriptedStrategy{},
		RunID:      "test-run",
	})
	assert.Error(t, err)
}

type collectSink struct {
	snaps []ProgressSnapshot
	err   error
}

func (c *collectSink) Publish(snap ProgressSnapshot) error {
	c.snaps = append(c.snaps, snap)
	return c.err
}

func TestClockProgressReporting(t *testing.T) {
	sink := &collectSink{err: errors.New("sink down")}
	clock, err := NewBacktestClock(ClockConfig{
		Source:      flatSource(60),
		Instrument:  "EURUSD",
		Periods:     []string{"m1"},
		Span:        Span{Name: "val0", Start: 0, Stop: 30 * minuteMs},
		Strategy:    &scriptedStrategy{},
		RunID:       "test-run",
		ReportEvery: 10 * time.Minute,
		Progress:    sink,
	})
	require.NoError(t, err)

	// 上报失败不影响回放结果
	res, err := clock.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, res.Ticks)
	require.NotEmpty(t, sink.snaps)
	assert.Equal(t, "val0", sink.snaps[0].Span)
	for i := 1; i < len(sink.snaps); i++ {
		assert.GreaterOrEqual(t, sink.snaps[i].Clock, sink.snaps[i-1].Clock)
	}
}

func TestClockContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clock := newTestClock(t, &scriptedStrategy{}, Span{Name: "train", Start: 0, Stop: 30 * minuteMs})
	_, err := clock.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
