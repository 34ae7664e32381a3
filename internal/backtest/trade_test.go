package backtest

import (
	"testing"
	"time"

	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60_000)

func longSpec() OrderSpec {
	return OrderSpec{Entry: 1.0, Stop: 0.9, Target: 1.2, Volume: 1, Timeout: time.Hour}
}

func shortSpec() OrderSpec {
	return OrderSpec{Entry: 1.0, Stop: 1.1, Target: 0.8, Volume: 1, Timeout: time.Hour}
}

func bar(o, h, l, c float64) market.Bar {
	return market.Bar{Open: o, High: h, Low: l, Close: c, Volume: 1}
}

func TestOrderSpecValidation(t *testing.T) {
	cases := []struct {
		name string
		spec OrderSpec
	}{
		{"entry 等于 stop", OrderSpec{Entry: 1, Stop: 1, Target: 1.2, Volume: 1, Timeout: time.Hour}},
		{"volume 非正", OrderSpec{Entry: 1, Stop: 0.9, Target: 1.2, Volume: 0, Timeout: time.Hour}},
		{"多单 target 在错误一侧", OrderSpec{Entry: 1, Stop: 0.9, Target: 0.95, Volume: 1, Timeout: time.Hour}},
		{"空单 target 在错误一侧", OrderSpec{Entry: 1, Stop: 1.1, Target: 1.05, Volume: 1, Timeout: time.Hour}},
		{"timeout 非正", OrderSpec{Entry: 1, Stop: 0.9, Target: 1.2, Volume: 1}},
		{"价格非正", OrderSpec{Entry: -1, Stop: 0.9, Target: 1.2, Volume: 1, Timeout: time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTrade(tc.spec, 0)
			assert.Error(t, err)
		})
	}
}

func TestTradeSideDerivation(t *testing.T) {
	long, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	assert.Equal(t, SideLong, long.Side)

	short, err := NewTrade(shortSpec(), 0)
	require.NoError(t, err)
	assert.Equal(t, SideShort, short.Side)
}

func TestTradeEntryFill(t *testing.T) {
	tr, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)

	// 下单同刻的 Bar 不参与入场
	tr.Update(bar(1.0, 1.5, 0.95, 1.1), 0)
	assert.Equal(t, TradeStatusPlaced, tr.Status)

	// high 未触及 entry
	tr.Update(bar(0.95, 0.98, 0.94, 0.96), minuteMs)
	assert.Equal(t, TradeStatusPlaced, tr.Status)

	// high 触及 entry，同根 Bar 未触及出场价位
	tr.Update(bar(0.98, 1.05, 0.97, 1.0), 2*minuteMs)
	assert.Equal(t, TradeStatusActive, tr.Status)
	assert.Equal(t, 1.0, tr.EntryFill)
	assert.Equal(t, 2*minuteMs, tr.EntryTime)
}

func TestTradeConservativeTieBreak(t *testing.T) {
	// 同一根 Bar 既能触 target 又能触 stop：永远判止损
	tr, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	tr.Update(bar(1.25, 1.3, 0.85, 1.0), minuteMs)
	require.Equal(t, TradeStatusCompleted, tr.Status)
	assert.False(t, tr.Win)
	assert.Equal(t, 0.9, tr.ExitFill)
}

func TestTradeOpenGapHitsTargetFirst(t *testing.T) {
	// 开盘价已越过 target 且极值不触 stop：按 target 止盈
	tr, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	tr.Update(bar(1.25, 1.3, 1.2, 1.28), minuteMs)
	require.Equal(t, TradeStatusCompleted, tr.Status)
	assert.True(t, tr.Win)
	assert.Equal(t, 1.2, tr.ExitFill)
}

func TestTradeShortExit(t *testing.T) {
	tr, err := NewTrade(shortSpec(), 0)
	require.NoError(t, err)
	// low 触及 entry 入场，同根内 low 又触及 target
	tr.Update(bar(1.02, 1.03, 0.78, 0.8), minuteMs)
	require.Equal(t, TradeStatusCompleted, tr.Status)
	assert.True(t, tr.Win)
	assert.Equal(t, 0.8, tr.ExitFill)
	assert.InDelta(t, 2.0, tr.R, 1e-9) // 盈 0.2 / 险 0.1
}

func TestTradeOutcomeInRiskUnits(t *testing.T) {
	tr, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	tr.Update(bar(1.0, 1.05, 0.99, 1.0), minuteMs) // 入场
	tr.Update(bar(1.05, 1.21, 1.04, 1.2), 2*minuteMs)
	require.Equal(t, TradeStatusCompleted, tr.Status)
	assert.True(t, tr.Win)
	assert.InDelta(t, 0.2, tr.Amount, 1e-9)
	assert.InDelta(t, 2.0, tr.R, 1e-9)

	loser, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	loser.Update(bar(1.0, 1.05, 0.99, 1.0), minuteMs)
	loser.Update(bar(0.95, 0.96, 0.88, 0.9), 2*minuteMs)
	require.Equal(t, TradeStatusCompleted, loser.Status)
	assert.False(t, loser.Win)
	assert.InDelta(t, -0.1, loser.Amount, 1e-9)
	assert.InDelta(t, -1.0, loser.R, 1e-9)
}

func TestTradeTerminalIsIdempotent(t *testing.T) {
	tr, err := NewTrade(longSpec(), 0)
	require.NoError(t, err)
	tr.Update(bar(1.25, 1.3, 0.85, 1.0), minuteMs)
	require.Equal(t, TradeStatusCompleted, tr.Status)
	snapshot := *tr

	// 同一根 Bar 再喂一次：终态不变
	tr.Update(bar(1.25, 1.3, 0.85, 1.0), minuteMs)
	assert.Equal(t, snapshot, *tr)
}

func TestTradeTimeoutBeforeEntry(t *testing.T) {
	spec := longSpec()
	spec.Timeout = 5 * time.Minute
	tr, err := NewTrade(spec, 0)
	require.NoError(t, err)

	// deadline 与 Bar 收盘时刻恰好相等：先过期，不再判入场
	tr.Update(bar(0.98, 1.5, 0.97, 1.4), 5*minuteMs)
	assert.Equal(t, TradeStatusExpired, tr.Status)
	assert.Zero(t, tr.EntryFill)
}

func TestTradeActiveNeverExpires(t *testing.T) {
	spec := longSpec()
	spec.Timeout = 5 * time.Minute
	tr, err := NewTrade(spec, 0)
	require.NoError(t, err)

	tr.Update(bar(0.98, 1.05, 0.97, 1.0), minuteMs)
	require.Equal(t, TradeStatusActive, tr.Status)

	// deadline 之后仍持仓，直到价格触发出场
	tr.Update(bar(1.0, 1.05, 0.99, 1.0), 10*minuteMs)
	assert.Equal(t, TradeStatusActive, tr.Status)
	tr.Update(bar(1.0, 1.25, 0.99, 1.2), 11*minuteMs)
	assert.Equal(t, TradeStatusCompleted, tr.Status)
}
