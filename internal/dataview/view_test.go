package dataview

import (
	"testing"

	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T, periods ...string) (*MultiPeriodView, *MemorySource) {
	t.Helper()
	src := NewMemorySource()
	src.Add("EURUSD", "m15", genBars(0, 15, 96)) // 24 小时
	src.Add("EURUSD", "H1", aggregateHours(genBars(0, 15, 96)))
	v, err := NewMultiPeriodView(src, "EURUSD", periods)
	require.NoError(t, err)
	return v, src
}

// aggregateHours 把 m15 序列按 4 根一组卷成 H1，供测试数据自洽。
func aggregateHours(fine []market.Bar) []market.Bar {
	var out []market.Bar
	for i := 0; i+4 <= len(fine); i += 4 {
		g := fine[i : i+4]
		b := market.Bar{OpenTime: g[0].OpenTime, Open: g[0].Open, High: g[0].High, Low: g[0].Low, Close: g[3].Close}
		for _, x := range g {
			if x.High > b.High {
				b.High = x.High
			}
			if x.Low < b.Low {
				b.Low = x.Low
			}
			b.Volume += x.Volume
		}
		out = append(out, b)
	}
	return out
}

func TestViewDuplicatePeriodIsError(t *testing.T) {
	v, _ := newTestView(t, "m15", "H1")
	err := v.Register("H1")
	assert.Error(t, err)
}

func TestViewFinestSelection(t *testing.T) {
	v, _ := newTestView(t, "H1", "m15")
	assert.Equal(t, "m15", v.FinestPeriod().Name)
}

func TestViewNoLookAhead(t *testing.T) {
	hourMs := 60 * minuteMs
	v, _ := newTestView(t, "m15", "H1")
	require.NoError(t, v.SetSpan(0, 12*hourMs))

	clock := 5*hourMs + 30*minuteMs
	require.NoError(t, v.Advance(clock))

	fine, err := v.Series("m15")
	require.NoError(t, err)
	for _, ts := range fine.Times {
		assert.LessOrEqual(t, ts+15*minuteMs, clock)
	}
	assert.Nil(t, fine.Forming)

	coarse, err := v.Series("H1")
	require.NoError(t, err)
	assert.Equal(t, 5, coarse.Len())
	// 在途 Bar 只由 <= clock 的细周期数据构成
	require.NotNil(t, coarse.Forming)
	assert.Equal(t, 5*hourMs, coarse.Forming.OpenTime)

	// 序列长度 = 已收盘 + 一个在途元素
	closes := coarse.ClosesWithForming()
	assert.Len(t, closes, coarse.Len()+1)
}

func TestViewFormingMatchesClosedCoarseBar(t *testing.T) {
	// 合成的在途 Bar 应与对应粗 Bar 收盘后的实际值一致（量按已走部分累计）
	hourMs := 60 * minuteMs
	v, src := newTestView(t, "m15", "H1")
	require.NoError(t, v.SetSpan(0, 12*hourMs))

	require.NoError(t, v.Advance(6*hourMs+45*minuteMs)) // 第 7 根 H1 已走 3/4
	coarse, err := v.Series("H1")
	require.NoError(t, err)
	require.NotNil(t, coarse.Forming)

	hBars, err := src.bars("EURUSD", "H1")
	require.NoError(t, err)
	full := hBars[6]
	assert.Equal(t, full.Open, coarse.Forming.Open)
	assert.Equal(t, full.OpenTime, coarse.Forming.OpenTime)
	// 3/4 根的量 = 3 根 m15 的量
	assert.Equal(t, 30.0, coarse.Forming.Volume)
}

func TestViewAdvanceOutOfRangeIsFatal(t *testing.T) {
	hourMs := 60 * minuteMs
	v, _ := newTestView(t, "m15", "H1")
	require.NoError(t, v.SetSpan(0, 12*hourMs))
	assert.Error(t, v.Advance(48*hourMs))
	assert.Error(t, v.Advance(-1))
}

func TestViewAdvanceBeforeSpanIsFatal(t *testing.T) {
	v, _ := newTestView(t, "m15")
	assert.Error(t, v.Advance(15 * minuteMs))
}

func TestViewSetSpanUncoveredIsFatal(t *testing.T) {
	hourMs := 60 * minuteMs
	v, _ := newTestView(t, "m15", "H1")
	assert.Error(t, v.SetSpan(0, 100*hourMs))
}

func TestViewLateRegisterBackfills(t *testing.T) {
	hourMs := 60 * minuteMs
	src := NewMemorySource()
	src.Add("EURUSD", "m15", genBars(0, 15, 96))
	src.Add("EURUSD", "H1", aggregateHours(genBars(0, 15, 96)))
	v, err := NewMultiPeriodView(src, "EURUSD", []string{"m15"})
	require.NoError(t, err)
	require.NoError(t, v.SetSpan(0, 12*hourMs))
	require.NoError(t, v.Advance(5*hourMs))

	// 推进后再注册：窗口应直接追平当前时钟
	require.NoError(t, v.Register("H1"))
	coarse, err := v.Series("H1")
	require.NoError(t, err)
	assert.Equal(t, 5, coarse.Len())
}

func TestViewLateRegisterNarrowsRange(t *testing.T) {
	hourMs := 60 * minuteMs
	src := NewMemorySource()
	src.Add("EURUSD", "m15", genBars(0, 15, 96))
	// H4 数据只覆盖前 4 小时，注册后有效范围收窄
	src.Add("EURUSD", "H4", aggregateH4(genBars(0, 15, 16)))
	v, err := NewMultiPeriodView(src, "EURUSD", []string{"m15"})
	require.NoError(t, err)
	_, stop := v.AvailableRange()
	assert.Equal(t, 24*hourMs, stop)

	require.NoError(t, v.Register("H4"))
	_, stop = v.AvailableRange()
	assert.Equal(t, 4*hourMs, stop)
}

func aggregateH4(fine []market.Bar) []market.Bar {
	var out []market.Bar
	for i := 0; i+16 <= len(fine); i += 16 {
		g := fine[i : i+16]
		b := market.Bar{OpenTime: g[0].OpenTime, Open: g[0].Open, High: g[0].High, Low: g[0].Low, Close: g[15].Close}
		for _, x := range g {
			if x.High > b.High {
				b.High = x.High
			}
			if x.Low < b.Low {
				b.Low = x.Low
			}
			b.Volume += x.Volume
		}
		out = append(out, b)
	}
	return out
}
