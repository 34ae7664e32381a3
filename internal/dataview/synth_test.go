package dataview

import (
	"testing"

	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeBarAggregation(t *testing.T) {
	// H1 粗周期一根已收盘，其后两根 m15 构成在途聚合
	hourMs := 60 * minuteMs
	coarseBars := []market.Bar{
		{OpenTime: 0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{OpenTime: hourMs, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 100},
	}
	fineBars := []market.Bar{
		{OpenTime: hourMs, Open: 1.5, High: 1.8, Low: 1.2, Close: 1.7, Volume: 30},
		{OpenTime: hourMs + 15*minuteMs, Open: 1.7, High: 2.4, Low: 1.6, Close: 2.3, Volume: 40},
	}
	coarse := newTestCursor(t, "H1", coarseBars)
	fine := newTestCursor(t, "m15", fineBars)
	require.NoError(t, coarse.setSpan(0, 2*hourMs))
	require.NoError(t, fine.setSpan(hourMs, hourMs+30*minuteMs))

	clock := hourMs + 30*minuteMs
	coarse.advance(clock)
	fine.advance(clock)

	bar, ok := SynthesizeBar(coarse, fine)
	require.True(t, ok)
	assert.Equal(t, 1.5, bar.Open)
	assert.Equal(t, 2.4, bar.High)
	assert.Equal(t, 1.2, bar.Low)
	assert.Equal(t, 2.3, bar.Close)
	assert.Equal(t, 70.0, bar.Volume)
	assert.Equal(t, hourMs, bar.OpenTime)
}

func TestSynthesizeBarAbsentForFinest(t *testing.T) {
	bars := genBars(0, 1, 10)
	c := newTestCursor(t, "m1", bars)
	require.NoError(t, c.setSpan(0, 10*minuteMs))
	c.advance(5 * minuteMs)

	_, ok := SynthesizeBar(c, c)
	assert.False(t, ok)
}

func TestSynthesizeBarAbsentWhenNoNewFineBars(t *testing.T) {
	hourMs := 60 * minuteMs
	coarseBars := []market.Bar{{OpenTime: 0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}}
	fineBars := genBars(0, 15, 4) // 恰好构成该 H1，之后无新 Bar

	coarse := newTestCursor(t, "H1", coarseBars)
	fine := newTestCursor(t, "m15", fineBars)
	require.NoError(t, coarse.setSpan(0, hourMs))
	require.NoError(t, fine.setSpan(0, hourMs))

	coarse.advance(hourMs)
	fine.advance(hourMs)

	// H1 刚收盘、m15 无增量：合成 Bar 缺省而非全零
	_, ok := SynthesizeBar(coarse, fine)
	assert.False(t, ok)
}
