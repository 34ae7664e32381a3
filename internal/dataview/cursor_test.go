package dataview

import (
	"testing"

	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60_000)

// genBars 生成从 start 起、间隔 stepMin 分钟的 n 根测试 Bar。
func genBars(start int64, stepMin int64, n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		px := 100 + float64(i)
		bars[i] = market.Bar{
			OpenTime: start + int64(i)*stepMin*minuteMs,
			Open:     px,
			High:     px + 1,
			Low:      px - 1,
			Close:    px + 0.5,
			Volume:   10,
		}
	}
	return bars
}

func newTestCursor(t *testing.T, period string, bars []market.Bar) *PeriodCursor {
	t.Helper()
	src := NewMemorySource()
	src.Add("EURUSD", period, bars)
	p, err := market.ParsePeriod(period)
	require.NoError(t, err)
	c, err := newPeriodCursor(src, "EURUSD", p)
	require.NoError(t, err)
	return c
}

func TestCursorAdvanceNoLookAhead(t *testing.T) {
	bars := genBars(0, 1, 60) // m1 x 60
	c := newTestCursor(t, "m1", bars)
	require.NoError(t, c.setSpan(0, 60*minuteMs))

	// 时钟在第 1 根收盘前：窗口为空
	c.advance(30_000)
	_, end := c.Window()
	assert.Equal(t, 0, end)

	// 恰好收盘时刻：该根可见
	c.advance(1 * minuteMs)
	start, end := c.Window()
	assert.Equal(t, 0, start)
	assert.Equal(t, 1, end)

	// 任意时刻 t：可见 Bar 的收盘时刻都 <= t
	c.advance(17*minuteMs + 1)
	_, end = c.Window()
	assert.Equal(t, 17, end)
	for _, b := range c.ClosedBars() {
		assert.LessOrEqual(t, b.OpenTime+minuteMs, int64(17*minuteMs+1))
	}
}

func TestCursorAdvanceMonotonic(t *testing.T) {
	bars := genBars(0, 1, 30)
	c := newTestCursor(t, "m1", bars)
	require.NoError(t, c.setSpan(0, 30*minuteMs))

	c.advance(10 * minuteMs)
	_, end := c.Window()
	assert.Equal(t, 10, end)

	// 时钟倒退时窗口不动
	c.advance(5 * minuteMs)
	_, end = c.Window()
	assert.Equal(t, 10, end)
}

func TestCursorSetSpanBoundaryErrors(t *testing.T) {
	bars := genBars(0, 1, 10) // 覆盖 [0, 10min)
	c := newTestCursor(t, "m1", bars)

	// 数据在起点之前结束
	err := c.setSpan(20*minuteMs, 30*minuteMs)
	assert.Error(t, err)

	// 数据未覆盖终点
	err = c.setSpan(0, 60*minuteMs)
	assert.Error(t, err)

	// 合法区间
	err = c.setSpan(0, 10*minuteMs)
	assert.NoError(t, err)
}

func TestCursorSpanWindowStart(t *testing.T) {
	bars := genBars(0, 1, 60)
	c := newTestCursor(t, "m1", bars)
	require.NoError(t, c.setSpan(20*minuteMs, 50*minuteMs))

	c.advance(25 * minuteMs)
	start, end := c.Window()
	assert.Equal(t, 20, start)
	assert.Equal(t, 25, end)
	closed := c.ClosedBars()
	require.Len(t, closed, 5)
	assert.Equal(t, 20*minuteMs, closed[0].OpenTime)
}

func TestLoadBarsRejectsNonMonotonic(t *testing.T) {
	src := NewMemorySource()
	bars := genBars(0, 1, 5)
	bars[3].OpenTime = bars[2].OpenTime // 人为制造重复时间戳
	// MemorySource 会排序，这里绕过 Add 的排序直接注入
	src.data["EURUSD"] = map[string][]market.Bar{"m1": bars}
	p, _ := market.ParsePeriod("m1")
	_, err := LoadBars(src, "EURUSD", p)
	assert.Error(t, err)
}
