package dataview

import (
	"fmt"

	"marketresearch/internal/market"
)

// PeriodCursor 维护单个周期上 [windowStart, windowEnd) 的已收盘窗口。
// windowEnd 随仿真时钟单调前移，任何时刻都不会暴露收盘时刻晚于时钟的 Bar。
// 全量列在构造时一次性装载，之后推进只是索引运算。
type PeriodCursor struct {
	period market.Period
	bars   []market.Bar
	cols   periodColumns

	windowStart int
	windowEnd   int
}

// periodColumns 是装载时一次性展开的列视图，窗口切片直接共享底层数组，
// 推进过程中零拷贝。
type periodColumns struct {
	times  []int64
	open   []float64
	high   []float64
	low    []float64
	close  []float64
	volume []float64
}

func newPeriodCursor(src BarSource, instrument string, p market.Period) (*PeriodCursor, error) {
	bars, err := LoadBars(src, instrument, p)
	if err != nil {
		return nil, err
	}
	cols := periodColumns{
		times:  make([]int64, len(bars)),
		open:   make([]float64, len(bars)),
		high:   make([]float64, len(bars)),
		low:    make([]float64, len(bars)),
		close:  make([]float64, len(bars)),
		volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		cols.times[i] = b.OpenTime
		cols.open[i] = b.Open
		cols.high[i] = b.High
		cols.low[i] = b.Low
		cols.close[i] = b.Close
		cols.volume[i] = b.Volume
	}
	return &PeriodCursor{period: p, bars: bars, cols: cols}, nil
}

// Period 返回该游标所属周期。
func (c *PeriodCursor) Period() market.Period { return c.period }

// AvailableRange 返回数据可覆盖的时刻区间 [首根开盘, 末根收盘]。
func (c *PeriodCursor) AvailableRange() (int64, int64) {
	first := c.bars[0].OpenTime
	last := c.bars[len(c.bars)-1].CloseTime(c.period)
	return first, last
}

// setSpan 约束回放区间并复位窗口。区间越出数据范围属致命错误：
// 引擎必须拒绝启动，而不是悄悄截断。
func (c *PeriodCursor) setSpan(start, stop int64) error {
	dur := c.period.DurationMillis()
	n := len(c.bars)
	lastClose := c.bars[n-1].OpenTime + dur
	if lastClose <= start {
		return fmt.Errorf("周期 %s 数据在回放起点 %d 之前就已结束（末根收盘 %d）",
			c.period.Name, start, lastClose)
	}
	if lastClose < stop {
		return fmt.Errorf("周期 %s 数据未覆盖回放终点 %d（末根收盘 %d）",
			c.period.Name, stop, lastClose)
	}
	if c.bars[0].OpenTime >= stop {
		return fmt.Errorf("周期 %s 数据在回放终点 %d 之后才开始（首根开盘 %d）",
			c.period.Name, stop, c.bars[0].OpenTime)
	}
	idx := 0
	for idx < n && c.bars[idx].OpenTime < start {
		idx++
	}
	c.windowStart = idx
	c.windowEnd = idx
	return nil
}

// advance 把 windowEnd 推到「收盘时刻 <= clock 的最后一根之后」。
// 只前进不后退，时钟倒退时窗口保持不动。
func (c *PeriodCursor) advance(clock int64) {
	dur := c.period.DurationMillis()
	for c.windowEnd < len(c.bars) && c.bars[c.windowEnd].OpenTime+dur <= clock {
		c.windowEnd++
	}
}

// Window 返回当前已收盘窗口的索引界。
func (c *PeriodCursor) Window() (int, int) { return c.windowStart, c.windowEnd }

// ClosedBars 返回窗口内已收盘 Bar（共享底层数组，调用方只读）。
func (c *PeriodCursor) ClosedBars() []market.Bar {
	return c.bars[c.windowStart:c.windowEnd]
}

// lastClosedEnd 返回最后一根已收盘 Bar 的收盘时刻；窗口为空时 ok=false。
func (c *PeriodCursor) lastClosedEnd() (int64, bool) {
	if c.windowEnd == c.windowStart {
		return 0, false
	}
	b := c.bars[c.windowEnd-1]
	return b.OpenTime + c.period.DurationMillis(), true
}

// tailFrom 返回窗口内开盘时刻 >= boundary 的尾段已收盘 Bar，
// 供粗周期合成时截取细周期增量。
func (c *PeriodCursor) tailFrom(boundary int64) []market.Bar {
	i := c.windowStart
	for i < c.windowEnd && c.bars[i].OpenTime < boundary {
		i++
	}
	return c.bars[i:c.windowEnd]
}

// windowOpenTime 返回窗口基准时刻：有已收盘 Bar 时为窗口首根开盘，
// 否则为回放起点对应的首根待收 Bar 开盘。
func (c *PeriodCursor) windowOpenTime() (int64, bool) {
	if c.windowStart >= len(c.bars) {
		return 0, false
	}
	return c.bars[c.windowStart].OpenTime, true
}
