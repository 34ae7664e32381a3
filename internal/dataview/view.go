package dataview

import (
	"fmt"

	"marketresearch/internal/logger"
	"marketresearch/internal/market"
)

// Series 是某个周期在当前时钟下对外暴露的序列：已收盘各列 + 可选的在途 Bar。
// 切片与底层数组共享，调用方只读。
type Series struct {
	Period  market.Period
	Times   []int64
	Open    []float64
	High    []float64
	Low     []float64
	Close   []float64
	Volume  []float64
	Forming *market.Bar
}

// Len 返回已收盘 Bar 数（不含在途）。
func (s Series) Len() int { return len(s.Times) }

// ClosesWithForming 返回收盘价序列，末尾附带在途 Bar 的最新价（若存在）。
// 策略侧最常用的取数口径。
func (s Series) ClosesWithForming() []float64 {
	if s.Forming == nil {
		return s.Close
	}
	out := make([]float64, 0, len(s.Close)+1)
	out = append(out, s.Close...)
	return append(out, s.Forming.Close)
}

// MultiPeriodView 为单一品种持有各注册周期的游标，随仿真时钟保持相互一致。
// 游标以索引编址、由视图独占持有，周期侧不回指视图（竞技场式所有权，
// 避免父子互持指针）。
type MultiPeriodView struct {
	src        BarSource
	instrument string

	cursors []*PeriodCursor
	index   map[string]int
	finest  int

	availStart int64
	availStop  int64

	spanStart int64
	spanStop  int64
	spanSet   bool
	clock     int64
}

// NewMultiPeriodView 构造视图并注册初始周期集；至少需要一个周期。
func NewMultiPeriodView(src BarSource, instrument string, periods []string) (*MultiPeriodView, error) {
	if src == nil {
		return nil, fmt.Errorf("bar source 不能为空")
	}
	if instrument == "" {
		return nil, fmt.Errorf("instrument 不能为空")
	}
	if len(periods) == 0 {
		return nil, fmt.Errorf("至少注册一个周期")
	}
	v := &MultiPeriodView{
		src:        src,
		instrument: instrument,
		index:      make(map[string]int),
		finest:     -1,
	}
	for _, name := range periods {
		if err := v.Register(name); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register 挂载一个周期。重复注册是配置错误；数据推进后再注册会做
// 惰性回填（按当前 span 与 clock 重算窗口），且只会收窄有效范围。
func (v *MultiPeriodView) Register(name string) error {
	p, err := market.ParsePeriod(name)
	if err != nil {
		return err
	}
	if _, dup := v.index[p.Name]; dup {
		return fmt.Errorf("周期 %s 重复注册（%s）", p.Name, v.instrument)
	}
	cursor, err := newPeriodCursor(v.src, v.instrument, p)
	if err != nil {
		return err
	}
	v.narrowAvailable(cursor)
	v.cursors = append(v.cursors, cursor)
	v.index[p.Name] = len(v.cursors) - 1
	if v.finest < 0 || p.Less(v.cursors[v.finest].period) {
		v.finest = len(v.cursors) - 1
	}
	if v.spanSet {
		// 惰性回填：先对齐 span，再追平当前时钟。
		if err := cursor.setSpan(v.spanStart, v.spanStop); err != nil {
			return err
		}
		cursor.advance(v.clock)
	}
	return nil
}

// narrowAvailable 用新周期的数据范围收窄有效范围；范围只收窄、不放宽。
func (v *MultiPeriodView) narrowAvailable(c *PeriodCursor) {
	first, last := c.AvailableRange()
	if len(v.cursors) == 0 {
		v.availStart, v.availStop = first, last
		return
	}
	narrowed := false
	if first > v.availStart {
		v.availStart = first
		narrowed = true
	}
	if last < v.availStop {
		v.availStop = last
		narrowed = true
	}
	if narrowed {
		logger.Warnf("[dataview] %s 注册周期 %s 后有效范围收窄为 [%d, %d]",
			v.instrument, c.period.Name, v.availStart, v.availStop)
	}
}

// SetSpan 设定回放区间，校验每个周期都能覆盖，校验失败拒绝启动。
// 这是视图唯一的「区间变更命令」，取代按属性名广播的动态更新。
func (v *MultiPeriodView) SetSpan(start, stop int64) error {
	if stop <= start {
		return fmt.Errorf("回放区间非法: start=%d stop=%d", start, stop)
	}
	if start < v.availStart || stop > v.availStop {
		return fmt.Errorf("%s 回放区间 [%d, %d) 越出有效范围 [%d, %d]",
			v.instrument, start, stop, v.availStart, v.availStop)
	}
	for _, c := range v.cursors {
		if err := c.setSpan(start, stop); err != nil {
			return fmt.Errorf("%s: %w", v.instrument, err)
		}
	}
	v.spanStart, v.spanStop = start, stop
	v.spanSet = true
	v.clock = start
	return nil
}

// Advance 把全部游标推进到新时钟。时钟必须落在有效范围内；
// 数据断档导致的越界是致命错误而非静默截断。
func (v *MultiPeriodView) Advance(clock int64) error {
	if !v.spanSet {
		return fmt.Errorf("%s 尚未设定回放区间", v.instrument)
	}
	if clock < v.availStart || clock > v.availStop {
		return fmt.Errorf("%s 时钟 %d 越出有效范围 [%d, %d]",
			v.instrument, clock, v.availStart, v.availStop)
	}
	if clock < v.clock {
		return fmt.Errorf("%s 时钟不可回退: %d < %d", v.instrument, clock, v.clock)
	}
	for _, c := range v.cursors {
		c.advance(clock)
	}
	v.clock = clock
	return nil
}

// Series 返回某周期当前可见序列：已收盘列 + 非最细周期的在途合成 Bar。
func (v *MultiPeriodView) Series(period string) (Series, error) {
	idx, ok := v.index[period]
	if !ok {
		return Series{}, fmt.Errorf("%s 未注册周期 %s", v.instrument, period)
	}
	c := v.cursors[idx]
	lo, hi := c.windowStart, c.windowEnd
	s := Series{
		Period: c.period,
		Times:  c.cols.times[lo:hi],
		Open:   c.cols.open[lo:hi],
		High:   c.cols.high[lo:hi],
		Low:    c.cols.low[lo:hi],
		Close:  c.cols.close[lo:hi],
		Volume: c.cols.volume[lo:hi],
	}
	if idx != v.finest {
		if forming, ok := SynthesizeBar(c, v.cursors[v.finest]); ok {
			s.Forming = &forming
		}
	}
	return s, nil
}

// Periods 按时长升序返回已注册周期。
func (v *MultiPeriodView) Periods() []market.Period {
	out := make([]market.Period, 0, len(v.cursors))
	for _, c := range v.cursors {
		out = append(out, c.period)
	}
	market.SortPeriods(out)
	return out
}

// FinestPeriod 返回最细周期。
func (v *MultiPeriodView) FinestPeriod() market.Period {
	return v.cursors[v.finest].period
}

// AvailableRange 返回全部周期数据范围的交集。
func (v *MultiPeriodView) AvailableRange() (int64, int64) {
	return v.availStart, v.availStop
}

// Clock 返回当前仿真时钟。
func (v *MultiPeriodView) Clock() int64 { return v.clock }

// Instrument 返回品种名。
func (v *MultiPeriodView) Instrument() string { return v.instrument }
