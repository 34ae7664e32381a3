package dataview

import (
	"fmt"
	"sort"

	"marketresearch/internal/market"
)

// BarSource 是引擎对外部存储的唯一取数契约：按 (品种, 周期, 字段) 返回
// 整列数值。实现方负责时间升序、无重复时间戳；引擎侧在装载时复核。
type BarSource interface {
	// Timestamps 返回该周期全部 Bar 的开盘时刻（Unix 毫秒，严格递增）。
	Timestamps(instrument, period string) ([]int64, error)
	// Retrieve 返回指定字段整列数值，field 取 market.Field* 常量。
	Retrieve(instrument, period, field string) ([]float64, error)
}

// LoadBars 经 BarSource 拉出某周期全部 Bar 并做完整性复核
// （列长一致、时间严格递增）。违例属于致命数据错误。
func LoadBars(src BarSource, instrument string, p market.Period) ([]market.Bar, error) {
	times, err := src.Timestamps(instrument, p.Name)
	if err != nil {
		return nil, fmt.Errorf("%s@%s 读取 timestamp 失败: %w", instrument, p.Name, err)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("%s@%s 无数据", instrument, p.Name)
	}
	cols := make(map[string][]float64, 5)
	for _, field := range market.Fields() {
		vals, err := src.Retrieve(instrument, p.Name, field)
		if err != nil {
			return nil, fmt.Errorf("%s@%s 读取 %s 失败: %w", instrument, p.Name, field, err)
		}
		if len(vals) != len(times) {
			return nil, fmt.Errorf("%s@%s 字段 %s 长度 %d 与 timestamp 长度 %d 不一致",
				instrument, p.Name, field, len(vals), len(times))
		}
		cols[field] = vals
	}
	bars := make([]market.Bar, len(times))
	for i, ts := range times {
		if i > 0 && ts <= times[i-1] {
			return nil, fmt.Errorf("%s@%s 时间戳非严格递增: index %d (%d <= %d)",
				instrument, p.Name, i, ts, times[i-1])
		}
		bars[i] = market.Bar{
			OpenTime: ts,
			Open:     cols[market.FieldOpen][i],
			High:     cols[market.FieldHigh][i],
			Low:      cols[market.FieldLow][i],
			Close:    cols[market.FieldClose][i],
			Volume:   cols[market.FieldVolume][i],
		}
	}
	return bars, nil
}

// MemorySource 把内存中的 Bar 切片暴露为 BarSource，测试与小数据场景用。
type MemorySource struct {
	data map[string]map[string][]market.Bar
}

func NewMemorySource() *MemorySource {
	return &MemorySource{data: make(map[string]map[string][]market.Bar)}
}

// Add 挂载一段序列（按 OpenTime 排序后存放，重复挂载覆盖）。
func (m *MemorySource) Add(instrument, period string, bars []market.Bar) {
	byPeriod, ok := m.data[instrument]
	if !ok {
		byPeriod = make(map[string][]market.Bar)
		m.data[instrument] = byPeriod
	}
	cp := append([]market.Bar(nil), bars...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].OpenTime < cp[j].OpenTime })
	byPeriod[period] = cp
}

func (m *MemorySource) bars(instrument, period string) ([]market.Bar, error) {
	byPeriod, ok := m.data[instrument]
	if !ok {
		return nil, fmt.Errorf("品种 %s 不存在", instrument)
	}
	bars, ok := byPeriod[period]
	if !ok {
		return nil, fmt.Errorf("%s 缺少周期 %s", instrument, period)
	}
	return bars, nil
}

func (m *MemorySource) Timestamps(instrument, period string) ([]int64, error) {
	bars, err := m.bars(instrument, period)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(bars))
	for i, b := range bars {
		out[i] = b.OpenTime
	}
	return out, nil
}

func (m *MemorySource) Retrieve(instrument, period, field string) ([]float64, error) {
	bars, err := m.bars(instrument, period)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(bars))
	for i, b := range bars {
		switch field {
		case market.FieldOpen:
			out[i] = b.Open
		case market.FieldHigh:
			out[i] = b.High
		case market.FieldLow:
			out[i] = b.Low
		case market.FieldClose:
			out[i] = b.Close
		case market.FieldVolume:
			out[i] = b.Volume
		default:
			return nil, fmt.Errorf("未知字段 %s", field)
		}
	}
	return out, nil
}
