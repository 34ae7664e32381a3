package market

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Period 描述一个采样粒度：单位字母 + 倍数，如 m5、H4、D1、W1、M1。
// 同一品种的各周期按时长全序排列，比较一律走 Minutes()，不比名字。
type Period struct {
	Name     string
	Unit     byte
	Multiple int
}

// 单位 → 分钟数。月按 28 天折算。
var unitMinutes = map[byte]int64{
	'M': 28 * 24 * 60,
	'W': 7 * 24 * 60,
	'D': 24 * 60,
	'H': 60,
	'm': 1,
}

// ParsePeriod 解析周期名并校验语法：首字母必须是 M/W/D/H/m，倍数 1~99。
func ParsePeriod(name string) (Period, error) {
	if len(name) < 2 || len(name) > 3 {
		return Period{}, fmt.Errorf("周期名 %q 长度需为 2~3", name)
	}
	unit := name[0]
	if _, ok := unitMinutes[unit]; !ok {
		return Period{}, fmt.Errorf("周期名 %q 首字母需为 M/W/D/H/m", name)
	}
	mult, err := strconv.Atoi(name[1:])
	if err != nil || mult <= 0 || mult >= 100 {
		return Period{}, fmt.Errorf("周期名 %q 倍数需在 1~99", name)
	}
	return Period{Name: name, Unit: unit, Multiple: mult}, nil
}

// Minutes 返回周期总分钟数，全序比较的唯一依据。
func (p Period) Minutes() int64 {
	return unitMinutes[p.Unit] * int64(p.Multiple)
}

func (p Period) Duration() time.Duration {
	return time.Duration(p.Minutes()) * time.Minute
}

func (p Period) DurationMillis() int64 {
	return p.Minutes() * 60_000
}

// Less 判断 p 是否细于 q（时长更短）。
func (p Period) Less(q Period) bool {
	return p.Minutes() < q.Minutes()
}

func (p Period) String() string { return p.Name }

// SortPeriods 按时长升序排序（最细在前），原地修改。
func SortPeriods(ps []Period) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 将毫秒区间对齐到周期网格，保证 start<=end。
func (p Period) AlignRange(start, end int64) (int64, int64) {
	step := p.DurationMillis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars 计算 start~end（含）区间按网格应有的 Bar 数，用于缺口检查。
func (p Period) ExpectedBars(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := p.DurationMillis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
