package sqlite

import (
	"context"

	"marketresearch/internal/market"
)

// GapRange 是一段缺失的开盘时刻区间（闭区间，按周期网格对齐）。
type GapRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// IntegrityReport 对照周期网格统计区间内缺口。
type IntegrityReport struct {
	Instrument string     `json:"instrument"`
	Period     string     `json:"period"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
	Expected   int64      `json:"expected"`
	Present    int64      `json:"present"`
	Gaps       []GapRange `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool {
	return r.Expected > 0 && r.Present >= r.Expected
}

// CheckIntegrity 对照周期网格逐格核对 [start, end] 内的开盘时刻，
// 把连续缺失合并成 GapRange。休市造成的缺口同样会被报告，如何处置
// 由调用方决定（安装器按缺口补拉，引擎按配置容忍）。
func (s *Store) CheckIntegrity(ctx context.Context, instrument, period string, start, end int64) (IntegrityReport, error) {
	p, err := market.ParsePeriod(period)
	if err != nil {
		return IntegrityReport{}, err
	}
	start, end = p.AlignRange(start, end)
	report := IntegrityReport{
		Instrument: instrument,
		Period:     p.Name,
		Start:      start,
		End:        end,
		Expected:   p.ExpectedBars(start, end),
	}
	times, err := s.LoadOpenTimes(ctx, instrument, period, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.Present = int64(len(times))

	present := make(map[int64]struct{}, len(times))
	for _, ts := range times {
		present[ts] = struct{}{}
	}
	step := p.DurationMillis()
	var gap *GapRange
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; ok {
			if gap != nil {
				report.Gaps = append(report.Gaps, *gap)
				gap = nil
			}
			continue
		}
		if gap == nil {
			gap = &GapRange{Start: ts, End: ts}
		} else {
			gap.End = ts
		}
	}
	if gap != nil {
		report.Gaps = append(report.Gaps, *gap)
	}
	return report, nil
}
