package dataview

import "marketresearch/internal/market"

// SynthesizeBar 用最细周期的已收盘增量合成粗周期的「在途」Bar：
// 取最细周期中开盘时刻不早于粗周期最后一次收盘的那段，按
// open=首根 open、high=max、low=min、close=末根 close、volume=求和聚合。
//
// 两种情况返回 ok=false，调用方须视作「仍停留在上一根已收盘 Bar」，
// 绝不能当成全零 Bar 使用：
//   - 待合成周期就是最细周期（其收盘窗口已是最新状态）；
//   - 自粗周期收盘以来最细周期尚无新收盘 Bar。
func SynthesizeBar(coarse, finest *PeriodCursor) (market.Bar, bool) {
	if coarse.period.Name == finest.period.Name {
		return market.Bar{}, false
	}
	boundary, ok := coarse.lastClosedEnd()
	if !ok {
		// 粗周期在本区间还没收过盘：从其首根待收 Bar 的开盘算起。
		boundary, ok = coarse.windowOpenTime()
		if !ok {
			return market.Bar{}, false
		}
	}
	segment := finest.tailFrom(boundary)
	if len(segment) == 0 {
		return market.Bar{}, false
	}
	out := market.Bar{
		OpenTime: segment[0].OpenTime,
		Open:     segment[0].Open,
		High:     segment[0].High,
		Low:      segment[0].Low,
		Close:    segment[len(segment)-1].Close,
	}
	for _, b := range segment {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
	}
	return out, true
}
