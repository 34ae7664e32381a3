package backtest

import "fmt"

const SpanTrain = "train"

// Span 是一段用于训练或验证回放的连续时间区间 [Start, Stop)，Unix 毫秒。
type Span struct {
	Name  string `json:"name"`
	Start int64  `json:"start"`
	Stop  int64  `json:"stop"`
}

// Duration 返回区间时长（毫秒）。
func (s Span) Duration() int64 { return s.Stop - s.Start }

// Partition 按墙钟比例把 [start, stop) 切成一个训练区间加 numVal 个
// 等长、连续、不重叠的验证区间（val0…valN-1），并集恢复整个输入区间。
// 按时长切分而不是按行数，粗细周期看到的边界因此一致。
func Partition(start, stop int64, trainRatio float64, numVal int) ([]Span, error) {
	if stop <= start {
		return nil, fmt.Errorf("区间非法: start=%d stop=%d", start, stop)
	}
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, fmt.Errorf("train_ratio 必须落在 (0, 1): %v", trainRatio)
	}
	if numVal < 1 {
		return nil, fmt.Errorf("num_validation_sets 至少为 1: %d", numVal)
	}
	endTrain := start + int64(float64(stop-start)*trainRatio+0.5)
	if endTrain <= start || endTrain >= stop {
		return nil, fmt.Errorf("train_ratio %v 切出的训练区间退化: end_train=%d", trainRatio, endTrain)
	}
	dt := (stop - endTrain) / int64(numVal)
	if dt <= 0 {
		return nil, fmt.Errorf("验证区间过窄: 剩余 %d ms 分 %d 份", stop-endTrain, numVal)
	}
	spans := make([]Span, 0, numVal+1)
	spans = append(spans, Span{Name: SpanTrain, Start: start, Stop: endTrain})
	for n := 0; n < numVal; n++ {
		s := Span{
			Name:  fmt.Sprintf("val%d", n),
			Start: endTrain + int64(n)*dt,
			Stop:  endTrain + int64(n+1)*dt,
		}
		// 整除余数并进最后一段，保证并集覆盖到 stop
		if n == numVal-1 {
			s.Stop = stop
		}
		spans = append(spans, s)
	}
	return spans, nil
}
