package backtest

import (
	"encoding/json"

	"marketresearch/internal/dataview"
)

// TickContext 是每个时钟步交给策略的只读快照：当前多周期视图与
// 本 run 的三类订单列表。策略不得修改其中任何内容。
type TickContext struct {
	RunID      string
	Span       string
	Instrument string
	Clock      int64 // 当前仿真时刻（本步的 Bar 尚未收盘）

	View      *dataview.MultiPeriodView
	Placed    []*Trade
	Active    []*Trade
	Completed []*Trade
}

// Strategy 在每个时钟步被调用一次，返回零或多个下单意图。
// 返回 error 视作本步的策略故障：该步不下单，回放继续。
type Strategy interface {
	OnBar(tick TickContext) ([]OrderSpec, error)
	Close() error
}

// StrategyFactory 按 run 级别创建策略实例（可携带参数与内部状态）。
type StrategyFactory interface {
	NewStrategy(spec StrategySpec) (Strategy, error)
}

// StrategySpec 表示一次 run 的策略上下文。
type StrategySpec struct {
	RunID      string
	Instrument string
	SpanName   string
	Name       string
	Params     json.RawMessage
}
