package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketresearch/internal/backtest"
	"marketresearch/internal/market"

	talib "github.com/markcheno/go-talib"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// NameSMACross 为内置均线交叉策略名。
const NameSMACross = "sma_cross"

// 参数约束：快线必须短于慢线，止损/止盈为相对价格的比例。
const smaCrossSchema = `{
  "type": "object",
  "properties": {
    "period":       {"type": "string", "minLength": 2},
    "fast":         {"type": "integer", "minimum": 2},
    "slow":         {"type": "integer", "minimum": 3},
    "stop_pct":     {"type": "number", "exclusiveMinimum": 0, "maximum": 0.5},
    "target_pct":   {"type": "number", "exclusiveMinimum": 0, "maximum": 2},
    "timeout_bars": {"type": "integer", "minimum": 1},
    "volume":       {"type": "number", "exclusiveMinimum": 0}
  },
  "additionalProperties": false
}`

type smaCrossParams struct {
	Period      string
	Fast        int
	Slow        int
	StopPct     float64
	TargetPct   float64
	TimeoutBars int
	Volume      float64
}

func defaultSMACrossParams() smaCrossParams {
	return smaCrossParams{
		Fast:        10,
		Slow:        30,
		StopPct:     0.01,
		TargetPct:   0.02,
		TimeoutBars: 12,
		Volume:      1,
	}
}

// SMACrossFactory 按 run 构造均线交叉策略。
type SMACrossFactory struct {
	schema *jsonschema.Schema
}

func NewSMACrossFactory() (*SMACrossFactory, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sma_cross.json", strings.NewReader(smaCrossSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("sma_cross.json")
	if err != nil {
		return nil, err
	}
	return &SMACrossFactory{schema: schema}, nil
}

func (f *SMACrossFactory) NewStrategy(spec backtest.StrategySpec) (backtest.Strategy, error) {
	params := defaultSMACrossParams()
	if len(spec.Params) > 0 {
		var doc any
		if err := json.Unmarshal(spec.Params, &doc); err != nil {
			return nil, fmt.Errorf("策略参数不是合法 JSON: %w", err)
		}
		if err := f.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("策略参数校验失败: %w", err)
		}
		applySMACrossParams(&params, spec.Params)
	}
	if params.Fast >= params.Slow {
		return nil, fmt.Errorf("fast(%d) 必须小于 slow(%d)", params.Fast, params.Slow)
	}
	var signalPeriod market.Period
	if params.Period != "" {
		p, err := market.ParsePeriod(params.Period)
		if err != nil {
			return nil, err
		}
		signalPeriod = p
	}
	return &smaCross{params: params, signalPeriod: signalPeriod}, nil
}

func applySMACrossParams(dst *smaCrossParams, raw json.RawMessage) {
	if v := gjson.GetBytes(raw, "period"); v.Exists() {
		dst.Period = v.String()
	}
	if v := gjson.GetBytes(raw, "fast"); v.Exists() {
		dst.Fast = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "slow"); v.Exists() {
		dst.Slow = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "stop_pct"); v.Exists() {
		dst.StopPct = v.Float()
	}
	if v := gjson.GetBytes(raw, "target_pct"); v.Exists() {
		dst.TargetPct = v.Float()
	}
	if v := gjson.GetBytes(raw, "timeout_bars"); v.Exists() {
		dst.TimeoutBars = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "volume"); v.Exists() {
		dst.Volume = v.Float()
	}
}

// smaCross 在快慢 SMA 金叉做多、死叉做空，同一时刻最多持有一笔订单。
type smaCross struct {
	params       smaCrossParams
	signalPeriod market.Period
}

func (s *smaCross) OnBar(tick backtest.TickContext) ([]backtest.OrderSpec, error) {
	if len(tick.Placed)+len(tick.Active) > 0 {
		return nil, nil
	}
	period := s.signalPeriod
	if period.Name == "" {
		period = tick.View.FinestPeriod()
	}
	series, err := tick.View.Series(period.Name)
	if err != nil {
		return nil, err
	}
	closes := series.ClosesWithForming()
	if len(closes) < s.params.Slow+1 {
		return nil, nil
	}
	fast := talib.Sma(closes, s.params.Fast)
	slow := talib.Sma(closes, s.params.Slow)
	last := len(closes) - 1
	crossedUp := fast[last-1] <= slow[last-1] && fast[last] > slow[last]
	crossedDown := fast[last-1] >= slow[last-1] && fast[last] < slow[last]
	if !crossedUp && !crossedDown {
		return nil, nil
	}

	px := closes[last]
	timeout := time.Duration(s.params.TimeoutBars) * period.Duration()
	order := backtest.OrderSpec{
		Entry:   px,
		Volume:  s.params.Volume,
		Timeout: timeout,
	}
	if crossedUp {
		order.Stop = px * (1 - s.params.StopPct)
		order.Target = px * (1 + s.params.TargetPct)
	} else {
		order.Stop = px * (1 + s.params.StopPct)
		order.Target = px * (1 - s.params.TargetPct)
	}
	return []backtest.OrderSpec{order}, nil
}

func (s *smaCross) Close() error { return nil }
