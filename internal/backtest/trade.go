package backtest

import (
	"fmt"
	"math"
	"time"

	"marketresearch/internal/market"

	"github.com/google/uuid"
)

const (
	TradeStatusPlaced    = "placed"
	TradeStatusActive    = "active"
	TradeStatusCompleted = "completed"
	TradeStatusExpired   = "expired"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// OrderSpec 是策略给出的下单意图：入场、止损、止盈、数量与挂单有效期。
// 方向不单独指定，由 entry 与 stop 的相对位置推导。
type OrderSpec struct {
	Entry   float64       `json:"entry"`
	Stop    float64       `json:"stop"`
	Target  float64       `json:"target"`
	Volume  float64       `json:"volume"`
	Timeout time.Duration `json:"timeout"`
}

// Side 返回推导方向：entry 高于 stop 为多单，低于为空单。
func (o OrderSpec) Side() string {
	if o.Entry > o.Stop {
		return SideLong
	}
	return SideShort
}

// Validate 做构造期校验。entry == stop 使风险距离为零，outcome 无法折算
// 成 R，必须在此拒绝而不是等到结算时除零。
func (o OrderSpec) Validate() error {
	if o.Entry <= 0 || o.Stop <= 0 || o.Target <= 0 {
		return fmt.Errorf("entry/stop/target 必须为正: entry=%v stop=%v target=%v", o.Entry, o.Stop, o.Target)
	}
	if o.Volume <= 0 {
		return fmt.Errorf("volume 必须为正: %v", o.Volume)
	}
	if o.Entry == o.Stop {
		return fmt.Errorf("entry 与 stop 不能相等（风险距离为零）: %v", o.Entry)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout 必须为正: %v", o.Timeout)
	}
	switch o.Side() {
	case SideLong:
		if o.Target <= o.Entry {
			return fmt.Errorf("多单 target 必须高于 entry: target=%v entry=%v", o.Target, o.Entry)
		}
	case SideShort:
		if o.Target >= o.Entry {
			return fmt.Errorf("空单 target 必须低于 entry: target=%v entry=%v", o.Target, o.Entry)
		}
	}
	return nil
}

// Trade 是单笔模拟订单的状态机：placed → active → completed，
// 或 placed → expired（仅挂单可超时，已成交仓位暴露在市场中，不再超时）。
// 进入终态后不可再变。
type Trade struct {
	ID       string    `json:"id"`
	Spec     OrderSpec `json:"spec"`
	Side     string    `json:"side"`
	Status   string    `json:"status"`
	PlacedAt int64     `json:"placed_at"`
	Deadline int64     `json:"deadline"`

	EntryFill float64 `json:"entry_fill,omitempty"`
	EntryTime int64   `json:"entry_time,omitempty"`
	ExitFill  float64 `json:"exit_fill,omitempty"`
	ExitTime  int64   `json:"exit_time,omitempty"`

	Win    bool    `json:"win"`
	Amount float64 `json:"amount"`
	R      float64 `json:"r"`
}

// NewTrade 创建挂单。placedAt 是下单时刻（Unix 毫秒），有效期从此刻起算。
func NewTrade(spec OrderSpec, placedAt int64) (*Trade, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Trade{
		ID:       uuid.NewString(),
		Spec:     spec,
		Side:     spec.Side(),
		Status:   TradeStatusPlaced,
		PlacedAt: placedAt,
		Deadline: placedAt + spec.Timeout.Milliseconds(),
	}, nil
}

// Terminal 判断订单是否已到终态。
func (t *Trade) Terminal() bool {
	return t.Status == TradeStatusCompleted || t.Status == TradeStatusExpired
}

// Update 用一根最细周期 Bar 推进状态机，closeTime 为该 Bar 的收盘时刻。
// 求值次序固定：
//  1. 终态订单直接忽略（同一根 Bar 重复喂入不改变结果）；
//  2. 挂单先判超时：closeTime 已到 deadline 的直接过期，本根 Bar 不再
//     参与入场判定；
//  3. 挂单入场：仅对下单之后的 Bar 生效，多单 high 触及 entry、
//     空单 low 触及 entry 即按 entry 价成交；
//  4. 持仓出场：刚入场的同一根 Bar 也立即参与判定。
func (t *Trade) Update(bar market.Bar, closeTime int64) {
	if t.Terminal() {
		return
	}
	if t.Status == TradeStatusPlaced {
		if closeTime >= t.Deadline {
			t.Status = TradeStatusExpired
			return
		}
		if closeTime <= t.PlacedAt {
			return
		}
		filled := false
		if t.Side == SideLong {
			filled = bar.High >= t.Spec.Entry
		} else {
			filled = bar.Low <= t.Spec.Entry
		}
		if !filled {
			return
		}
		t.Status = TradeStatusActive
		t.EntryFill = t.Spec.Entry
		t.EntryTime = closeTime
	}
	if t.Status == TradeStatusActive {
		t.evaluateExit(bar, closeTime)
	}
}

// evaluateExit 按保守的四步优先级判定出场，命中即止：
//  1. 开盘价已越过 stop → 止损；
//  2. 极值触及 stop → 止损；
//  3. 开盘价已越过 target → 止盈；
//  4. 极值触及 target → 止盈。
// 同一根 Bar 同时可触 stop 与 target 时总是止损优先，绝不假设行情
// 先走了对自己有利的一侧。
func (t *Trade) evaluateExit(bar market.Bar, closeTime int64) {
	var exit float64
	var win, done bool
	if t.Side == SideLong {
		switch {
		case bar.Open <= t.Spec.Stop:
			exit, win, done = t.Spec.Stop, false, true
		case bar.Low <= t.Spec.Stop:
			exit, win, done = t.Spec.Stop, false, true
		case bar.Open >= t.Spec.Target:
			exit, win, done = t.Spec.Target, true, true
		case bar.High >= t.Spec.Target:
			exit, win, done = t.Spec.Target, true, true
		}
	} else {
		switch {
		case bar.Open >= t.Spec.Stop:
			exit, win, done = t.Spec.Stop, false, true
		case bar.High >= t.Spec.Stop:
			exit, win, done = t.Spec.Stop, false, true
		case bar.Open <= t.Spec.Target:
			exit, win, done = t.Spec.Target, true, true
		case bar.Low <= t.Spec.Target:
			exit, win, done = t.Spec.Target, true, true
		}
	}
	if !done {
		return
	}
	t.Status = TradeStatusCompleted
	t.ExitFill = exit
	t.ExitTime = closeTime
	t.Win = win
	risk := math.Abs(t.Spec.Entry - t.Spec.Stop)
	if win {
		t.Amount = math.Abs(t.Spec.Target - t.Spec.Entry)
	} else {
		t.Amount = -risk
	}
	t.R = t.Amount / risk
}
