package backtest

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录一次回测的参数快照，便于复现。
type RunConfig struct {
	Instrument        string          `json:"instrument"`
	Periods           []string        `json:"periods"`
	StartTS           int64           `json:"start_ts"`
	EndTS             int64           `json:"end_ts"`
	TrainRatio        float64         `json:"train_ratio"`
	NumValidationSets int             `json:"num_validation_sets"`
	Strategy          string          `json:"strategy"`
	Params            json.RawMessage `json:"params,omitempty"`
	ReportEvery       time.Duration   `json:"report_every,omitempty"`
}

// SpanStats 汇总单个区间的订单结局，R 口径（盈亏按初始风险折算）。
type SpanStats struct {
	Span         string  `json:"span"`
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Expired      int     `json:"expired"`
	Rejected     int     `json:"rejected"`
	Ticks        int     `json:"ticks"`
	WinRate      float64 `json:"win_rate"`
	TotalR       float64 `json:"total_r"`
	Expectancy   float64 `json:"expectancy"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdownR float64 `json:"max_drawdown_r"`
}

// RunStats 是全部区间的汇总。
type RunStats struct {
	Spans      []SpanStats `json:"spans"`
	Trades     int         `json:"trades"`
	Wins       int         `json:"wins"`
	TotalR     float64     `json:"total_r"`
	WinRate    float64     `json:"win_rate"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Run 表示一次回测任务。
type Run struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Strategy   string    `json:"strategy"`
	Status     string    `json:"status"`
	StartTS    int64     `json:"start_ts"`
	EndTS      int64     `json:"end_ts"`
	Message    string    `json:"message"`
	Config     RunConfig `json:"config"`
	Stats      RunStats  `json:"stats"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunRequest 为 HTTP 提交使用。Start/End 为 0 时使用数据的全部有效范围。
type RunRequest struct {
	Instrument        string          `json:"instrument" binding:"required"`
	Periods           []string        `json:"periods"`
	StartTS           int64           `json:"start_ts"`
	EndTS             int64           `json:"end_ts"`
	TrainRatio        float64         `json:"train_ratio"`
	NumValidationSets int             `json:"num_validation_sets"`
	Strategy          string          `json:"strategy"`
	Params            json.RawMessage `json:"params"`
}

// SummarizeSpan 用 decimal 累加单区间结局，避免长序列浮点累积误差。
func SummarizeSpan(res ClockResult) SpanStats {
	stats := SpanStats{
		Span:     res.Span.Name,
		Trades:   len(res.Completed),
		Expired:  len(res.Expired),
		Rejected: res.Rejected,
		Ticks:    res.Ticks,
	}
	totalR := decimal.Zero
	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	equity := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, t := range res.Completed {
		r := decimal.NewFromFloat(t.R)
		totalR = totalR.Add(r)
		if t.Win {
			stats.Wins++
			grossWin = grossWin.Add(r)
		} else {
			stats.Losses++
			grossLoss = grossLoss.Sub(r)
		}
		equity = equity.Add(r)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	stats.TotalR, _ = totalR.Float64()
	stats.MaxDrawdownR, _ = maxDD.Float64()
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
		expectancy, _ := totalR.Div(decimal.NewFromInt(int64(stats.Trades))).Float64()
		stats.Expectancy = expectancy
	}
	if grossLoss.IsPositive() {
		pf, _ := grossWin.Div(grossLoss).Float64()
		stats.ProfitFactor = pf
	}
	return stats
}

// SummarizeRun 合并各区间统计。
func SummarizeRun(spans []SpanStats) RunStats {
	out := RunStats{Spans: spans, FinishedAt: time.Now()}
	totalR := decimal.Zero
	for _, s := range spans {
		out.Trades += s.Trades
		out.Wins += s.Wins
		totalR = totalR.Add(decimal.NewFromFloat(s.TotalR))
	}
	out.TotalR, _ = totalR.Float64()
	if out.Trades > 0 {
		out.WinRate = float64(out.Wins) / float64(out.Trades)
	}
	return out
}
