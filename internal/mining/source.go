package mining

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketresearch/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxBinanceLimit = 1500

// FetchRequest 描述一次远端 K 线请求。
type FetchRequest struct {
	Instrument string
	Period     market.Period
	Start      int64 // Unix ms
	End        int64 // Unix ms（可选；0 表示不限制）
	Limit      int
}

// RemoteSource 统一不同交易所/数据源的拉取行为。
type RemoteSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Bar, error)
	Name() string
}

// BinanceSource 基于 go-binance SDK 拉取 USDT 合约 K 线。
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource 构造数据源；base 为空时使用 SDK 默认地址。
func NewBinanceSource(base string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if base = strings.TrimSpace(base); base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Bar, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument 不能为空")
	}
	interval, err := BinanceInterval(req.Period)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > maxBinanceLimit {
		limit = 1000
	}
	svc := b.client.NewKlinesService().
		Symbol(strings.ToUpper(req.Instrument)).
		Interval(interval).
		Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Bar, 0, len(kls))
	now := time.Now().UnixMilli()
	step := req.Period.DurationMillis()
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		// 丢弃尚未收盘的最后一根，回放只能建立在已收盘数据上。
		if kl.OpenTime+step > now {
			continue
		}
		out = append(out, market.Bar{
			OpenTime: kl.OpenTime,
			Open:     parseFloat(kl.Open),
			High:     parseFloat(kl.High),
			Low:      parseFloat(kl.Low),
			Close:    parseFloat(kl.Close),
			Volume:   parseFloat(kl.Volume),
		})
	}
	return out, nil
}

// BinanceInterval 把本地周期名转换成 Binance 的 interval 别名，
// 例如 m15 -> "15m"、H4 -> "4h"、D1 -> "1d"、M1 -> "1M"。
func BinanceInterval(p market.Period) (string, error) {
	switch p.Unit {
	case 'm':
		return fmt.Sprintf("%dm", p.Multiple), nil
	case 'H':
		return fmt.Sprintf("%dh", p.Multiple), nil
	case 'D':
		return fmt.Sprintf("%dd", p.Multiple), nil
	case 'W':
		return fmt.Sprintf("%dw", p.Multiple), nil
	case 'M':
		return fmt.Sprintf("%dM", p.Multiple), nil
	default:
		return "", fmt.Errorf("周期 %s 无法映射到 binance interval", p.Name)
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
