// Package report 把一次回测的成交序列渲染成可直接在浏览器打开的
// echarts 页面，按数据段分图展示累计 R 曲线与单笔盈亏。
package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorWin           = "#34d399"
	colorLoss          = "#f87171"
	colorEquity        = "#3b82f6"

	chartWidthPx  = 1200
	chartHeightPx = 420
)

// TradePoint 是单笔已平仓交易在图上的坐标。
type TradePoint struct {
	ExitTime int64   // Unix ms
	R        float64 // 以风险为单位的盈亏
}

// SpanSeries 是一个数据段的成交序列，按平仓时间升序。
type SpanSeries struct {
	Name   string
	Trades []TradePoint
}

// RunReport 汇总一次回测用于渲染的数据。
type RunReport struct {
	RunID      string
	Instrument string
	Strategy   string
	Spans      []SpanSeries
}

// Render 生成完整 HTML 页面写入 w。
func Render(rep RunReport, w io.Writer) error {
	if len(rep.Spans) == 0 {
		return fmt.Errorf("没有可渲染的数据段")
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("%s %s 回测报告", strings.ToUpper(rep.Instrument), rep.RunID)

	for _, span := range rep.Spans {
		page.AddCharts(buildEquityChart(rep, span))
	}
	return page.Render(w)
}

func buildEquityChart(rep RunReport, span SpanSeries) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s · %s · %s", strings.ToUpper(rep.Instrument), rep.Strategy, span.Name),
			Subtitle:      spanSubtitle(span),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)

	xAxis := make([]string, len(span.Trades))
	bars := make([]opts.BarData, len(span.Trades))
	equity := make([]opts.LineData, len(span.Trades))
	var cum float64
	for i, tr := range span.Trades {
		xAxis[i] = time.UnixMilli(tr.ExitTime).UTC().Format("01-02 15:04")
		color := colorLoss
		if tr.R >= 0 {
			color = colorWin
		}
		bars[i] = opts.BarData{
			Value:     round(tr.R, 4),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.6)},
		}
		cum += tr.R
		equity[i] = opts.LineData{Value: round(cum, 4)}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("单笔 R", bars)

	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("累计 R", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	bar.Overlap(line)
	return bar
}

func spanSubtitle(span SpanSeries) string {
	var total float64
	wins := 0
	for _, tr := range span.Trades {
		total += tr.R
		if tr.R > 0 {
			wins++
		}
	}
	if len(span.Trades) == 0 {
		return "无成交"
	}
	return fmt.Sprintf("成交 %d | 胜 %d | 累计 %.2fR", len(span.Trades), wins, total)
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
