package strategy

import (
	"encoding/json"
	"testing"
	"time"

	"marketresearch/internal/backtest"
	"marketresearch/internal/dataview"
	"marketresearch/internal/market"

	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60_000)

func newCrossView(t *testing.T, closes []float64) *dataview.MultiPeriodView {
	t.Helper()
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			OpenTime: int64(i) * minuteMs,
			Open:     c,
			High:     c + 0.5,
			Low:      c - 0.5,
			Close:    c,
			Volume:   10,
		}
	}
	src := dataview.NewMemorySource()
	src.Add("BTCUSDT", "m1", bars)
	view, err := dataview.NewMultiPeriodView(src, "BTCUSDT", []string{"m1"})
	require.NoError(t, err)
	require.NoError(t, view.SetSpan(0, int64(len(closes))*minuteMs))
	require.NoError(t, view.Advance(int64(len(closes))*minuteMs))
	return view
}

func newStrategy(t *testing.T, params string) backtest.Strategy {
	t.Helper()
	factory, err := NewSMACrossFactory()
	require.NoError(t, err)
	st, err := factory.NewStrategy(backtest.StrategySpec{
		RunID:      "run-1",
		Instrument: "BTCUSDT",
		Name:       NameSMACross,
		Params:     json.RawMessage(params),
	})
	require.NoError(t, err)
	return st
}

func TestSMACrossGoldenCrossPlacesLong(t *testing.T) {
	st := newStrategy(t, `{"fast":2,"slow":3,"stop_pct":0.01,"target_pct":0.02,"timeout_bars":4}`)
	view := newCrossView(t, []float64{5, 4, 3, 2, 10})

	orders, err := st.OnBar(backtest.TickContext{View: view, Clock: view.Clock()})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	spec := orders[0]
	require.Equal(t, backtest.SideLong, spec.Side())
	require.InDelta(t, 10.0, spec.Entry, 1e-9)
	require.Less(t, spec.Stop, spec.Entry)
	require.Greater(t, spec.Target, spec.Entry)
	require.NoError(t, spec.Validate())
}

func TestSMACrossDeathCrossPlacesShort(t *testing.T) {
	st := newStrategy(t, `{"fast":2,"slow":3}`)
	view := newCrossView(t, []float64{2, 3, 4, 5, 1})

	orders, err := st.OnBar(backtest.TickContext{View: view, Clock: view.Clock()})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, backtest.SideShort, orders[0].Side())
}

func TestSMACrossNoSignalWithoutCross(t *testing.T) {
	st := newStrategy(t, `{"fast":2,"slow":3}`)
	view := newCrossView(t, []float64{1, 2, 3, 4, 5})

	orders, err := st.OnBar(backtest.TickContext{View: view, Clock: view.Clock()})
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestSMACrossHoldsWhileOrderOpen(t *testing.T) {
	st := newStrategy(t, `{"fast":2,"slow":3}`)
	view := newCrossView(t, []float64{5, 4, 3, 2, 10})

	open, err := backtest.NewTrade(backtest.OrderSpec{
		Entry: 10, Stop: 9, Target: 12, Volume: 1, Timeout: 4 * time.Minute,
	}, 0)
	require.NoError(t, err)

	orders, err := st.OnBar(backtest.TickContext{View: view, Active: []*backtest.Trade{open}})
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestSMACrossRejectsBadParams(t *testing.T) {
	factory, err := NewSMACrossFactory()
	require.NoError(t, err)

	cases := []string{
		`{"fast":"x"}`,
		`{"fast":10,"slow":5}`,
		`{"stop_pct":-1}`,
		`{"unknown":1}`,
		`{"period":"z9"}`,
	}
	for _, params := range cases {
		_, err := factory.NewStrategy(backtest.StrategySpec{Params: json.RawMessage(params)})
		require.Error(t, err, "params=%s", params)
	}
}

func TestRegistryNames(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.Contains(t, reg.Names(), NameSMACross)
	require.Error(t, reg.Register(NameSMACross, reg.Factories()[NameSMACross]))
}
