package sqlite

import (
	"context"
	"testing"

	"marketresearch/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60_000)

func testBars(start int64, n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		px := 1.1 + float64(i)*0.001
		bars[i] = market.Bar{
			OpenTime: start + int64(i)*minuteMs,
			Open:     px, High: px + 0.002, Low: px - 0.002, Close: px + 0.001, Volume: 100,
		}
	}
	return bars
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bars := testBars(0, 10)
	n, err := s.InsertBars(ctx, "eurusd", "m1", bars)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	times, err := s.Timestamps("eurusd", "m1")
	require.NoError(t, err)
	require.Len(t, times, 10)
	assert.Equal(t, int64(0), times[0])
	assert.Equal(t, 9*minuteMs, times[9])

	closes, err := s.Retrieve("eurusd", "m1", market.FieldClose)
	require.NoError(t, err)
	require.Len(t, closes, 10)
	assert.InDelta(t, bars[3].Close, closes[3], 1e-12)

	_, err = s.Retrieve("eurusd", "m1", "bogus")
	assert.Error(t, err)
}

func TestStoreUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertBars(ctx, "EURUSD", "m1", testBars(0, 5))
	require.NoError(t, err)
	redo := testBars(0, 5)
	redo[2].Close = 9.99
	_, err = s.InsertBars(ctx, "EURUSD", "m1", redo)
	require.NoError(t, err)

	closes, err := s.Retrieve("EURUSD", "m1", market.FieldClose)
	require.NoError(t, err)
	require.Len(t, closes, 5)
	assert.InDelta(t, 9.99, closes[2], 1e-12)
}

func TestStoreManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.InsertBars(ctx, "EURUSD", "H1", testBars(0, 3))
	require.NoError(t, err)

	m, err := s.Manifest(ctx, "EURUSD", "H1")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", m.Instrument)
	assert.Equal(t, "H1", m.Period)
	assert.Equal(t, int64(3), m.Rows)
	assert.Equal(t, int64(0), m.MinTime)
	assert.Equal(t, 2*minuteMs, m.MaxTime)
}

func TestStoreMinuteAndMonthDoNotCollide(t *testing.T) {
	p1, _ := market.ParsePeriod("m1")
	p2, _ := market.ParsePeriod("M1")
	s := newTestStore(t)
	assert.NotEqual(t, s.dbPath("EURUSD", p1), s.dbPath("EURUSD", p2))
}

func TestCheckIntegrityReportsGaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bars := testBars(0, 10)
	// 挖掉第 4、5 根
	bars = append(bars[:4], bars[6:]...)
	_, err := s.InsertBars(ctx, "EURUSD", "m1", bars)
	require.NoError(t, err)

	report, err := s.CheckIntegrity(ctx, "EURUSD", "m1", 0, 9*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Expected)
	assert.Equal(t, int64(8), report.Present)
	assert.False(t, report.Complete())
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, 4*minuteMs, report.Gaps[0].Start)
	assert.Equal(t, 5*minuteMs, report.Gaps[0].End)
}

func TestCheckIntegrityComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.InsertBars(ctx, "EURUSD", "m1", testBars(0, 10))
	require.NoError(t, err)

	report, err := s.CheckIntegrity(ctx, "EURUSD", "m1", 0, 9*minuteMs)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Empty(t, report.Gaps)
}
