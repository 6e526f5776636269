package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() (*time.Time, func() time.Time) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return &now, func() time.Time { return now }
}

func TestAggregatorRateAndETA(t *testing.T) {
	now, clock := fixedClock()
	a := NewAggregatorWithNow(clock)
	a.AddTotal(2000)

	*now = now.Add(1 * time.Second)
	a.Observe("u1", 1000, 2000, 2000)

	stats := a.Snapshot()
	assert.Equal(t, int64(1000), stats.BytesDone)
	assert.InDelta(t, 1000, stats.RateBps, 100)
	assert.InDelta(t, float64(time.Second), float64(stats.ETA), float64(100*time.Millisecond))
	assert.InDelta(t, 50, stats.Percent, 0.001)
}

func TestAggregatorEWMASmoothing(t *testing.T) {
	now, clock := fixedClock()
	a := NewAggregatorWithNow(clock)
	a.AddTotal(10000)

	*now = now.Add(1 * time.Second)
	a.Observe("u1", 1000, 10000, 10000)

	*now = now.Add(1 * time.Second)
	a.Observe("u1", 4000, 10000, 10000)

	assert.InDelta(t, 1400, a.Snapshot().RateBps, 100)
}

func TestAggregatorNoRateNoETA(t *testing.T) {
	_, clock := fixedClock()
	a := NewAggregatorWithNow(clock)
	a.AddTotal(1000)

	stats := a.Snapshot()
	assert.Zero(t, stats.RateBps)
	assert.Zero(t, stats.ETA)
}

func TestObserveReplacesPreviousSample(t *testing.T) {
	a := NewAggregator()
	a.AddTotal(100)

	assert.InDelta(t, 30, a.Observe("u1", 30, 100, 100), 0.001)
	assert.InDelta(t, 60, a.Observe("u1", 60, 100, 100), 0.001)
	assert.Equal(t, int64(60), a.Loaded())
}

func TestObserveCompletionUsesRealSize(t *testing.T) {
	a := NewAggregator()
	a.AddTotal(100)

	// Transport totals include framing overhead.
	a.Observe("u1", 40, 130, 100)
	assert.Equal(t, int64(40), a.Loaded())

	pct := a.Observe("u1", 130, 130, 100)
	assert.Equal(t, 100.0, pct)
	assert.Equal(t, int64(100), a.Loaded())
	assert.Equal(t, 100.0, a.Percent())
}

func TestConcurrentUnitsKeepSeparateBaselines(t *testing.T) {
	a := NewAggregator()
	a.AddTotal(200)

	a.Observe("a", 50, 100, 100)
	a.Observe("b", 20, 100, 100)
	a.Observe("a", 70, 100, 100)
	a.Observe("b", 90, 100, 100)

	assert.Equal(t, int64(160), a.Loaded())
	assert.Equal(t, int64(70), a.Credit("a"))
}

func TestRollbackAndSettle(t *testing.T) {
	a := NewAggregator()
	a.AddTotal(300)
	a.Observe("a", 80, 100, 100)
	a.Observe("b", 10, 200, 200)

	assert.Equal(t, int64(80), a.Rollback("a"))
	assert.Equal(t, int64(10), a.Loaded())
	assert.Zero(t, a.Rollback("a"))

	a.Settle("b", 200)
	assert.Equal(t, int64(200), a.Loaded())

	a.Settle("a", 100)
	assert.Equal(t, 100.0, a.Percent())
}

func TestPercentIsClamped(t *testing.T) {
	a := NewAggregator()
	assert.Zero(t, a.Percent())

	a.AddTotal(10)
	a.Settle("x", 50)
	assert.Equal(t, 100.0, a.Percent())

	a.SubTotal(100)
	assert.Zero(t, a.Total())
	assert.Zero(t, a.Percent())
}

func TestReset(t *testing.T) {
	a := NewAggregator()
	a.AddTotal(10)
	a.Observe("x", 5, 10, 10)
	a.Reset()

	require.Zero(t, a.Total())
	assert.Zero(t, a.Loaded())
	assert.Zero(t, a.Credit("x"))
}

func TestLineFormatting(t *testing.T) {
	line := Line(Stats{BytesDone: 512 * 1024, Total: 1024 * 1024, Percent: 50, RateBps: 2 * 1024 * 1024, ETA: 90 * time.Second}, 10)
	assert.Contains(t, line, "[█████░░░░░]")
	assert.Contains(t, line, "512 KiB / 1.0 MiB")
	assert.Contains(t, line, "2.0 MB/s")
	assert.Contains(t, line, "00:01:30")
	assert.Equal(t, "--:--:--", FormatETA(0))
}
