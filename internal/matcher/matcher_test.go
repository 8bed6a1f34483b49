package matcher

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webull-pnl-monitor-go/internal/parser"
)

var baseTime = time.Date(2025, 4, 25, 9, 30, 0, 0, time.Local)

func exec(side string, qty int64, price string, at time.Duration) parser.Execution {
	return parser.Execution{
		Instrument: "AAPL",
		Side:       side,
		Quantity:   qty,
		Price:      decimal.RequireFromString(price),
		Timestamp:  baseTime.Add(at),
		SourceRef:  fmt.Sprintf("%s-%d-%s", side, qty, at),
	}
}

func ledgerOf(execs ...parser.Execution) map[string][]parser.Execution {
	return map[string][]parser.Execution{"AAPL": execs}
}

func TestMatchSimpleRoundTrip(t *testing.T) {
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "10.00", 0),
		exec(parser.SideSell, 100, "10.50", time.Minute),
	), NewFIFO())

	require.Len(t, res.Closed, 1)
	trade := res.Closed[0]
	assert.Equal(t, parser.SideBuy, trade.OpenSide)
	assert.Equal(t, int64(100), trade.Quantity)
	assert.True(t, trade.RealizedPnL.Equal(decimal.RequireFromString("50.00")),
		"got pnl %s", trade.RealizedPnL)
	assert.Empty(t, res.Open)
	assert.Empty(t, res.Notes)
}

func TestMatchPartialClosesFIFO(t *testing.T) {
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "10.00", 0),
		exec(parser.SideSell, 50, "10.50", time.Minute),
		exec(parser.SideSell, 50, "11.00", 2*time.Minute),
	), NewFIFO())

	require.Len(t, res.Closed, 2)
	assert.True(t, res.Closed[0].RealizedPnL.Equal(decimal.RequireFromString("25.00")),
		"got %s", res.Closed[0].RealizedPnL)
	assert.True(t, res.Closed[1].RealizedPnL.Equal(decimal.RequireFromString("50.00")),
		"got %s", res.Closed[1].RealizedPnL)
	assert.Empty(t, res.Open)
}

func TestMatchLoneBuyStaysOpen(t *testing.T) {
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "5.00", 0),
	), NewFIFO())

	assert.Empty(t, res.Closed)
	require.Contains(t, res.Open, "AAPL")
	pos := res.Open["AAPL"]
	assert.Equal(t, parser.SideBuy, pos.Side)
	assert.Equal(t, int64(100), pos.Quantity)
	assert.True(t, pos.Basis.Equal(decimal.RequireFromString("5.00")))
}

func TestMatchFIFOOrderAcrossLots(t *testing.T) {
	// Two buys at different prices; one sell closes the oldest first.
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "10.00", 0),
		exec(parser.SideBuy, 100, "12.00", time.Minute),
		exec(parser.SideSell, 150, "11.00", 2*time.Minute),
	), NewFIFO())

	require.Len(t, res.Closed, 2)
	assert.True(t, res.Closed[0].EntryPrice.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, int64(100), res.Closed[0].Quantity)
	assert.True(t, res.Closed[0].RealizedPnL.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, res.Closed[1].EntryPrice.Equal(decimal.RequireFromString("12.00")))
	assert.Equal(t, int64(50), res.Closed[1].Quantity)
	assert.True(t, res.Closed[1].RealizedPnL.Equal(decimal.RequireFromString("-50.00")))

	pos := res.Open["AAPL"]
	assert.Equal(t, int64(50), pos.Quantity)
	assert.Equal(t, parser.SideBuy, pos.Side)
	assert.True(t, pos.Basis.Equal(decimal.RequireFromString("12.00")))
}

func TestMatchShortRoundTrip(t *testing.T) {
	res := Match(ledgerOf(
		exec(parser.SideSell, 100, "20.00", 0),
		exec(parser.SideBuy, 100, "19.00", time.Minute),
	), NewFIFO())

	require.Len(t, res.Closed, 1)
	trade := res.Closed[0]
	assert.Equal(t, parser.SideSell, trade.OpenSide)
	// Short profits when price falls.
	assert.True(t, trade.RealizedPnL.Equal(decimal.RequireFromString("100.00")),
		"got %s", trade.RealizedPnL)
	assert.Empty(t, res.Open)
}

func TestMatchFlipLongToShort(t *testing.T) {
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "10.00", 0),
		exec(parser.SideSell, 150, "11.00", time.Minute),
	), NewFIFO())

	require.Len(t, res.Closed, 1)
	assert.Equal(t, int64(100), res.Closed[0].Quantity)
	assert.True(t, res.Closed[0].RealizedPnL.Equal(decimal.RequireFromString("100.00")))

	// Leftover 50 opens a short at the sell price.
	pos := res.Open["AAPL"]
	assert.Equal(t, parser.SideSell, pos.Side)
	assert.Equal(t, int64(50), pos.Quantity)
	assert.True(t, pos.Basis.Equal(decimal.RequireFromString("11.00")))
}

func TestMatchCommissionProRated(t *testing.T) {
	buy := exec(parser.SideBuy, 100, "10.00", 0)
	buy.Commission = decimal.RequireFromString("1.00")
	sell1 := exec(parser.SideSell, 50, "10.50", time.Minute)
	sell1.Commission = decimal.RequireFromString("0.50")
	sell2 := exec(parser.SideSell, 50, "10.50", 2*time.Minute)
	sell2.Commission = decimal.RequireFromString("0.50")

	res := Match(ledgerOf(buy, sell1, sell2), NewFIFO())
	require.Len(t, res.Closed, 2)

	// Each half carries half the entry commission plus its own exit fee:
	// 50*0.50 gross - 0.50 entry - 0.50 exit = 24.00.
	for _, trade := range res.Closed {
		assert.True(t, trade.EntryCommission.Equal(decimal.RequireFromString("0.50")),
			"entry comm %s", trade.EntryCommission)
		assert.True(t, trade.ExitCommission.Equal(decimal.RequireFromString("0.50")),
			"exit comm %s", trade.ExitCommission)
		assert.True(t, trade.RealizedPnL.Equal(decimal.RequireFromString("24.00")),
			"pnl %s", trade.RealizedPnL)
	}
}

func TestMatchNonPositiveQuantitySkipped(t *testing.T) {
	windowed, err := NewTimeWindowed(1)
	require.NoError(t, err)

	// The zero-quantity record must degrade to a note under both
	// policies; under the windowed one it lands in its own bucket and
	// would otherwise zero the VWAP divisor.
	for _, policy := range []Policy{NewFIFO(), windowed} {
		t.Run(policy.String(), func(t *testing.T) {
			res := Match(ledgerOf(
				exec(parser.SideBuy, 0, "10.00", 0),
				exec(parser.SideBuy, 100, "10.00", time.Minute),
				exec(parser.SideSell, 100, "10.50", 2*time.Minute),
			), policy)

			require.Len(t, res.Closed, 1)
			assert.True(t, res.Closed[0].RealizedPnL.Equal(decimal.RequireFromString("50.00")))
			require.Len(t, res.Notes, 1)
			assert.Equal(t, "AAPL", res.Notes[0].Instrument)
			assert.Contains(t, res.Notes[0].Detail, "non-positive quantity")
		})
	}
}

func TestMatchWindowedLoneZeroQuantity(t *testing.T) {
	policy, err := NewTimeWindowed(1)
	require.NoError(t, err)

	res := Match(ledgerOf(exec(parser.SideSell, 0, "10.00", 0)), policy)
	assert.Empty(t, res.Closed)
	assert.Empty(t, res.Open)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0].Detail, "non-positive quantity")
}

func TestMatchMultipleInstrumentsIndependent(t *testing.T) {
	ledgers := map[string][]parser.Execution{
		"AAPL": {
			exec(parser.SideBuy, 100, "10.00", 0),
			exec(parser.SideSell, 100, "10.50", time.Minute),
		},
		"TSLA": {
			{Instrument: "TSLA", Side: parser.SideBuy, Quantity: 10,
				Price: decimal.RequireFromString("200.00"), Timestamp: baseTime, SourceRef: "t1"},
		},
	}

	res := Match(ledgers, NewFIFO())
	require.Len(t, res.Closed, 1)
	assert.Equal(t, "AAPL", res.Closed[0].Instrument)
	require.Contains(t, res.Open, "TSLA")
	assert.NotContains(t, res.Open, "AAPL")
}

func TestMatchClosedSortedByExitTime(t *testing.T) {
	ledgers := map[string][]parser.Execution{
		"AAPL": {
			exec(parser.SideBuy, 10, "10.00", 0),
			exec(parser.SideSell, 10, "10.10", 5*time.Minute),
		},
		"TSLA": {
			{Instrument: "TSLA", Side: parser.SideBuy, Quantity: 10,
				Price: decimal.RequireFromString("200.00"), Timestamp: baseTime.Add(time.Minute), SourceRef: "t1"},
			{Instrument: "TSLA", Side: parser.SideSell, Quantity: 10,
				Price: decimal.RequireFromString("201.00"), Timestamp: baseTime.Add(2 * time.Minute), SourceRef: "t2"},
		},
	}

	res := Match(ledgers, NewFIFO())
	require.Len(t, res.Closed, 2)
	assert.Equal(t, "TSLA", res.Closed[0].Instrument)
	assert.Equal(t, "AAPL", res.Closed[1].Instrument)
}

func TestTimeWindowedAggregation(t *testing.T) {
	policy, err := NewTimeWindowed(1)
	require.NoError(t, err)

	// Three buys inside one minute collapse into a single VWAP entry:
	// (50*10.00 + 30*10.10 + 20*10.20) / 100 = 10.07.
	res := Match(ledgerOf(
		exec(parser.SideBuy, 50, "10.00", 0),
		exec(parser.SideBuy, 30, "10.10", 10*time.Second),
		exec(parser.SideBuy, 20, "10.20", 40*time.Second),
		exec(parser.SideSell, 100, "10.50", 2*time.Minute),
	), policy)

	require.Len(t, res.Closed, 1)
	trade := res.Closed[0]
	assert.Equal(t, int64(100), trade.Quantity)
	assert.True(t, trade.EntryPrice.Equal(decimal.RequireFromString("10.07")),
		"entry %s", trade.EntryPrice)
	assert.True(t, trade.RealizedPnL.Equal(decimal.RequireFromString("43.00")),
		"pnl %s", trade.RealizedPnL)
}

func TestTimeWindowedKeepsBuySellOrderInsideBucket(t *testing.T) {
	policy, err := NewTimeWindowed(5)
	require.NoError(t, err)

	// Buy then sell inside the same 5-minute bucket. The synthetic
	// records keep their earliest fill times so the sell still closes
	// the buy instead of opening a short.
	res := Match(ledgerOf(
		exec(parser.SideBuy, 100, "10.00", 30*time.Second),
		exec(parser.SideSell, 100, "10.40", 90*time.Second),
	), policy)

	require.Len(t, res.Closed, 1)
	assert.Equal(t, parser.SideBuy, res.Closed[0].OpenSide)
	assert.True(t, res.Closed[0].RealizedPnL.Equal(decimal.RequireFromString("40.00")))
	assert.Empty(t, res.Open)
}

// For a day that ends flat, total realized P&L is invariant under the
// pricing policy: aggregation moves P&L between trades, never creates
// or destroys it.
func TestPolicyEquivalenceOnFlatDay(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, bucketMinutes := range []int{1, 5, 15, 60} {
		t.Run(fmt.Sprintf("bucket_%dm", bucketMinutes), func(t *testing.T) {
			var execs []parser.Execution
			var net int64
			for i := 0; i < 60; i++ {
				side := parser.SideBuy
				if rng.Intn(2) == 1 {
					side = parser.SideSell
				}
				qty := int64(rng.Intn(90) + 10)
				price := fmt.Sprintf("%d.%02d", 95+rng.Intn(10), rng.Intn(100))
				execs = append(execs, exec(side, qty, price, time.Duration(i*37)*time.Second))
				if side == parser.SideBuy {
					net += qty
				} else {
					net -= qty
				}
			}
			// Force the day flat with one balancing execution.
			if net > 0 {
				execs = append(execs, exec(parser.SideSell, net, "100.00", time.Hour))
			} else if net < 0 {
				execs = append(execs, exec(parser.SideBuy, -net, "100.00", time.Hour))
			}

			fifoRes := Match(ledgerOf(execs...), NewFIFO())
			policy, err := NewTimeWindowed(bucketMinutes)
			require.NoError(t, err)
			windowRes := Match(ledgerOf(execs...), policy)

			assert.Empty(t, fifoRes.Open)
			assert.Empty(t, windowRes.Open)

			// VWAP prices round at 8 decimals, so allow the rounding
			// residue to accumulate across a few thousand shares.
			fifoTotal, _ := totalPnL(fifoRes).Float64()
			windowTotal, _ := totalPnL(windowRes).Float64()
			assert.InDelta(t, fifoTotal, windowTotal, 1e-4)
		})
	}
}

func totalPnL(res Result) decimal.Decimal {
	total := decimal.Zero
	for _, trade := range res.Closed {
		total = total.Add(trade.RealizedPnL)
	}
	return total
}

func TestNewTimeWindowedRejectsBadBuckets(t *testing.T) {
	for _, minutes := range []int{0, -5, 2, 7, 45, 120} {
		_, err := NewTimeWindowed(minutes)
		assert.Error(t, err, "bucket %d", minutes)
	}
	for _, minutes := range []int{1, 5, 10, 15, 30, 60} {
		policy, err := NewTimeWindowed(minutes)
		require.NoError(t, err)
		assert.Equal(t, TimeWindowed, policy.Kind)
		assert.Equal(t, time.Duration(minutes)*time.Minute, policy.Bucket)
	}
}
