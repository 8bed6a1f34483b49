// Package metrics derives performance statistics from the closed-trade
// sequence. Compute is a pure function: the snapshot is recomputed in
// full each cycle, never patched in place.
package metrics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"webull-pnl-monitor-go/internal/matcher"
)

// Snapshot is the derived end-of-cycle statistics. Ratio fields report
// zero rather than NaN when undefined (fewer than 2 trades, zero
// dispersion, no losses).
type Snapshot struct {
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	TradeCount int             `json:"trade_count"`
	WinCount   int             `json:"win_count"`
	LossCount  int             `json:"loss_count"`
	ProfitRate float64         `json:"profit_rate"` // wins / trades, 0..1

	AvgWin       decimal.Decimal `json:"avg_win"`
	AvgLoss      decimal.Decimal `json:"avg_loss"` // negative or zero
	LargestWin   decimal.Decimal `json:"largest_win"`
	LargestLoss  decimal.Decimal `json:"largest_loss"`
	ProfitFactor    float64         `json:"profit_factor"`     // gross wins / gross losses
	ProfitLossRatio float64         `json:"profit_loss_ratio"` // avg win / |avg loss|
	Expectancy      decimal.Decimal `json:"expectancy"`        // expected P&L per trade

	// Sharpe and Sortino use per-trade percentage returns (realized
	// P&L over entry cost), risk-free rate zero.
	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	PnLStdDev    float64 `json:"pnl_std_dev"`

	// Drawdown over the cumulative realized P&L curve ordered by exit
	// time. Peak resets only on new highs.
	EquityCurve    []decimal.Decimal `json:"equity_curve"`
	MaxDrawdown    decimal.Decimal   `json:"max_drawdown"`
	MaxDrawdownPct float64           `json:"max_drawdown_pct"`

	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
	MaxWinStreak       int     `json:"max_win_streak"`
	MaxLossStreak      int     `json:"max_loss_streak"`
}

// Compute derives a snapshot from the closed trades of one session.
// The input is copied and sorted by exit time; the caller's slice is
// never mutated.
func Compute(closed []matcher.ClosedTrade) Snapshot {
	snap := Snapshot{
		TotalPnL:    decimal.Zero,
		AvgWin:      decimal.Zero,
		AvgLoss:     decimal.Zero,
		LargestWin:  decimal.Zero,
		LargestLoss: decimal.Zero,
		Expectancy:  decimal.Zero,
		MaxDrawdown: decimal.Zero,
	}
	if len(closed) == 0 {
		return snap
	}

	trades := make([]matcher.ClosedTrade, len(closed))
	copy(trades, closed)
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExitTime.Before(trades[j].ExitTime)
	})

	snap.TradeCount = len(trades)
	grossWin, grossLoss := decimal.Zero, decimal.Zero
	var returns []float64
	var durationSum float64

	for _, t := range trades {
		snap.TotalPnL = snap.TotalPnL.Add(t.RealizedPnL)
		durationSum += t.ExitTime.Sub(t.EntryTime).Minutes()

		switch {
		case t.RealizedPnL.IsPositive():
			snap.WinCount++
			grossWin = grossWin.Add(t.RealizedPnL)
			if t.RealizedPnL.GreaterThan(snap.LargestWin) {
				snap.LargestWin = t.RealizedPnL
			}
		case t.RealizedPnL.IsNegative():
			snap.LossCount++
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
			if t.RealizedPnL.LessThan(snap.LargestLoss) {
				snap.LargestLoss = t.RealizedPnL
			}
		}

		cost := t.EntryPrice.Mul(decimal.NewFromInt(t.Quantity))
		if cost.IsPositive() {
			r, _ := t.RealizedPnL.DivRound(cost, 12).Float64()
			returns = append(returns, r)
		}
	}

	snap.ProfitRate = float64(snap.WinCount) / float64(snap.TradeCount)
	snap.AvgDurationMinutes = durationSum / float64(snap.TradeCount)
	if snap.WinCount > 0 {
		snap.AvgWin = grossWin.DivRound(decimal.NewFromInt(int64(snap.WinCount)), 8)
	}
	if snap.LossCount > 0 {
		snap.AvgLoss = grossLoss.Neg().DivRound(decimal.NewFromInt(int64(snap.LossCount)), 8)
	}
	if grossLoss.IsPositive() {
		w, _ := grossWin.Float64()
		l, _ := grossLoss.Float64()
		snap.ProfitFactor = w / l
	}
	if snap.WinCount > 0 && snap.AvgLoss.IsNegative() {
		w, _ := snap.AvgWin.Float64()
		l, _ := snap.AvgLoss.Abs().Float64()
		snap.ProfitLossRatio = w / l
	}
	snap.Expectancy = snap.TotalPnL.DivRound(decimal.NewFromInt(int64(snap.TradeCount)), 8)

	snap.SharpeRatio, snap.SortinoRatio = riskRatios(returns)
	snap.PnLStdDev = pnlStdDev(trades)
	snap.EquityCurve, snap.MaxDrawdown, snap.MaxDrawdownPct = drawdown(trades)
	snap.MaxWinStreak, snap.MaxLossStreak = streaks(trades)
	return snap
}

// riskRatios computes Sharpe (std of all returns) and Sortino (std of
// negative returns only) over per-trade percentage returns. Both are 0
// when fewer than 2 returns exist or the deviation is 0.
func riskRatios(returns []float64) (sharpe, sortino float64) {
	if len(returns) < 2 {
		return 0, 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	var downside []float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside = append(downside, r)
		}
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std > 0 {
		sharpe = mean / std
	}

	if len(downside) >= 2 {
		dmean := 0.0
		for _, r := range downside {
			dmean += r
		}
		dmean /= float64(len(downside))
		dvar := 0.0
		for _, r := range downside {
			dvar += (r - dmean) * (r - dmean)
		}
		dstd := math.Sqrt(dvar / float64(len(downside)-1))
		if dstd > 0 {
			sortino = mean / dstd
		}
	}
	return sharpe, sortino
}

func pnlStdDev(trades []matcher.ClosedTrade) float64 {
	if len(trades) < 2 {
		return 0
	}
	mean := 0.0
	vals := make([]float64, len(trades))
	for i, t := range trades {
		v, _ := t.RealizedPnL.Float64()
		vals[i] = v
		mean += v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(vals)-1))
}

// drawdown walks the trade-indexed cumulative P&L curve tracking the
// running peak; max drawdown is the largest peak-to-current drop. The
// peak is reset only by new highs, never by time.
func drawdown(trades []matcher.ClosedTrade) (curve []decimal.Decimal, maxDD decimal.Decimal, maxDDPct float64) {
	curve = make([]decimal.Decimal, len(trades))
	cum, peak := decimal.Zero, decimal.Zero
	maxDD = decimal.Zero
	first := true
	for i, t := range trades {
		cum = cum.Add(t.RealizedPnL)
		curve[i] = cum
		if first || cum.GreaterThan(peak) {
			peak = cum
			first = false
		}
		dd := peak.Sub(cum)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			if peak.IsPositive() {
				pct, _ := dd.DivRound(peak, 12).Float64()
				if pct*100 > maxDDPct {
					maxDDPct = pct * 100
				}
			}
		}
	}
	return curve, maxDD, maxDDPct
}

func streaks(trades []matcher.ClosedTrade) (maxWin, maxLoss int) {
	curWin, curLoss := 0, 0
	for _, t := range trades {
		switch {
		case t.RealizedPnL.IsPositive():
			curWin++
			curLoss = 0
			if curWin > maxWin {
				maxWin = curWin
			}
		case t.RealizedPnL.IsNegative():
			curLoss++
			curWin = 0
			if curLoss > maxLoss {
				maxLoss = curLoss
			}
		default:
			curWin, curLoss = 0, 0
		}
	}
	return maxWin, maxLoss
}
