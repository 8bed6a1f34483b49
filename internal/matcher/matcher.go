// Package matcher pairs opening and closing executions into realized
// trades. State is rebuilt from the ledger on every run; the matcher
// exclusively owns ClosedTrades and OpenPositions.
package matcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"webull-pnl-monitor-go/internal/parser"
)

// Scale used when dividing for volume-weighted averages.
const vwapScale = 8

// ClosedTrade is a fully or partially matched pair of opposite-side
// executions. Immutable after creation.
type ClosedTrade struct {
	Instrument      string
	OpenSide        string // parser.SideBuy for longs, parser.SideSell for shorts
	Quantity        int64
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	EntryTime       time.Time
	ExitTime        time.Time
	EntryCommission decimal.Decimal
	ExitCommission  decimal.Decimal
	RealizedPnL     decimal.Decimal
}

// OpenPosition is the unmatched residual for one instrument: quantity
// still open and the volume-weighted average price of its open lots.
type OpenPosition struct {
	Instrument string
	Side       string
	Quantity   int64
	Basis      decimal.Decimal
}

// Inconsistency records an internal invariant violation the matcher
// recovered from. Surfaced upward as a warning, never a panic.
type Inconsistency struct {
	Instrument string
	Detail     string
}

// Result of one matching run over the full ledger.
type Result struct {
	Closed []ClosedTrade // ordered by exit time
	Open   map[string]OpenPosition
	Notes  []Inconsistency
}

// Match consumes per-instrument ordered execution sequences and
// produces closed trades plus open-position state under the given
// policy. End-of-day non-flat positions are reported open and excluded
// from realized P&L.
func Match(ledgers map[string][]parser.Execution, policy Policy) Result {
	res := Result{Open: make(map[string]OpenPosition)}

	instruments := make([]string, 0, len(ledgers))
	for sym := range ledgers {
		instruments = append(instruments, sym)
	}
	sort.Strings(instruments)

	for _, sym := range instruments {
		// Non-positive quantities are dropped before any policy work:
		// a zero-quantity record inside a bucket would make the VWAP
		// divide by zero.
		execs, dropped := dropNonPositive(sym, ledgers[sym])
		res.Notes = append(res.Notes, dropped...)
		if policy.Kind == TimeWindowed {
			execs = aggregateByBucket(execs, policy.Bucket)
		}
		closed, open, notes := matchInstrument(sym, execs)
		res.Closed = append(res.Closed, closed...)
		if open != nil {
			res.Open[sym] = *open
		}
		res.Notes = append(res.Notes, notes...)
	}

	sort.SliceStable(res.Closed, func(i, j int) bool {
		return res.Closed[i].ExitTime.Before(res.Closed[j].ExitTime)
	})
	return res
}

// lot is one still-open fill. Commission is carried per share so
// partial matches charge their fair portion.
type lot struct {
	qty          int64
	price        decimal.Decimal
	commPerShare decimal.Decimal
	time         time.Time
}

// matchInstrument runs the FLAT/LONG/SHORT state machine over one
// instrument's ordered executions. The held side is represented by the
// lot queue; an empty queue is FLAT.
func matchInstrument(sym string, execs []parser.Execution) ([]ClosedTrade, *OpenPosition, []Inconsistency) {
	var (
		closed []ClosedTrade
		notes  []Inconsistency
		side   string
		lots   []lot
	)

	for _, exec := range execs {
		if len(lots) == 0 || exec.Side == side {
			// Opens or adds. The cost basis of the position becomes the
			// volume-weighted average implicitly: lots keep their own
			// prices and the basis is derived when reported.
			side = exec.Side
			lots = append(lots, newLot(exec))
			continue
		}

		// Opposite side: close oldest lots first, flip on leftover.
		remaining := exec.Quantity
		exitCommPS := perShare(exec.Commission, exec.Quantity)
		for remaining > 0 && len(lots) > 0 {
			head := &lots[0]
			matched := head.qty
			if remaining < matched {
				matched = remaining
			}
			if matched <= 0 {
				// Cannot happen with a well-formed queue; drop the lot
				// rather than loop forever.
				notes = append(notes, Inconsistency{
					Instrument: sym,
					Detail:     fmt.Sprintf("negative residual lot while closing against %s, lot dropped", exec.SourceRef),
				})
				lots = lots[1:]
				continue
			}
			closed = append(closed, closeTrade(sym, side, matched, *head, exec, exitCommPS))
			head.qty -= matched
			remaining -= matched
			if head.qty == 0 {
				lots = lots[1:]
			}
		}
		if remaining > 0 {
			// Flip: the leftover opens a position on the opposite side
			// with the leftover as new basis.
			side = exec.Side
			flipped := exec
			flipped.Quantity = remaining
			flipped.Commission = perShare(exec.Commission, exec.Quantity).Mul(decimal.NewFromInt(remaining))
			lots = []lot{newLot(flipped)}
		}
	}

	if len(lots) == 0 {
		return closed, nil, notes
	}
	return closed, openPosition(sym, side, lots), notes
}

// dropNonPositive strips executions whose quantity cannot open or
// close anything, one inconsistency note each. Runs for both policies
// so aggregation only ever sees positive quantities.
func dropNonPositive(sym string, execs []parser.Execution) ([]parser.Execution, []Inconsistency) {
	var notes []Inconsistency
	for _, exec := range execs {
		if exec.Quantity <= 0 {
			notes = append(notes, Inconsistency{
				Instrument: sym,
				Detail:     fmt.Sprintf("execution %s has non-positive quantity %d, skipped", exec.SourceRef, exec.Quantity),
			})
		}
	}
	if len(notes) == 0 {
		return execs, nil
	}
	kept := make([]parser.Execution, 0, len(execs)-len(notes))
	for _, exec := range execs {
		if exec.Quantity > 0 {
			kept = append(kept, exec)
		}
	}
	return kept, notes
}

func newLot(exec parser.Execution) lot {
	return lot{
		qty:          exec.Quantity,
		price:        exec.Price,
		commPerShare: perShare(exec.Commission, exec.Quantity),
		time:         exec.Timestamp,
	}
}

// closeTrade realizes matched quantity against the oldest open lot.
// P&L is quantity * (exit - entry) signed by the open side, minus both
// sides' pro-rated commissions.
func closeTrade(sym, openSide string, matched int64, entry lot, exit parser.Execution, exitCommPS decimal.Decimal) ClosedTrade {
	qty := decimal.NewFromInt(matched)
	gross := exit.Price.Sub(entry.price).Mul(qty)
	if openSide == parser.SideSell {
		gross = gross.Neg()
	}
	entryComm := entry.commPerShare.Mul(qty)
	exitComm := exitCommPS.Mul(qty)
	return ClosedTrade{
		Instrument:      sym,
		OpenSide:        openSide,
		Quantity:        matched,
		EntryPrice:      entry.price,
		ExitPrice:       exit.Price,
		EntryTime:       entry.time,
		ExitTime:        exit.Timestamp,
		EntryCommission: entryComm,
		ExitCommission:  exitComm,
		RealizedPnL:     gross.Sub(entryComm).Sub(exitComm),
	}
}

func openPosition(sym, side string, lots []lot) *OpenPosition {
	var qty int64
	value := decimal.Zero
	for _, l := range lots {
		qty += l.qty
		value = value.Add(l.price.Mul(decimal.NewFromInt(l.qty)))
	}
	return &OpenPosition{
		Instrument: sym,
		Side:       side,
		Quantity:   qty,
		Basis:      value.DivRound(decimal.NewFromInt(qty), vwapScale),
	}
}

func perShare(total decimal.Decimal, qty int64) decimal.Decimal {
	if total.IsZero() || qty == 0 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(qty), vwapScale)
}

// aggregateByBucket replaces all same-side executions of one rounded
// time bucket with a single synthetic volume-weighted execution. The
// synthetic record keeps the earliest fill time of its group so that
// relative buy/sell ordering inside a bucket survives.
func aggregateByBucket(execs []parser.Execution, bucket time.Duration) []parser.Execution {
	type key struct {
		bucket time.Time
		side   string
	}
	groups := make(map[key]*parser.Execution)
	weighted := make(map[key]decimal.Decimal)
	order := make([]key, 0)

	for _, exec := range execs {
		k := key{bucket: exec.Timestamp.Truncate(bucket), side: exec.Side}
		g, ok := groups[k]
		if !ok {
			cp := exec
			cp.SourceRef = fmt.Sprintf("%s@%s/%s", cp.Instrument, k.bucket.Format("15:04"), cp.Side)
			groups[k] = &cp
			weighted[k] = exec.Price.Mul(decimal.NewFromInt(exec.Quantity))
			order = append(order, k)
			continue
		}
		g.Quantity += exec.Quantity
		g.Commission = g.Commission.Add(exec.Commission)
		weighted[k] = weighted[k].Add(exec.Price.Mul(decimal.NewFromInt(exec.Quantity)))
		if exec.Timestamp.Before(g.Timestamp) {
			g.Timestamp = exec.Timestamp
		}
	}

	out := make([]parser.Execution, 0, len(order))
	for _, k := range order {
		g := groups[k]
		g.Price = weighted[k].DivRound(decimal.NewFromInt(g.Quantity), vwapScale)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
