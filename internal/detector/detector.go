// Package detector inspects ledger and matcher state for
// inconsistencies. Warnings are advisory metadata: they never block
// computation or mutate trade data.
package detector

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"webull-pnl-monitor-go/internal/matcher"
	"webull-pnl-monitor-go/internal/parser"
)

// Warning kinds.
const (
	KindUnbalancedPosition = "UNBALANCED_POSITION"
	KindOrphanedExecution  = "ORPHANED_EXECUTION"
	KindPriceAnomaly       = "PRICE_ANOMALY"
)

// Warning is one advisory flag attached to a cycle's result.
type Warning struct {
	Kind       string `json:"kind"`
	Instrument string `json:"instrument"`
	Detail     string `json:"detail"`
}

// Detector evaluates the warning rules. AnomalyMultiple is the factor
// by which a fill may deviate from the instrument's median fill price
// before it is flagged as likely parse corruption.
type Detector struct {
	AnomalyMultiple float64
}

// New creates a detector; a non-positive multiple falls back to 3x.
func New(anomalyMultiple float64) *Detector {
	if anomalyMultiple <= 1 {
		anomalyMultiple = 3
	}
	return &Detector{AnomalyMultiple: anomalyMultiple}
}

// Inspect runs every rule over the ledgers and the matching result.
// Each rule is independently evaluable; warnings are accumulated, and
// matcher inconsistency notes are folded in as orphaned executions.
func (d *Detector) Inspect(ledgers map[string][]parser.Execution, res matcher.Result) []Warning {
	var warnings []Warning
	warnings = append(warnings, d.unbalancedPositions(res)...)
	warnings = append(warnings, d.orphanedExecutions(ledgers, res)...)
	warnings = append(warnings, d.priceAnomalies(ledgers)...)
	for _, note := range res.Notes {
		warnings = append(warnings, Warning{
			Kind:       KindOrphanedExecution,
			Instrument: note.Instrument,
			Detail:     note.Detail,
		})
	}
	return warnings
}

// unbalancedPositions flags instruments still holding quantity when
// metrics are requested. Day-trading sessions are expected to end
// flat; this is advisory, not an error.
func (d *Detector) unbalancedPositions(res matcher.Result) []Warning {
	syms := make([]string, 0, len(res.Open))
	for sym := range res.Open {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	var warnings []Warning
	for _, sym := range syms {
		pos := res.Open[sym]
		if pos.Quantity == 0 {
			continue
		}
		warnings = append(warnings, Warning{
			Kind:       KindUnbalancedPosition,
			Instrument: sym,
			Detail:     fmt.Sprintf("%s position of %d shares still open at basis %s", pos.Side, pos.Quantity, pos.Basis),
		})
	}
	return warnings
}

// orphanedExecutions cross-checks the accounting: for each instrument,
// every ledger share must be explained by matched trades or the open
// position. A mismatch points at a matching bug, not at the data.
func (d *Detector) orphanedExecutions(ledgers map[string][]parser.Execution, res matcher.Result) []Warning {
	matched := make(map[string]int64) // shares consumed per instrument, both sides
	for _, t := range res.Closed {
		matched[t.Instrument] += 2 * t.Quantity
	}

	var syms []string
	for sym := range ledgers {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	var warnings []Warning
	for _, sym := range syms {
		var total int64
		for _, exec := range ledgers[sym] {
			if exec.Quantity > 0 {
				total += exec.Quantity
			}
		}
		accounted := matched[sym]
		if pos, ok := res.Open[sym]; ok {
			accounted += pos.Quantity
		}
		if total != accounted {
			warnings = append(warnings, Warning{
				Kind:       KindOrphanedExecution,
				Instrument: sym,
				Detail:     fmt.Sprintf("%d ledger shares but only %d accounted for by trades and open position", total, accounted),
			})
		}
	}
	return warnings
}

// priceAnomalies flags fills deviating from the instrument's median
// fill price beyond the configured multiple. Such outliers usually
// mean a corrupted parse rather than a real trade.
func (d *Detector) priceAnomalies(ledgers map[string][]parser.Execution) []Warning {
	var syms []string
	for sym := range ledgers {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	multiple := decimal.NewFromFloat(d.AnomalyMultiple)
	var warnings []Warning
	for _, sym := range syms {
		execs := ledgers[sym]
		if len(execs) < 3 {
			continue // too little history for a meaningful median
		}
		median := medianPrice(execs)
		if !median.IsPositive() {
			continue
		}
		upper := median.Mul(multiple)
		lower := median.DivRound(multiple, 8)
		for _, exec := range execs {
			if exec.Price.GreaterThan(upper) || exec.Price.LessThan(lower) {
				warnings = append(warnings, Warning{
					Kind:       KindPriceAnomaly,
					Instrument: sym,
					Detail:     fmt.Sprintf("fill %s at %s deviates from median %s by more than %gx", exec.SourceRef, exec.Price, median, d.AnomalyMultiple),
				})
			}
		}
	}
	return warnings
}

func medianPrice(execs []parser.Execution) decimal.Decimal {
	prices := make([]decimal.Decimal, len(execs))
	for i, e := range execs {
		prices[i] = e.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return prices[mid-1].Add(prices[mid]).DivRound(decimal.NewFromInt(2), 8)
}
