// Package parser converts raw Webull desktop log lines into typed
// execution records. It is a pure package: no I/O, no logging.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Execution sides as they appear in the order payloads.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Log line markers preceding an order payload. The desktop client has
// shipped at least three store implementations that all log fills.
var orderMarkers = []string{
	"WBAUOrderSummaryStore::loadAUOrderSummary true",
	"WBOrderListStore::processOrderData true",
	"WBOrderInfoStore::setOrderInfos true",
}

// Execution is one broker fill. Immutable once created.
type Execution struct {
	Instrument string
	Side       string // SideBuy or SideSell
	Quantity   int64
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
	// SourceRef identifies the originating record for dedup. It is the
	// broker order ID when the payload carries one; the ledger assigns
	// a file:offset reference otherwise.
	SourceRef string
}

// ParseError reports a line that matches the execution shape but whose
// required fields cannot be extracted or coerced. It never aborts a
// batch; callers skip the line and continue.
type ParseError struct {
	Reason  string
	RawLine string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func newParseError(line, format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...), RawLine: line}
}

// orderItem mirrors the fields of interest in a Webull order payload.
// Field values arrive as strings or bare numbers depending on client
// version, hence looseString.
type orderItem struct {
	ID             looseString     `json:"id"`
	Action         string          `json:"action"`
	Status         string          `json:"status"`
	FilledQuantity looseString     `json:"filledQuantity"`
	TotalQuantity  looseString     `json:"totalQuantity"`
	AvgFilledPrice looseString     `json:"avgFilledPrice"`
	Price          looseString     `json:"Price"`
	FilledTime     string          `json:"filledTime"`
	UpdateTime     string          `json:"updateTime"`
	Fee            looseString     `json:"fee"`
	Symbol         string          `json:"symbol"`
	Ticker         json.RawMessage `json:"ticker"`
}

// looseString accepts JSON strings, numbers, or null.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(b)
	return nil
}

// ParseLine inspects one raw log line. It returns (nil, nil) for lines
// that are not order records, the decoded executions for lines that
// are, and a *ParseError when the line carries an order marker but the
// payload is defective. Executions and an error can both be returned
// when only some items of a payload are coercible.
func ParseLine(line string) ([]Execution, error) {
	if !hasOrderMarker(line) {
		return nil, nil
	}

	payload, ok := extractJSON(line)
	if !ok {
		return nil, newParseError(line, "order marker without decodable JSON payload")
	}

	items := collectOrderItems(payload)
	if len(items) == 0 {
		// Order store lines routinely log empty summaries.
		return nil, nil
	}

	var execs []Execution
	var firstErr error
	for _, item := range items {
		if !isFilled(item) {
			continue
		}
		exec, err := toExecution(line, item)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if exec != nil {
			execs = append(execs, *exec)
		}
	}
	return execs, firstErr
}

func hasOrderMarker(line string) bool {
	for _, m := range orderMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// extractJSON pulls the JSON document off the end of a log line. Older
// clients quote and escape the payload, newer ones log it bare.
func extractJSON(line string) (any, bool) {
	line = strings.TrimRight(line, " \t\r")

	candidate := ""
	if strings.HasSuffix(line, `"`) {
		// Quoted form: ... true "{\"todayOrders\":[...]}"
		for _, open := range []string{`"{`, `"[`} {
			if idx := strings.Index(line, open); idx >= 0 {
				candidate = unescapePayload(line[idx+1 : len(line)-1])
				break
			}
		}
	} else {
		// Bare form: ... true {...} or ... true [...]
		for _, open := range []string{" {", " ["} {
			if idx := strings.Index(line, open); idx >= 0 {
				candidate = line[idx+1:]
				break
			}
		}
	}
	if candidate == "" {
		return nil, false
	}

	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func unescapePayload(s string) string {
	r := strings.NewReplacer(`\"`, `"`, `\\`, `\`)
	return r.Replace(s)
}

// collectOrderItems flattens the three payload shapes into one item
// list: {"todayOrders":[{"items":[...]}]}, {"items":[...]}, or [...].
func collectOrderItems(doc any) []orderItem {
	var raws []any
	switch v := doc.(type) {
	case map[string]any:
		if today, ok := v["todayOrders"].([]any); ok {
			for _, order := range today {
				if o, ok := order.(map[string]any); ok {
					if items, ok := o["items"].([]any); ok {
						raws = append(raws, items...)
					}
				}
			}
		} else if items, ok := v["items"].([]any); ok {
			raws = items
		}
	case []any:
		raws = v
	}

	items := make([]orderItem, 0, len(raws))
	for _, raw := range raws {
		b, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var item orderItem
		if err := json.Unmarshal(b, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

// isFilled reports whether an order item represents an actual fill.
// Partially filled orders count; so does any status carrying a
// positive filled quantity.
func isFilled(item orderItem) bool {
	if item.Status == "Filled" || item.Status == "PartialFilled" {
		return true
	}
	if q, err := parseDecimal(string(item.FilledQuantity)); err == nil && q.IsPositive() {
		return true
	}
	return false
}

func toExecution(line string, item orderItem) (*Execution, error) {
	side := strings.ToUpper(item.Action)
	if side != SideBuy && side != SideSell {
		return nil, newParseError(line, "order %s: unknown action %q", item.ID, item.Action)
	}

	// Partial fills must use the filled quantity; the total quantity is
	// the full order size, not what actually executed.
	qtyField := string(item.FilledQuantity)
	if qtyField == "" && item.Status != "PartialFilled" {
		qtyField = string(item.TotalQuantity)
	}
	if qtyField == "" {
		return nil, newParseError(line, "order %s: missing filled quantity", item.ID)
	}
	qty, err := parseDecimal(qtyField)
	if err != nil {
		return nil, newParseError(line, "order %s: bad quantity %q: %v", item.ID, qtyField, err)
	}
	if !qty.IsPositive() {
		return nil, nil // zero-quantity records carry no fill
	}
	if !qty.IsInteger() {
		return nil, newParseError(line, "order %s: fractional quantity %q", item.ID, qtyField)
	}

	priceField := string(item.AvgFilledPrice)
	if priceField == "" {
		priceField = string(item.Price)
	}
	if priceField == "" {
		return nil, newParseError(line, "order %s: missing fill price", item.ID)
	}
	price, err := parseDecimal(priceField)
	if err != nil {
		return nil, newParseError(line, "order %s: bad price %q: %v", item.ID, priceField, err)
	}

	timeField := item.FilledTime
	if timeField == "" {
		timeField = item.UpdateTime
	}
	if timeField == "" {
		return nil, newParseError(line, "order %s: missing fill time", item.ID)
	}
	ts, err := ParseDateTime(timeField)
	if err != nil {
		return nil, newParseError(line, "order %s: bad fill time %q: %v", item.ID, timeField, err)
	}

	symbol := tickerSymbol(item)
	if symbol == "" {
		return nil, newParseError(line, "order %s: missing symbol", item.ID)
	}

	commission := decimal.Zero
	if f := string(item.Fee); f != "" {
		if c, err := parseDecimal(f); err == nil {
			commission = c
		}
	}

	return &Execution{
		Instrument: symbol,
		Side:       side,
		Quantity:   qty.IntPart(),
		Price:      price,
		Commission: commission,
		Timestamp:  ts,
		SourceRef:  string(item.ID),
	}, nil
}

func tickerSymbol(item orderItem) string {
	if len(item.Ticker) > 0 {
		var ticker struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal(item.Ticker, &ticker); err == nil && ticker.Symbol != "" {
			return ticker.Symbol
		}
	}
	return item.Symbol
}

// parseDecimal coerces a numeric field into a decimal, tolerating
// duplicate whitespace, thousands separators, and comma decimals.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty number")
	}

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		// The rightmost separator is the decimal point.
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		// "1234,56" is a comma decimal; "1,234" and "1,234,567" are
		// thousands groups.
		last := strings.LastIndex(s, ",")
		if strings.Count(s, ",") == 1 && len(s)-last-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	return decimal.NewFromString(s)
}

// Date layouts seen across client versions, tried in order.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"Jan 2,2006 15:04:05",
	"Jan 2, 2006 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// ParseDateTime parses the fill timestamp formats Webull has logged:
// "25/04/2025 09:22:44 EDT" (day first), "04/25/2025 09:22:44", ISO
// dates, and "Apr 25, 2025 09:22:44". Trailing zone abbreviations are
// accepted and the time is kept in the local zone: the monitor and the
// desktop client run on the same machine.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	var d1, d2, year, hh, mm, ss int
	if n, _ := fmt.Sscanf(s, "%d/%d/%d %d:%d:%d", &d1, &d2, &year, &hh, &mm, &ss); n == 6 {
		day, month := d1, d2
		// Day-first is the dominant format; fall back when impossible.
		if day > 12 && month > 12 {
			return time.Time{}, fmt.Errorf("invalid date in %q", s)
		}
		if month > 12 {
			day, month = month, day
		}
		if month < 1 || day < 1 || day > 31 || hh > 23 || mm > 59 || ss > 59 {
			return time.Time{}, fmt.Errorf("invalid date in %q", s)
		}
		return time.Date(year, time.Month(month), day, hh, mm, ss, 0, time.Local), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(time.Local), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}
