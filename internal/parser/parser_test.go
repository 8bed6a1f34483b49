package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineIgnoresNonOrderLines(t *testing.T) {
	lines := []string{
		"",
		"09:30:01.120 I NetworkMonitor heartbeat ok",
		"09:30:02.000 I WBQuoteStore::updateQuote true {\"symbol\":\"AAPL\"}",
		"random text without any structure",
	}
	for _, line := range lines {
		execs, err := ParseLine(line)
		assert.Nil(t, execs, "line: %q", line)
		assert.NoError(t, err, "line: %q", line)
	}
}

func TestParseLineBareItemsPayload(t *testing.T) {
	line := `09:30:05.123 I WBOrderListStore::processOrderData true {"items":[` +
		`{"id":"ord-1","action":"BUY","status":"Filled","filledQuantity":"100",` +
		`"avgFilledPrice":"10.25","filledTime":"04/25/2025 09:30:04 EDT",` +
		`"fee":"0.35","ticker":{"symbol":"AAPL"}}]}`

	execs, err := ParseLine(line)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	exec := execs[0]
	assert.Equal(t, "AAPL", exec.Instrument)
	assert.Equal(t, SideBuy, exec.Side)
	assert.Equal(t, int64(100), exec.Quantity)
	assert.True(t, exec.Price.Equal(decimal.RequireFromString("10.25")))
	assert.True(t, exec.Commission.Equal(decimal.RequireFromString("0.35")))
	assert.Equal(t, "ord-1", exec.SourceRef)
	assert.Equal(t, time.Date(2025, 4, 25, 9, 30, 4, 0, time.Local), exec.Timestamp)
}

func TestParseLineQuotedSummaryPayload(t *testing.T) {
	line := `09:31:00.001 I WBAUOrderSummaryStore::loadAUOrderSummary true ` +
		`"{\"todayOrders\":[{\"items\":[{\"id\":\"ord-2\",\"action\":\"SELL\",` +
		`\"status\":\"Filled\",\"filledQuantity\":\"50\",\"avgFilledPrice\":\"11.00\",` +
		`\"filledTime\":\"04/25/2025 09:30:59 EDT\",\"ticker\":{\"symbol\":\"TSLA\"}}]}]}"`

	execs, err := ParseLine(line)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "TSLA", execs[0].Instrument)
	assert.Equal(t, SideSell, execs[0].Side)
	assert.Equal(t, int64(50), execs[0].Quantity)
}

func TestParseLineListPayload(t *testing.T) {
	line := `09:32:00.500 I WBOrderInfoStore::setOrderInfos true [` +
		`{"id":9001,"action":"BUY","status":"PartialFilled","filledQuantity":30,` +
		`"totalQuantity":100,"avgFilledPrice":99.5,"updateTime":"2025-04-25 09:31:58",` +
		`"symbol":"NVDA"}]`

	execs, err := ParseLine(line)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	exec := execs[0]
	assert.Equal(t, "NVDA", exec.Instrument)
	// Partial fills must use the filled quantity, never the order size.
	assert.Equal(t, int64(30), exec.Quantity)
	assert.True(t, exec.Price.Equal(decimal.RequireFromString("99.5")))
	assert.Equal(t, "9001", exec.SourceRef)
}

func TestParseLineSkipsUnfilledOrders(t *testing.T) {
	line := `09:33:00.000 I WBOrderListStore::processOrderData true {"items":[` +
		`{"id":"ord-3","action":"BUY","status":"Cancelled","filledQuantity":"0",` +
		`"avgFilledPrice":"10.00","filledTime":"04/25/2025 09:32:59 EDT",` +
		`"ticker":{"symbol":"AAPL"}},` +
		`{"id":"ord-4","action":"SELL","status":"Working","filledQuantity":"25",` +
		`"avgFilledPrice":"10.10","filledTime":"04/25/2025 09:32:59 EDT",` +
		`"ticker":{"symbol":"AAPL"}}]}`

	execs, err := ParseLine(line)
	require.NoError(t, err)
	// Cancelled zero-quantity order dropped; the Working order has a
	// positive filled quantity and counts.
	require.Len(t, execs, 1)
	assert.Equal(t, "ord-4", execs[0].SourceRef)
}

func TestParseLineDefectiveFields(t *testing.T) {
	testCases := []struct {
		name string
		item string
	}{
		{
			name: "uncoercible quantity",
			item: `{"id":"x","action":"BUY","status":"Filled","filledQuantity":"abc","avgFilledPrice":"10.00","filledTime":"04/25/2025 09:30:00 EDT","ticker":{"symbol":"AAPL"}}`,
		},
		{
			name: "missing price",
			item: `{"id":"x","action":"BUY","status":"Filled","filledQuantity":"100","filledTime":"04/25/2025 09:30:00 EDT","ticker":{"symbol":"AAPL"}}`,
		},
		{
			name: "missing time",
			item: `{"id":"x","action":"BUY","status":"Filled","filledQuantity":"100","avgFilledPrice":"10.00","ticker":{"symbol":"AAPL"}}`,
		},
		{
			name: "missing symbol",
			item: `{"id":"x","action":"BUY","status":"Filled","filledQuantity":"100","avgFilledPrice":"10.00","filledTime":"04/25/2025 09:30:00 EDT"}`,
		},
		{
			name: "unknown action",
			item: `{"id":"x","action":"TRANSFER","status":"Filled","filledQuantity":"100","avgFilledPrice":"10.00","filledTime":"04/25/2025 09:30:00 EDT","ticker":{"symbol":"AAPL"}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			line := `09:30:00 I WBOrderListStore::processOrderData true {"items":[` + tc.item + `]}`
			execs, err := ParseLine(line)
			assert.Empty(t, execs)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, line, perr.RawLine)
		})
	}
}

func TestParseLinePartialBatchContinues(t *testing.T) {
	// One defective item must not sink the parseable one.
	line := `09:34:00 I WBOrderListStore::processOrderData true {"items":[` +
		`{"id":"bad","action":"BUY","status":"Filled","filledQuantity":"oops",` +
		`"avgFilledPrice":"10.00","filledTime":"04/25/2025 09:33:59 EDT","ticker":{"symbol":"AAPL"}},` +
		`{"id":"good","action":"BUY","status":"Filled","filledQuantity":"10",` +
		`"avgFilledPrice":"10.00","filledTime":"04/25/2025 09:33:59 EDT","ticker":{"symbol":"AAPL"}}]}`

	execs, err := ParseLine(line)
	require.Error(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "good", execs[0].SourceRef)
}

func TestParseLineLocaleNumbers(t *testing.T) {
	testCases := []struct {
		name     string
		price    string
		expected string
	}{
		{"thousands with dot decimal", "1,234.56", "1234.56"},
		{"comma decimal", "1234,56", "1234.56"},
		{"plain", "10.5", "10.5"},
		{"thousands only", "1,234", "1234"},
		{"padded whitespace", "  42.10 ", "42.1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			line := `09:35:00 I WBOrderListStore::processOrderData true {"items":[` +
				`{"id":"n","action":"BUY","status":"Filled","filledQuantity":"10",` +
				`"avgFilledPrice":"` + tc.price + `","filledTime":"04/25/2025 09:34:59 EDT",` +
				`"ticker":{"symbol":"AAPL"}}]}`
			execs, err := ParseLine(line)
			require.NoError(t, err)
			require.Len(t, execs, 1)
			assert.True(t, execs[0].Price.Equal(decimal.RequireFromString(tc.expected)),
				"got %s, want %s", execs[0].Price, tc.expected)
		})
	}
}

func TestParseDateTime(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected time.Time
	}{
		{
			name:     "day first with zone",
			input:    "25/04/2025 09:22:44 EDT",
			expected: time.Date(2025, 4, 25, 9, 22, 44, 0, time.Local),
		},
		{
			name:     "month first disambiguated by range",
			input:    "04/25/2025 09:22:44",
			expected: time.Date(2025, 4, 25, 9, 22, 44, 0, time.Local),
		},
		{
			name:     "iso date",
			input:    "2025-04-25 09:22:44",
			expected: time.Date(2025, 4, 25, 9, 22, 44, 0, time.UTC).In(time.Local),
		},
		{
			name:     "duplicate whitespace",
			input:    "25/04/2025   09:22:44  EDT",
			expected: time.Date(2025, 4, 25, 9, 22, 44, 0, time.Local),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDateTime(tc.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.expected), "got %s, want %s", got, tc.expected)
		})
	}

	_, err := ParseDateTime("not a date")
	assert.Error(t, err)
}
