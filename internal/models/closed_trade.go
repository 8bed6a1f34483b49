package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"webull-pnl-monitor-go/internal/matcher"
)

// ClosedTrade is the persisted form of a matched trade pair. It is a
// cache rebuildable from the execution ledger, never authoritative on
// its own.
type ClosedTrade struct {
	gorm.Model
	Instrument  string `json:"instrument" gorm:"index"`
	OpenSide    string `json:"open_side"`
	Quantity    int64  `json:"quantity"`
	EntryPrice  string `json:"entry_price"`
	ExitPrice   string `json:"exit_price"`
	EntryTime   int64  `json:"entry_time"` // unix seconds
	ExitTime    int64  `json:"exit_time"`
	RealizedPnL string `json:"realized_pnl"`
}

// FromClosedTrade converts a domain trade for storage.
func FromClosedTrade(t matcher.ClosedTrade) ClosedTrade {
	return ClosedTrade{
		Instrument:  t.Instrument,
		OpenSide:    t.OpenSide,
		Quantity:    t.Quantity,
		EntryPrice:  t.EntryPrice.String(),
		ExitPrice:   t.ExitPrice.String(),
		EntryTime:   t.EntryTime.Unix(),
		ExitTime:    t.ExitTime.Unix(),
		RealizedPnL: t.RealizedPnL.String(),
	}
}

// ToClosedTrade restores the domain trade.
func (m ClosedTrade) ToClosedTrade() matcher.ClosedTrade {
	entry, _ := decimal.NewFromString(m.EntryPrice)
	exit, _ := decimal.NewFromString(m.ExitPrice)
	pnl, _ := decimal.NewFromString(m.RealizedPnL)
	return matcher.ClosedTrade{
		Instrument:  m.Instrument,
		OpenSide:    m.OpenSide,
		Quantity:    m.Quantity,
		EntryPrice:  entry,
		ExitPrice:   exit,
		EntryTime:   time.Unix(m.EntryTime, 0),
		ExitTime:    time.Unix(m.ExitTime, 0),
		RealizedPnL: pnl,
	}
}
