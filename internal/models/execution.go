package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"webull-pnl-monitor-go/internal/parser"
)

// Execution is the persisted form of one broker fill. Decimal fields
// are stored as strings to keep exact precision through sqlite.
type Execution struct {
	gorm.Model
	Instrument string `json:"instrument" gorm:"index"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	Price      string `json:"price"`
	Commission string `json:"commission"`
	Timestamp  int64  `json:"timestamp"` // unix seconds
	SourceRef  string `json:"source_ref" gorm:"uniqueIndex"`
}

// FromExecution converts a domain execution for storage.
func FromExecution(e parser.Execution) Execution {
	return Execution{
		Instrument: e.Instrument,
		Side:       e.Side,
		Quantity:   e.Quantity,
		Price:      e.Price.String(),
		Commission: e.Commission.String(),
		Timestamp:  e.Timestamp.Unix(),
		SourceRef:  e.SourceRef,
	}
}

// ToExecution restores the domain execution. Unparseable decimals are
// treated as zero; the record's source ref still dedups correctly.
func (m Execution) ToExecution() parser.Execution {
	price, _ := decimal.NewFromString(m.Price)
	commission, _ := decimal.NewFromString(m.Commission)
	return parser.Execution{
		Instrument: m.Instrument,
		Side:       m.Side,
		Quantity:   m.Quantity,
		Price:      price,
		Commission: commission,
		Timestamp:  time.Unix(m.Timestamp, 0),
		SourceRef:  m.SourceRef,
	}
}
