package postgres

import (
	"time"

	"profilefeed/pkg/market"
)

// BarRecord is one closed bar of history.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Source string    `gorm:"type:varchar(32);not null;index:idx_bar_source_symbol_period_start,unique"`
	Symbol string    `gorm:"type:text;not null;index:idx_bar_source_symbol_period_start,unique"`
	Period string    `gorm:"type:varchar(10);not null;index:idx_bar_source_symbol_period_start,unique"`
	Start  time.Time `gorm:"not null;index:idx_bar_source_symbol_period_start,unique"`

	Open  float64 `gorm:"type:numeric;not null"`
	High  float64 `gorm:"type:numeric;not null"`
	Low   float64 `gorm:"type:numeric;not null"`
	Close float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "bar_record"
}

func (r BarRecord) Bar() market.Bar {
	return market.Bar{
		Key:       market.NewKey(r.Symbol, r.Source),
		Period:    r.Period,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Timestamp: r.Start.UTC(),
	}
}

func NewBarRecord(b market.Bar) BarRecord {
	return BarRecord{
		Source: b.Key.Source,
		Symbol: b.Key.Symbol,
		Period: b.Period,
		Start:  b.Timestamp.UTC(),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
	}
}
