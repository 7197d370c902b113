package market

import (
	"math"
	"time"
)

// BarData is an immutable OHLCV bar for historical data.
type BarData struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// BodySize returns the absolute open-to-close difference.
func (b BarData) BodySize() float64 {
	return math.Abs(b.Close - b.Open)
}

// RangeSize returns the high-to-low difference.
func (b BarData) RangeSize() float64 {
	return b.High - b.Low
}

// IsBullish reports whether the bar closed above its open.
func (b BarData) IsBullish() bool {
	return b.Close > b.Open
}

// IsBearish reports whether the bar closed below its open.
func (b BarData) IsBearish() bool {
	return b.Close < b.Open
}
