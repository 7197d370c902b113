package market

import "time"

// TickData is an immutable snapshot of real-time market data for a
// single instrument. It consolidates every tick field into one record so
// consumers track one value per instrument rather than one stream per
// field. Updates never mutate an existing snapshot; WithUpdate returns a
// copy with the field patched and the timestamp refreshed.
type TickData struct {
	Symbol      string
	LocalSymbol string
	Bid         float64
	BidSize     int64
	Ask         float64
	AskSize     int64
	Last        float64
	LastSize    int64
	Volume      int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Halted      bool
	Timestamp   time.Time
}

// NewTickData creates an empty snapshot for the given instrument.
func NewTickData(symbol, localSymbol string) TickData {
	return TickData{
		Symbol:      symbol,
		LocalSymbol: localSymbol,
		Timestamp:   time.Now(),
	}
}

// WithUpdate returns a copy with one field set to value. Size and volume
// fields are truncated to integers; Halted treats any non-zero value as
// halted. Unknown fields return the receiver unchanged.
func (t TickData) WithUpdate(field Field, value float64) TickData {
	out := t
	out.Timestamp = time.Now()

	switch field {
	case FieldBid:
		out.Bid = value
	case FieldAsk:
		out.Ask = value
	case FieldLast:
		out.Last = value
	case FieldBidSize:
		out.BidSize = int64(value)
	case FieldAskSize:
		out.AskSize = int64(value)
	case FieldLastSize:
		out.LastSize = int64(value)
	case FieldVolume:
		out.Volume = int64(value)
	case FieldOpen:
		out.Open = value
	case FieldHigh:
		out.High = value
	case FieldLow:
		out.Low = value
	case FieldClose:
		out.Close = value
	case FieldHalted:
		out.Halted = value != 0
	default:
		return t
	}
	return out
}

// WithUpdates returns a copy with several fields applied at once.
func (t TickData) WithUpdates(updates map[Field]float64) TickData {
	out := t
	for field, value := range updates {
		out = out.WithUpdate(field, value)
	}
	return out
}

// Change returns the percentage change from the previous close to the
// last traded price, or 0 when either is unknown.
func (t TickData) Change() float64 {
	if t.Close > 0 && t.Last > 0 {
		return (t.Last - t.Close) / t.Close * 100
	}
	return 0
}

// ChangeValue returns the absolute change from close to last.
func (t TickData) ChangeValue() float64 {
	return t.Last - t.Close
}

// Spread returns the bid-ask spread.
func (t TickData) Spread() float64 {
	return t.Ask - t.Bid
}

// Key returns the unique "symbol|localSymbol" identifier for this
// instrument.
func (t TickData) Key() string {
	return t.Symbol + "|" + t.LocalSymbol
}
