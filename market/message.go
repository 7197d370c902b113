// Package market holds the value objects that cross the boundary between
// the broker network goroutine and the consumer goroutine: tick
// snapshots, OHLCV bars, contracts and the bridge message envelope.
package market

import (
	"strings"
	"time"
)

// AssetType classifies the instrument a message or contract refers to.
type AssetType string

const (
	AssetStock    AssetType = "STOCK"
	AssetFuture   AssetType = "FUTURE"
	AssetOption   AssetType = "OPTION"
	AssetIndex    AssetType = "INDEX"
	AssetCurrency AssetType = "CURRENCY"
)

// Field identifies a single tick data field.
type Field string

const (
	FieldBid      Field = "bid"
	FieldAsk      Field = "ask"
	FieldLast     Field = "last"
	FieldBidSize  Field = "bid_size"
	FieldAskSize  Field = "ask_size"
	FieldLastSize Field = "last_size"
	FieldVolume   Field = "volume"
	FieldOpen     Field = "open"
	FieldHigh     Field = "high"
	FieldLow      Field = "low"
	FieldClose    Field = "close"
	FieldHalted   Field = "halted"
)

// tickTypeFields maps the broker's tick-type spellings to Fields. Brokers
// are inconsistent here ("BID_SIZE", "bidSize", "bidsize" all occur), so
// lookups go through a lowercased key.
var tickTypeFields = map[string]Field{
	"bid":        FieldBid,
	"bid_price":  FieldBid,
	"ask":        FieldAsk,
	"ask_price":  FieldAsk,
	"last":       FieldLast,
	"last_price": FieldLast,
	"bid_size":   FieldBidSize,
	"bidsize":    FieldBidSize,
	"ask_size":   FieldAskSize,
	"asksize":    FieldAskSize,
	"last_size":  FieldLastSize,
	"lastsize":   FieldLastSize,
	"volume":     FieldVolume,
	"open":       FieldOpen,
	"high":       FieldHigh,
	"low":        FieldLow,
	"close":      FieldClose,
	"halted":     FieldHalted,
}

// FieldFromTickType normalizes a broker tick-type name to a Field.
// Unknown names are passed through lowercased with ok=false so callers
// can decide whether to forward or drop them.
func FieldFromTickType(tickType string) (Field, bool) {
	key := strings.ToLower(tickType)
	if f, ok := tickTypeFields[key]; ok {
		return f, true
	}
	return Field(key), false
}

// Kind discriminates the payload of a bridge Message.
type Kind string

const (
	KindTick       Kind = "tick"
	KindConnection Kind = "connection"
	KindError      Kind = "error"
)

// Message is the envelope handed from the broker network goroutine to
// the bridge. It is owned by the queue until drained and carries exactly
// one field update, connection change or error.
type Message struct {
	Kind        Kind
	AssetType   AssetType
	Symbol      string
	LocalSymbol string
	Field       Field
	Value       float64
	Text        string // error reason; empty for tick messages
	Timestamp   time.Time
}

// NewTick builds a tick message stamped with the current time.
func NewTick(assetType AssetType, symbol, localSymbol string, field Field, value float64) Message {
	return Message{
		Kind:        KindTick,
		AssetType:   assetType,
		Symbol:      symbol,
		LocalSymbol: localSymbol,
		Field:       field,
		Value:       value,
		Timestamp:   time.Now(),
	}
}

// NewConnection builds a connection lifecycle message. Value is 1 for
// connected, 0 for disconnected.
func NewConnection(connected bool) Message {
	var v float64
	if connected {
		v = 1
	}
	return Message{
		Kind:      KindConnection,
		Field:     "status",
		Value:     v,
		Timestamp: time.Now(),
	}
}

// Connected reports whether a connection message signals an established
// session.
func (m Message) Connected() bool {
	return m.Kind == KindConnection && m.Value == 1
}

// NewError builds an error message. Symbol may be empty for errors not
// tied to a subscription.
func NewError(symbol string, code int, reason string) Message {
	return Message{
		Kind:      KindError,
		Symbol:    symbol,
		Field:     "error",
		Value:     float64(code),
		Text:      reason,
		Timestamp: time.Now(),
	}
}
