package broker

import (
	"context"
	"time"

	"github.com/marketdesk/marketdesk/market"
)

// Credentials authenticate a broker session. They are opaque to this
// package and handed to the Conn implementation unchanged.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// HistoricalQuery describes a historical data request.
type HistoricalQuery struct {
	Duration string // e.g. "10 D"
	BarSize  string // e.g. "1 day"
	End      time.Time
}

// Handler receives asynchronous events from the broker runtime. Every
// method is invoked on the connection's network goroutine; implementations
// must not block and must never let a panic escape.
type Handler interface {
	// OnConnected fires when the session handshake completes, including
	// after a transport-level reconnect.
	OnConnected()

	// OnDisconnected fires when the session is lost or closed. err is
	// nil for a locally requested close.
	OnDisconnected(err error)

	// OnTick delivers one field update for an outstanding request.
	// tickType is the broker's spelling of the field name.
	OnTick(reqID int64, tickType string, value float64)

	// OnContractDetails delivers the reply to a contract lookup.
	OnContractDetails(reqID int64, details market.ContractDetails)

	// OnHistoricalBar delivers one bar of a historical data reply;
	// OnHistoricalEnd marks the reply complete.
	OnHistoricalBar(reqID int64, bar market.BarData)
	OnHistoricalEnd(reqID int64)

	// OnRequestError reports a broker-side failure for one request.
	OnRequestError(reqID int64, code int, reason string)
}

// Conn is a single session with the broker runtime. Implementations own
// the network goroutine; the Client never touches the wire directly.
type Conn interface {
	// Dial starts the session. It returns once the network run loop has
	// been handed off to its own goroutine; handshake completion is
	// observed via Handler.OnConnected. Cancelling ctx tears the
	// session down.
	Dial(ctx context.Context, endpoint string, creds Credentials, h Handler) error

	// Close tears down the session. Idempotent.
	Close() error

	// Subscribe starts streaming market data for the contract under the
	// given request id; Unsubscribe cancels it.
	Subscribe(reqID int64, contract market.Contract) error
	Unsubscribe(reqID int64) error

	// RequestContractDetails and RequestHistoricalData issue one-shot
	// requests answered via the Handler.
	RequestContractDetails(reqID int64, contract market.Contract) error
	RequestHistoricalData(reqID int64, contract market.Contract, q HistoricalQuery) error
}
