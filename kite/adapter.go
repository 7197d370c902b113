// Package kite adapts the Zerodha Kite Connect runtime to the broker.Conn
// interface: the WebSocket ticker streams per-instrument ticks which are
// fanned out into per-field callbacks, and the REST client answers
// one-shot contract and historical data requests.
package kite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"github.com/marketdesk/marketdesk/broker"
	"github.com/marketdesk/marketdesk/market"
)

// DefaultExchange is used when a contract does not name one.
const DefaultExchange = "NSE"

// Config holds configuration for creating a Conn.
type Config struct {
	Logger   *slog.Logger
	Exchange string // default DefaultExchange
}

// Conn is a single Kite session implementing broker.Conn. The instrument
// token doubles as the contract id, so subscriptions correlate broker
// request ids with tokens in both directions.
type Conn struct {
	logger   *slog.Logger
	exchange string

	mu      sync.Mutex
	ticker  *kiteticker.Ticker
	stream  tickerStream
	rest    *kiteconnect.Client
	handler broker.Handler
	cancel  context.CancelFunc
	tokens  map[int64]uint32 // req id -> instrument token
	byToken map[uint32]int64 // instrument token -> req id
}

var _ broker.Conn = (*Conn)(nil)

// tickerStream is the subset of the kite ticker that manages
// subscriptions, split out so bookkeeping around failed wire calls can
// be exercised without a live WebSocket.
type tickerStream interface {
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetMode(mode kiteticker.Mode, tokens []uint32) error
}

// New creates an unconnected Conn.
func New(cfg Config) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Conn{
		logger:   logger,
		exchange: exchange,
		tokens:   make(map[int64]uint32),
		byToken:  make(map[uint32]int64),
	}
}

// Dial starts the WebSocket ticker on its own goroutine. Reconnection is
// left to the facade's policy, so the ticker's own auto-reconnect is
// disabled.
func (c *Conn) Dial(ctx context.Context, endpoint string, creds broker.Credentials, h broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker != nil {
		return fmt.Errorf("kite: session already active")
	}

	t := kiteticker.New(creds.APIKey, creds.AccessToken)
	t.SetAutoReconnect(false)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("kite: parse endpoint: %w", err)
		}
		t.SetRootURL(*u)
	}

	rest := kiteconnect.New(creds.APIKey)
	rest.SetAccessToken(creds.AccessToken)

	t.OnConnect(func() {
		h.OnConnected()
	})
	t.OnTick(func(tick models.Tick) {
		c.dispatchTick(tick)
	})
	t.OnError(func(err error) {
		c.logger.Error("Kite ticker error", "error", err)
	})
	t.OnClose(func(code int, reason string) {
		if code == 0 && reason == "" {
			h.OnDisconnected(nil)
			return
		}
		h.OnDisconnected(fmt.Errorf("kite: connection closed: %d %s", code, reason))
	})
	t.OnNoReconnect(func(attempt int) {
		h.OnDisconnected(fmt.Errorf("kite: gave up after %d attempts", attempt))
	})

	serveCtx, cancel := context.WithCancel(ctx)
	c.ticker = t
	c.stream = t
	c.rest = rest
	c.handler = h
	c.cancel = cancel

	go func() {
		t.ServeWithContext(serveCtx)
		c.logger.Debug("Kite ticker serve exited")
	}()
	return nil
}

// Close tears down the session. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.ticker = nil
	c.stream = nil
	c.rest = nil
	c.cancel = nil
	c.tokens = make(map[int64]uint32)
	c.byToken = make(map[uint32]int64)
	return nil
}

// Subscribe streams full-mode market data for the contract under reqID.
// The contract's ConID must carry the Kite instrument token.
func (c *Conn) Subscribe(reqID int64, contract market.Contract) error {
	if contract.ConID <= 0 {
		return fmt.Errorf("kite: contract %s has no instrument token", contract.Symbol)
	}
	token := uint32(contract.ConID)

	c.mu.Lock()
	s := c.stream
	if s == nil {
		c.mu.Unlock()
		return fmt.Errorf("kite: no active session")
	}
	c.tokens[reqID] = token
	c.byToken[token] = reqID
	c.mu.Unlock()

	if err := s.Subscribe([]uint32{token}); err != nil {
		c.forget(reqID)
		return fmt.Errorf("kite: subscribe: %w", err)
	}
	if err := s.SetMode(kiteticker.ModeFull, []uint32{token}); err != nil {
		// The wire subscription went through; undo it so the conn does
		// not keep streaming a request the caller treats as failed.
		if uerr := s.Unsubscribe([]uint32{token}); uerr != nil {
			c.logger.Warn("Unsubscribe after failed set mode", "req_id", reqID, "error", uerr)
		}
		c.forget(reqID)
		return fmt.Errorf("kite: set mode: %w", err)
	}
	return nil
}

// Unsubscribe cancels the stream behind reqID.
func (c *Conn) Unsubscribe(reqID int64) error {
	c.mu.Lock()
	s := c.stream
	token, ok := c.tokens[reqID]
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.forget(reqID)

	if s == nil {
		return nil
	}
	if err := s.Unsubscribe([]uint32{token}); err != nil {
		return fmt.Errorf("kite: unsubscribe: %w", err)
	}
	return nil
}

func (c *Conn) forget(reqID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token, ok := c.tokens[reqID]; ok {
		delete(c.byToken, token)
		delete(c.tokens, reqID)
	}
}

// dispatchTick fans one Kite tick out into per-field callbacks, keyed by
// the request id registered for its instrument token.
func (c *Conn) dispatchTick(tick models.Tick) {
	c.mu.Lock()
	reqID, ok := c.byToken[tick.InstrumentToken]
	h := c.handler
	c.mu.Unlock()

	if !ok || h == nil {
		return
	}
	for _, fv := range tickFields(tick) {
		h.OnTick(reqID, fv.field, fv.value)
	}
}

type fieldValue struct {
	field string
	value float64
}

// tickFields extracts the populated fields of a Kite tick. Zero prices
// mean "not present" on this feed and are skipped; size and volume
// fields follow their price.
func tickFields(tick models.Tick) []fieldValue {
	out := make([]fieldValue, 0, 11)

	if tick.LastPrice > 0 {
		out = append(out, fieldValue{"last", tick.LastPrice})
		if tick.LastTradedQuantity > 0 {
			out = append(out, fieldValue{"last_size", float64(tick.LastTradedQuantity)})
		}
	}
	if len(tick.Depth.Buy) > 0 && tick.Depth.Buy[0].Price > 0 {
		out = append(out, fieldValue{"bid", tick.Depth.Buy[0].Price})
		out = append(out, fieldValue{"bid_size", float64(tick.Depth.Buy[0].Quantity)})
	}
	if len(tick.Depth.Sell) > 0 && tick.Depth.Sell[0].Price > 0 {
		out = append(out, fieldValue{"ask", tick.Depth.Sell[0].Price})
		out = append(out, fieldValue{"ask_size", float64(tick.Depth.Sell[0].Quantity)})
	}
	if tick.VolumeTraded > 0 {
		out = append(out, fieldValue{"volume", float64(tick.VolumeTraded)})
	}
	if tick.OHLC.Open > 0 {
		out = append(out, fieldValue{"open", tick.OHLC.Open})
	}
	if tick.OHLC.High > 0 {
		out = append(out, fieldValue{"high", tick.OHLC.High})
	}
	if tick.OHLC.Low > 0 {
		out = append(out, fieldValue{"low", tick.OHLC.Low})
	}
	if tick.OHLC.Close > 0 {
		out = append(out, fieldValue{"close", tick.OHLC.Close})
	}
	return out
}

// RequestContractDetails resolves a contract against the exchange's
// instrument dump. The REST call runs on its own goroutine; the reply
// arrives via the handler like every other broker response.
func (c *Conn) RequestContractDetails(reqID int64, contract market.Contract) error {
	c.mu.Lock()
	rest := c.rest
	h := c.handler
	c.mu.Unlock()
	if rest == nil || h == nil {
		return fmt.Errorf("kite: no active session")
	}

	exchange := contract.Exchange
	if exchange == "" {
		exchange = c.exchange
	}

	go func() {
		instruments, err := rest.GetInstrumentsByExchange(exchange)
		if err != nil {
			h.OnRequestError(reqID, 0, fmt.Sprintf("instrument lookup failed: %v", err))
			return
		}
		want := contract.LocalSymbol
		if want == "" {
			want = contract.Symbol
		}
		for _, inst := range instruments {
			if inst.Tradingsymbol != want {
				continue
			}
			resolved := contract
			resolved.ConID = int64(inst.InstrumentToken)
			resolved.Exchange = inst.Exchange
			h.OnContractDetails(reqID, market.ContractDetails{
				Contract:   resolved,
				LongName:   inst.Name,
				MarketName: inst.Segment,
				MinTick:    inst.TickSize,
			})
			return
		}
		h.OnRequestError(reqID, 0, fmt.Sprintf("no instrument %q on %s", want, exchange))
	}()
	return nil
}

// RequestHistoricalData fetches OHLCV bars over REST and replays them
// through the handler as individual bars followed by an end marker.
func (c *Conn) RequestHistoricalData(reqID int64, contract market.Contract, q broker.HistoricalQuery) error {
	c.mu.Lock()
	rest := c.rest
	h := c.handler
	c.mu.Unlock()
	if rest == nil || h == nil {
		return fmt.Errorf("kite: no active session")
	}
	if contract.ConID <= 0 {
		return fmt.Errorf("kite: contract %s has no instrument token", contract.Symbol)
	}

	to := q.End
	if to.IsZero() {
		to = time.Now()
	}
	from := to.AddDate(0, 0, -durationDays(q.Duration))
	interval := mapBarSize(q.BarSize)

	go func() {
		bars, err := rest.GetHistoricalData(int(contract.ConID), interval, from, to, false, false)
		if err != nil {
			h.OnRequestError(reqID, 0, fmt.Sprintf("historical data failed: %v", err))
			return
		}
		for _, b := range bars {
			h.OnHistoricalBar(reqID, market.BarData{
				Time:   b.Date.Time,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: int64(b.Volume),
			})
		}
		h.OnHistoricalEnd(reqID)
	}()
	return nil
}

// durationDays parses duration strings of the form "10 D", "2 W",
// "6 M", "1 Y". Unparseable input defaults to 10 days.
func durationDays(s string) int {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(s)))
	if len(parts) != 2 {
		return 10
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 10
	}
	switch parts[1] {
	case "D":
		return n
	case "W":
		return n * 7
	case "M":
		return n * 30
	case "Y":
		return n * 365
	}
	return 10
}

// mapBarSize translates generic bar-size names to Kite interval names.
func mapBarSize(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1 day", "1d", "day":
		return "day"
	case "1 min", "1 minute", "minute":
		return "minute"
	case "5 min", "5 mins", "5 minute":
		return "5minute"
	case "15 min", "15 mins", "15 minute":
		return "15minute"
	case "30 min", "30 mins", "30 minute":
		return "30minute"
	case "1 hour", "60 min", "hour":
		return "60minute"
	default:
		return s
	}
}
