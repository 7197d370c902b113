// Package broker owns the connection lifecycle to the external broker
// and translates its asynchronous network-goroutine callbacks into
// bridge messages. The request tracker and the bridge queue are the only
// two gates through which state crosses between the network goroutine
// and the consumer goroutine.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketdesk/marketdesk/market"
	"github.com/marketdesk/marketdesk/watchlist"
)

// State is the connection state of the Client.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Sink receives messages bound for the consumer goroutine.
// *bridge.Bridge implements Sink.
type Sink interface {
	Enqueue(msg market.Message)
}

// Handle is an opaque token for one logical realtime subscription. A
// handle stays valid across reconnects; the underlying broker request
// ids are re-resolved through the tracker when it is cancelled.
type Handle struct {
	id       string
	contract market.Contract
}

// ID returns the handle's identifier.
func (h *Handle) ID() string { return h.id }

// Contract returns the subscribed contract.
func (h *Handle) Contract() market.Contract { return h.contract }

// Config holds configuration for creating a Client.
type Config struct {
	Conn        Conn             // required: broker session implementation
	Bridge      Sink             // required: consumer-bound message queue
	Tracker     *Tracker         // optional: defaults to a fresh tracker
	Watchlist   *watchlist.Store // optional: retained desired subscriptions
	Logger      *slog.Logger     // optional: defaults to slog.Default()
	Endpoint    string
	Credentials Credentials

	// Reconnection policy for unexpected disconnects. Zero retries
	// disables automatic reconnection.
	ReconnectMaxRetries int
	ReconnectBaseDelay  time.Duration // default 1s, doubled per attempt
	ReconnectMaxDelay   time.Duration // default 30s
}

// Client is the broker facade. All exported methods are safe for
// concurrent use; callback handling runs on the Conn's network goroutine
// and crosses into consumer-visible state only through the tracker and
// the bridge.
type Client struct {
	conn    Conn
	bridge  Sink
	tracker *Tracker
	desired *watchlist.Store
	logger  *slog.Logger
	cfg     Config

	mu            sync.Mutex
	state         State
	cancel        context.CancelFunc
	wantConnected bool
	reconnecting  bool
	handles       map[string]*Handle
	oneShots      map[int64]chan oneShotReply
}

type oneShotReply struct {
	details market.ContractDetails
	bars    []market.BarData
	err     error
}

// New creates a Client. Conn and Bridge are required.
func New(cfg Config) (*Client, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("broker: Conn is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("broker: Bridge is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewTracker(logger)
	}
	desired := cfg.Watchlist
	if desired == nil {
		desired = watchlist.NewStore(logger)
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}

	return &Client{
		conn:     cfg.Conn,
		bridge:   cfg.Bridge,
		tracker:  tracker,
		desired:  desired,
		logger:   logger,
		cfg:      cfg,
		state:    StateDisconnected,
		handles:  make(map[string]*Handle),
		oneShots: make(map[int64]chan oneShotReply),
	}, nil
}

// Tracker returns the request state tracker.
func (c *Client) Tracker() *Tracker { return c.tracker }

// Watchlist returns the retained desired-subscription store.
func (c *Client) Watchlist() *watchlist.Store { return c.desired }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect initiates the session. It returns once the network run loop
// has been handed off; the transition to StateConnected is observed
// asynchronously via the connected lifecycle event. Operations issued
// before that transition fail with ErrNotConnected.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// connect dials the session. retry marks a dial made by the reconnect
// loop: its failure must leave wantConnected set, otherwise the
// remaining retries would read the failed dial as a requested
// disconnect and stop. Only Disconnect clears the user's intent.
func (c *Client) connect(ctx context.Context, retry bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.wantConnected = true

	// The session outlives the Connect call; its lifetime is governed
	// by Disconnect, not by the caller's context.
	serveCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("Connecting to broker", "endpoint", c.cfg.Endpoint)
	if err := c.conn.Dial(serveCtx, c.cfg.Endpoint, c.cfg.Credentials, connEvents{c}); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		if !retry {
			c.wantConnected = false
		}
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("dial broker: %w", err)
	}
	return nil
}

// Disconnect tears down the session, clears all request state and fails
// pending one-shot requests. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.wantConnected = false
	c.state = StateDisconnecting
	cancel := c.cancel
	c.cancel = nil
	pending := c.takeOneShotsLocked()
	c.handles = make(map[string]*Handle)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("Error closing broker connection", "error", err)
	}
	failOneShots(pending, ErrBrokerDisconnected)
	c.tracker.UnregisterAll()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.bridge.Enqueue(market.NewConnection(false))
	c.logger.Info("Disconnected from broker")
	return nil
}

// SubscribeRealtime subscribes to real-time market data for the
// contract and returns a handle for later cancellation. Subscribing to
// an already-subscribed contract reuses the outstanding broker request.
// The contract is also retained in the desired-subscription store so it
// survives reconnects.
func (c *Client) SubscribeRealtime(contract market.Contract) (*Handle, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	existed, reqID := c.tracker.GetOrCreate(Context{
		AssetType:   contract.AssetType,
		Symbol:      contract.Symbol,
		LocalSymbol: contract.LocalSymbol,
		ContractID:  contract.ConID,
		Kind:        RequestRealtime,
	})
	if existed {
		c.logger.Debug("Already subscribed", "req_id", reqID, "symbol", contract.Symbol)
	} else {
		if err := c.conn.Subscribe(reqID, contract); err != nil {
			c.tracker.Unregister(reqID)
			return nil, fmt.Errorf("subscribe %s: %w", contract.Symbol, err)
		}
		c.logger.Info("Subscribed to realtime data",
			"req_id", reqID, "symbol", contract.Symbol, "local_symbol", contract.LocalSymbol)
	}

	c.desired.Add(contract)

	h := &Handle{id: uuid.New().String()[:8], contract: contract}
	c.mu.Lock()
	c.handles[h.id] = h
	c.mu.Unlock()
	return h, nil
}

// UnsubscribeRealtime cancels the subscription behind the handle and
// removes the contract from the desired-subscription store.
// Cancellation is best-effort: callbacks already past the tracker lookup
// may still deliver a final stray message.
func (c *Client) UnsubscribeRealtime(h *Handle) error {
	if h == nil {
		return ErrUnknownHandle
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	_, known := c.handles[h.id]
	delete(c.handles, h.id)
	c.mu.Unlock()

	if !known {
		return ErrUnknownHandle
	}

	c.desired.Remove(h.contract)

	reqID, ok := c.tracker.RequestFor(h.contract.Symbol, h.contract.LocalSymbol, RequestRealtime)
	if !ok {
		c.logger.Warn("No outstanding request for subscription", "symbol", h.contract.Symbol)
		return nil
	}
	if err := c.conn.Unsubscribe(reqID); err != nil {
		c.logger.Warn("Unsubscribe failed", "req_id", reqID, "symbol", h.contract.Symbol, "error", err)
	}
	c.tracker.Unregister(reqID)
	c.logger.Info("Unsubscribed from realtime data", "req_id", reqID, "symbol", h.contract.Symbol)
	return nil
}

// ContractDetails looks up the broker's description of a contract. The
// caller bounds the wait through ctx; on expiry the request state is
// unregistered and ErrRequestTimeout returned.
func (c *Client) ContractDetails(ctx context.Context, contract market.Contract) (market.ContractDetails, error) {
	reqID, ch, err := c.beginOneShot(contract, RequestContractDetails)
	if err != nil {
		return market.ContractDetails{}, err
	}

	if err := c.conn.RequestContractDetails(reqID, contract); err != nil {
		c.finishOneShot(reqID)
		return market.ContractDetails{}, fmt.Errorf("contract details %s: %w", contract.Symbol, err)
	}
	c.logger.Debug("Requested contract details", "req_id", reqID, "symbol", contract.Symbol)

	select {
	case reply := <-ch:
		if reply.err != nil {
			return market.ContractDetails{}, reply.err
		}
		return reply.details, nil
	case <-ctx.Done():
		c.finishOneShot(reqID)
		return market.ContractDetails{}, ErrRequestTimeout
	}
}

// HistoricalData fetches OHLCV bars for a contract. Bars accumulate in
// the tracker until the broker signals completion; ctx bounds the whole
// exchange.
func (c *Client) HistoricalData(ctx context.Context, contract market.Contract, q HistoricalQuery) ([]market.BarData, error) {
	reqID, ch, err := c.beginOneShot(contract, RequestHistorical)
	if err != nil {
		return nil, err
	}
	c.tracker.InitPending(reqID)

	if err := c.conn.RequestHistoricalData(reqID, contract, q); err != nil {
		c.finishOneShot(reqID)
		return nil, fmt.Errorf("historical data %s: %w", contract.Symbol, err)
	}
	c.logger.Debug("Requested historical data",
		"req_id", reqID, "symbol", contract.Symbol, "duration", q.Duration, "bar_size", q.BarSize)

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.bars, nil
	case <-ctx.Done():
		c.finishOneShot(reqID)
		return nil, ErrRequestTimeout
	}
}

func (c *Client) beginOneShot(contract market.Contract, kind RequestKind) (int64, chan oneShotReply, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.mu.Unlock()

	reqID := c.tracker.NextID()
	if err := c.tracker.Register(reqID, Context{
		AssetType:   contract.AssetType,
		Symbol:      contract.Symbol,
		LocalSymbol: contract.LocalSymbol,
		ContractID:  contract.ConID,
		Kind:        kind,
	}); err != nil {
		return 0, nil, err
	}

	ch := make(chan oneShotReply, 1)
	c.mu.Lock()
	c.oneShots[reqID] = ch
	c.mu.Unlock()
	return reqID, ch, nil
}

// finishOneShot abandons a one-shot request, releasing its tracker entry
// so a late reply is dropped instead of leaking state.
func (c *Client) finishOneShot(reqID int64) {
	c.mu.Lock()
	delete(c.oneShots, reqID)
	c.mu.Unlock()
	c.tracker.Unregister(reqID)
}

// takeOneShot removes and returns the reply channel for a request id.
func (c *Client) takeOneShot(reqID int64) (chan oneShotReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.oneShots[reqID]
	if ok {
		delete(c.oneShots, reqID)
	}
	return ch, ok
}

func (c *Client) takeOneShotsLocked() []chan oneShotReply {
	pending := make([]chan oneShotReply, 0, len(c.oneShots))
	for _, ch := range c.oneShots {
		pending = append(pending, ch)
	}
	c.oneShots = make(map[int64]chan oneShotReply)
	return pending
}

func failOneShots(pending []chan oneShotReply, err error) {
	for _, ch := range pending {
		// Buffered; never blocks the caller.
		select {
		case ch <- oneShotReply{err: err}:
		default:
		}
	}
}

// ---------------------------------------------------------------------
// Network-goroutine callback handling
// ---------------------------------------------------------------------

// connEvents adapts Conn callbacks onto the Client. Every method runs on
// the network goroutine and is wrapped so a panic is converted into a
// logged drop instead of escaping into the broker runtime.
type connEvents struct {
	c *Client
}

var _ Handler = connEvents{}

func (e connEvents) OnConnected() {
	defer e.c.recoverCallback("connected")()
	e.c.handleConnected()
}

func (e connEvents) OnDisconnected(err error) {
	defer e.c.recoverCallback("disconnected")()
	e.c.handleDisconnected(err)
}

func (e connEvents) OnTick(reqID int64, tickType string, value float64) {
	defer e.c.recoverCallback("tick")()
	e.c.handleTick(reqID, tickType, value)
}

func (e connEvents) OnContractDetails(reqID int64, details market.ContractDetails) {
	defer e.c.recoverCallback("contract_details")()
	e.c.handleContractDetails(reqID, details)
}

func (e connEvents) OnHistoricalBar(reqID int64, bar market.BarData) {
	defer e.c.recoverCallback("historical_bar")()
	e.c.tracker.AppendPending(reqID, bar)
}

func (e connEvents) OnHistoricalEnd(reqID int64) {
	defer e.c.recoverCallback("historical_end")()
	e.c.handleHistoricalEnd(reqID)
}

func (e connEvents) OnRequestError(reqID int64, code int, reason string) {
	defer e.c.recoverCallback("request_error")()
	e.c.handleRequestError(reqID, code, reason)
}

func (c *Client) recoverCallback(name string) func() {
	return func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in broker callback", "callback", name, "panic", r)
		}
	}
}

func (c *Client) handleConnected() {
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("Broker connection established")
	c.bridge.Enqueue(market.NewConnection(true))
	c.resubscribeDesired()
}

func (c *Client) handleDisconnected(err error) {
	c.mu.Lock()
	requested := !c.wantConnected
	c.state = StateDisconnected
	pending := c.takeOneShotsLocked()
	shouldReconnect := !requested && c.cfg.ReconnectMaxRetries > 0 && !c.reconnecting
	if shouldReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	failOneShots(pending, ErrBrokerDisconnected)
	c.tracker.UnregisterAll()

	if requested {
		// Disconnect() emits the lifecycle event for requested closes.
		c.logger.Debug("Broker connection closed")
		return
	}

	c.logger.Warn("Broker connection lost", "error", err)
	c.bridge.Enqueue(market.NewConnection(false))

	if shouldReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the connection with exponential backoff, bounded
// by ReconnectMaxRetries. Desired subscriptions are re-issued by the
// connected callback once a retry succeeds.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.ReconnectMaxRetries; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		abort := !c.wantConnected || c.state != StateDisconnected
		c.mu.Unlock()
		if abort {
			return
		}

		c.logger.Info("Reconnecting to broker", "attempt", attempt, "delay", delay)
		if err := c.connect(context.Background(), true); err != nil {
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			delay *= 2
			if delay > c.cfg.ReconnectMaxDelay {
				delay = c.cfg.ReconnectMaxDelay
			}
			continue
		}
		return
	}
	c.logger.Warn("Giving up on broker reconnection", "attempts", c.cfg.ReconnectMaxRetries)
}

// resubscribeDesired re-issues every retained subscription. Runs after
// (re)connect, when the tracker has been cleared.
func (c *Client) resubscribeDesired() {
	contracts := c.desired.List()
	for _, contract := range contracts {
		existed, reqID := c.tracker.GetOrCreate(Context{
			AssetType:   contract.AssetType,
			Symbol:      contract.Symbol,
			LocalSymbol: contract.LocalSymbol,
			ContractID:  contract.ConID,
			Kind:        RequestRealtime,
		})
		if existed {
			continue
		}
		if err := c.conn.Subscribe(reqID, contract); err != nil {
			c.logger.Error("Failed to resubscribe on connect",
				"req_id", reqID, "symbol", contract.Symbol, "error", err)
			c.tracker.Unregister(reqID)
			c.bridge.Enqueue(market.NewError(contract.Symbol, 0, "resubscribe failed: "+err.Error()))
		}
	}
	if len(contracts) > 0 {
		c.logger.Info("Resubscribed retained subscriptions", "count", len(contracts))
	}
}

func (c *Client) handleTick(reqID int64, tickType string, value float64) {
	reqCtx, ok := c.tracker.Lookup(reqID)
	if !ok {
		// Expected during the narrow race between unsubscribe and
		// in-flight callbacks.
		c.logger.Debug("Dropping tick for unknown request", "req_id", reqID, "tick_type", tickType)
		return
	}

	field, ok := market.FieldFromTickType(tickType)
	if !ok {
		c.logger.Debug("Dropping tick with unknown field", "req_id", reqID, "tick_type", tickType)
		return
	}
	c.bridge.Enqueue(market.NewTick(reqCtx.AssetType, reqCtx.Symbol, reqCtx.LocalSymbol, field, value))
}

func (c *Client) handleContractDetails(reqID int64, details market.ContractDetails) {
	ch, ok := c.takeOneShot(reqID)
	if !ok {
		c.logger.Debug("Dropping contract details for unknown request", "req_id", reqID)
		return
	}
	c.tracker.Unregister(reqID)
	ch <- oneShotReply{details: details}
}

func (c *Client) handleHistoricalEnd(reqID int64) {
	bars := c.tracker.TakePending(reqID)
	ch, ok := c.takeOneShot(reqID)
	if !ok {
		c.logger.Debug("Dropping historical data for unknown request", "req_id", reqID)
		return
	}
	c.tracker.Unregister(reqID)
	ch <- oneShotReply{bars: bars}
}

func (c *Client) handleRequestError(reqID int64, code int, reason string) {
	if ch, ok := c.takeOneShot(reqID); ok {
		c.tracker.Unregister(reqID)
		ch <- oneShotReply{err: fmt.Errorf("broker error %d: %s", code, reason)}
		return
	}

	if reqCtx, ok := c.tracker.Lookup(reqID); ok {
		c.logger.Warn("Subscription error",
			"req_id", reqID, "symbol", reqCtx.Symbol, "code", code, "reason", reason)
		c.bridge.Enqueue(market.NewError(reqCtx.Symbol, code, reason))
		return
	}

	c.logger.Debug("Error for unknown request", "req_id", reqID, "code", code, "reason", reason)
}
