package broker

import (
	"log/slog"
	"sync"

	"github.com/marketdesk/marketdesk/market"
)

// RequestKind names the purpose of an outstanding broker request.
type RequestKind string

const (
	RequestRealtime        RequestKind = "realtime"
	RequestContractDetails RequestKind = "contract_details"
	RequestHistorical      RequestKind = "historical"
)

// Context is the subscription context recorded for an outstanding
// request id, used to label incoming ticks.
type Context struct {
	AssetType   market.AssetType
	Symbol      string
	LocalSymbol string
	ContractID  int64
	Kind        RequestKind
}

type contractKey struct {
	symbol      string
	localSymbol string
	kind        RequestKind
}

// Tracker is a thread-safe registry from broker request id to
// subscription context. Register and Unregister run on the caller's
// goroutine while Lookup runs on the network goroutine, so every method
// takes the single internal mutex; critical sections hold no I/O.
type Tracker struct {
	mu         sync.Mutex
	nextID     int64
	requests   map[int64]Context
	byContract map[contractKey]int64
	pending    map[int64][]market.BarData
	logger     *slog.Logger
}

// NewTracker creates an empty tracker. A nil logger falls back to
// slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		requests:   make(map[int64]Context),
		byContract: make(map[contractKey]int64),
		pending:    make(map[int64][]market.BarData),
		logger:     logger,
	}
}

// NextID returns the next unique request id.
func (t *Tracker) NextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// Register inserts a new mapping. Registering an id twice returns
// ErrAlreadyRegistered and leaves the existing entry untouched; that
// means an id-reuse bug upstream, not an expected race.
func (t *Tracker) Register(reqID int64, ctx Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.requests[reqID]; ok {
		t.logger.Warn("Request id already registered", "req_id", reqID, "symbol", ctx.Symbol)
		return ErrAlreadyRegistered
	}
	t.requests[reqID] = ctx
	t.byContract[contractKey{ctx.Symbol, ctx.LocalSymbol, ctx.Kind}] = reqID
	return nil
}

// Lookup returns the context for a request id. A miss is an expected
// race (unsubscribe vs in-flight callback) and reports ok=false.
func (t *Tracker) Lookup(reqID int64) (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.requests[reqID]
	return ctx, ok
}

// Unregister removes a request and all associated data. Removing an
// unknown id is a no-op.
func (t *Tracker) Unregister(reqID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisterLocked(reqID)
}

func (t *Tracker) unregisterLocked(reqID int64) {
	if ctx, ok := t.requests[reqID]; ok {
		delete(t.byContract, contractKey{ctx.Symbol, ctx.LocalSymbol, ctx.Kind})
		delete(t.requests, reqID)
	}
	delete(t.pending, reqID)
}

// UnregisterAll clears every entry; used on disconnect.
func (t *Tracker) UnregisterAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = make(map[int64]Context)
	t.byContract = make(map[contractKey]int64)
	t.pending = make(map[int64][]market.BarData)
}

// Len returns the number of active requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// RequestFor returns the request id already registered for a contract
// and kind, if any.
func (t *Tracker) RequestFor(symbol, localSymbol string, kind RequestKind) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqID, ok := t.byContract[contractKey{symbol, localSymbol, kind}]
	return reqID, ok
}

// GetOrCreate returns the existing request id for the context's contract
// and kind, or atomically allocates and registers a new one. existed
// tells the caller whether a wire request still needs to be sent.
func (t *Tracker) GetOrCreate(ctx Context) (existed bool, reqID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := contractKey{ctx.Symbol, ctx.LocalSymbol, ctx.Kind}
	if reqID, ok := t.byContract[key]; ok {
		return true, reqID
	}

	t.nextID++
	reqID = t.nextID
	t.requests[reqID] = ctx
	t.byContract[key] = reqID
	return false, reqID
}

// InitPending starts an accumulation buffer for a multi-callback reply
// such as historical bars.
func (t *Tracker) InitPending(reqID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[reqID] = []market.BarData{}
}

// AppendPending adds a bar to the accumulation buffer. Appending to an
// uninitialized buffer is a no-op.
func (t *Tracker) AppendPending(reqID int64, bar market.BarData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bars, ok := t.pending[reqID]; ok {
		t.pending[reqID] = append(bars, bar)
	}
}

// TakePending returns the accumulated bars and clears the buffer.
func (t *Tracker) TakePending(reqID int64) []market.BarData {
	t.mu.Lock()
	defer t.mu.Unlock()
	bars := t.pending[reqID]
	delete(t.pending, reqID)
	return bars
}
