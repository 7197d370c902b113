package app

import (
	"sync"

	"github.com/marketdesk/marketdesk/market"
)

// SnapshotTable maintains the latest-known TickData snapshot per
// instrument, the state a UI layer reads. Apply runs exclusively on the
// bridge's consumer goroutine; accessors take a read lock so other
// goroutines can observe the table.
type SnapshotTable struct {
	mu        sync.RWMutex
	ticks     map[string]market.TickData // "symbol|localSymbol" -> latest
	connected bool
}

// NewSnapshotTable creates an empty table.
func NewSnapshotTable() *SnapshotTable {
	return &SnapshotTable{
		ticks: make(map[string]market.TickData),
	}
}

// Apply folds one drained batch into the table.
func (s *SnapshotTable) Apply(batch []market.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range batch {
		switch msg.Kind {
		case market.KindTick:
			key := msg.Symbol + "|" + msg.LocalSymbol
			tick, ok := s.ticks[key]
			if !ok {
				tick = market.NewTickData(msg.Symbol, msg.LocalSymbol)
			}
			s.ticks[key] = tick.WithUpdate(msg.Field, msg.Value)
		case market.KindConnection:
			s.connected = msg.Connected()
		}
	}
}

// Get returns the latest snapshot for an instrument.
func (s *SnapshotTable) Get(symbol, localSymbol string) (market.TickData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.ticks[symbol+"|"+localSymbol]
	return tick, ok
}

// All returns every tracked snapshot.
func (s *SnapshotTable) All() []market.TickData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.TickData, 0, len(s.ticks))
	for _, tick := range s.ticks {
		out = append(out, tick)
	}
	return out
}

// Connected reports the last observed connection state.
func (s *SnapshotTable) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
