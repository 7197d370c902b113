package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdesk/marketdesk/market"
)

func stockCtx(symbol string) Context {
	return Context{
		AssetType:   market.AssetStock,
		Symbol:      symbol,
		LocalSymbol: symbol,
		Kind:        RequestRealtime,
	}
}

func TestTrackerRegisterLookup(t *testing.T) {
	tr := NewTracker(nil)

	reqID := tr.NextID()
	require.NoError(t, tr.Register(reqID, stockCtx("AAPL")))

	ctx, ok := tr.Lookup(reqID)
	require.True(t, ok)
	assert.Equal(t, "AAPL", ctx.Symbol)
	assert.Equal(t, RequestRealtime, ctx.Kind)
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerDuplicateRegister(t *testing.T) {
	tr := NewTracker(nil)

	reqID := tr.NextID()
	require.NoError(t, tr.Register(reqID, stockCtx("AAPL")))
	err := tr.Register(reqID, stockCtx("TSLA"))
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	// The original entry survives.
	ctx, ok := tr.Lookup(reqID)
	require.True(t, ok)
	assert.Equal(t, "AAPL", ctx.Symbol)
}

func TestTrackerLookupMiss(t *testing.T) {
	tr := NewTracker(nil)

	_, ok := tr.Lookup(999)
	assert.False(t, ok)
}

func TestTrackerUnregisterIdempotent(t *testing.T) {
	tr := NewTracker(nil)

	reqID := tr.NextID()
	require.NoError(t, tr.Register(reqID, stockCtx("AAPL")))

	tr.Unregister(reqID)
	_, ok := tr.Lookup(reqID)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())

	// Second unregister and unknown ids are no-ops.
	tr.Unregister(reqID)
	tr.Unregister(12345)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerUnregisterClearsReverseIndex(t *testing.T) {
	tr := NewTracker(nil)

	reqID := tr.NextID()
	require.NoError(t, tr.Register(reqID, stockCtx("AAPL")))
	tr.Unregister(reqID)

	_, ok := tr.RequestFor("AAPL", "AAPL", RequestRealtime)
	assert.False(t, ok)
}

func TestTrackerGetOrCreateDedupes(t *testing.T) {
	tr := NewTracker(nil)

	existed, first := tr.GetOrCreate(stockCtx("AAPL"))
	assert.False(t, existed)

	existed, second := tr.GetOrCreate(stockCtx("AAPL"))
	assert.True(t, existed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, tr.Len())

	// A different kind for the same contract is a distinct request.
	histCtx := stockCtx("AAPL")
	histCtx.Kind = RequestHistorical
	existed, third := tr.GetOrCreate(histCtx)
	assert.False(t, existed)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, tr.Len())
}

func TestTrackerUnregisterAll(t *testing.T) {
	tr := NewTracker(nil)

	for _, sym := range []string{"AAPL", "TSLA", "MSFT"} {
		reqID := tr.NextID()
		require.NoError(t, tr.Register(reqID, stockCtx(sym)))
	}
	require.Equal(t, 3, tr.Len())

	tr.UnregisterAll()
	assert.Equal(t, 0, tr.Len())
	_, ok := tr.RequestFor("AAPL", "AAPL", RequestRealtime)
	assert.False(t, ok)
}

func TestTrackerPendingBars(t *testing.T) {
	tr := NewTracker(nil)
	reqID := tr.NextID()

	// Appending before init is dropped.
	tr.AppendPending(reqID, market.BarData{Close: 1})
	assert.Empty(t, tr.TakePending(reqID))

	tr.InitPending(reqID)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tr.AppendPending(reqID, market.BarData{
			Time:  base.AddDate(0, 0, i),
			Close: float64(100 + i),
		})
	}

	bars := tr.TakePending(reqID)
	require.Len(t, bars, 3)
	assert.Equal(t, 100.0, bars[0].Close)
	assert.Equal(t, 102.0, bars[2].Close)

	// Take clears the buffer.
	assert.Empty(t, tr.TakePending(reqID))
}

func TestTrackerNextIDUnique(t *testing.T) {
	tr := NewTracker(nil)

	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := tr.NextID()
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				reqID := tr.NextID()
				_ = tr.Register(reqID, stockCtx("AAPL"))
				tr.Lookup(reqID)
				tr.Unregister(reqID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Len())
}
