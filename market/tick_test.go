package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickDataWithUpdateImmutable(t *testing.T) {
	orig := NewTickData("AAPL", "AAPL")

	updated := orig.WithUpdate(FieldLast, 150.50)

	assert.Equal(t, 0.0, orig.Last, "original snapshot must not change")
	assert.Equal(t, 150.50, updated.Last)
	assert.Equal(t, "AAPL", updated.Symbol)
	assert.False(t, updated.Timestamp.Before(orig.Timestamp))
}

func TestTickDataWithUpdateFields(t *testing.T) {
	tick := NewTickData("ES", "ESZ6")

	tick = tick.WithUpdates(map[Field]float64{
		FieldBid:     4500.25,
		FieldAsk:     4500.50,
		FieldBidSize: 12,
		FieldAskSize: 7,
		FieldVolume:  123456,
		FieldHalted:  1,
	})

	assert.Equal(t, 4500.25, tick.Bid)
	assert.Equal(t, 4500.50, tick.Ask)
	assert.Equal(t, int64(12), tick.BidSize)
	assert.Equal(t, int64(7), tick.AskSize)
	assert.Equal(t, int64(123456), tick.Volume)
	assert.True(t, tick.Halted)
	assert.InDelta(t, 0.25, tick.Spread(), 1e-9)
}

func TestTickDataWithUpdateUnknownField(t *testing.T) {
	tick := NewTickData("AAPL", "AAPL").WithUpdate(FieldLast, 100)

	same := tick.WithUpdate(Field("shortable"), 3)

	assert.Equal(t, tick, same)
}

func TestTickDataChange(t *testing.T) {
	tick := NewTickData("AAPL", "AAPL").WithUpdates(map[Field]float64{
		FieldLast:  110,
		FieldClose: 100,
	})

	assert.InDelta(t, 10.0, tick.Change(), 1e-9)
	assert.InDelta(t, 10.0, tick.ChangeValue(), 1e-9)

	// Change is undefined without a close price.
	fresh := NewTickData("AAPL", "AAPL").WithUpdate(FieldLast, 110)
	assert.Equal(t, 0.0, fresh.Change())
}

func TestTickDataKey(t *testing.T) {
	assert.Equal(t, "ES|ESZ6", NewTickData("ES", "ESZ6").Key())
}

func TestFieldFromTickType(t *testing.T) {
	tests := []struct {
		in    string
		want  Field
		known bool
	}{
		{"BID", FieldBid, true},
		{"bid_price", FieldBid, true},
		{"ASK_SIZE", FieldAskSize, true},
		{"asksize", FieldAskSize, true},
		{"LastSize", FieldLastSize, true},
		{"VOLUME", FieldVolume, true},
		{"halted", FieldHalted, true},
		{"SHORTABLE", Field("shortable"), false},
	}

	for _, tt := range tests {
		got, known := FieldFromTickType(tt.in)
		assert.Equal(t, tt.want, got, "tick type %q", tt.in)
		assert.Equal(t, tt.known, known, "tick type %q", tt.in)
	}
}

func TestBarDataDerived(t *testing.T) {
	bull := BarData{Open: 100, High: 112, Low: 98, Close: 110, Volume: 1000}
	assert.InDelta(t, 10.0, bull.BodySize(), 1e-9)
	assert.InDelta(t, 14.0, bull.RangeSize(), 1e-9)
	assert.True(t, bull.IsBullish())
	assert.False(t, bull.IsBearish())

	bear := BarData{Open: 110, High: 112, Low: 98, Close: 100}
	assert.True(t, bear.IsBearish())
}

func TestMessageConstructors(t *testing.T) {
	tick := NewTick(AssetStock, "AAPL", "AAPL", FieldBid, 150.25)
	assert.Equal(t, KindTick, tick.Kind)
	assert.Equal(t, 150.25, tick.Value)
	assert.False(t, tick.Timestamp.IsZero())

	up := NewConnection(true)
	assert.Equal(t, KindConnection, up.Kind)
	assert.True(t, up.Connected())
	assert.False(t, NewConnection(false).Connected())

	errMsg := NewError("AAPL", 354, "not subscribed")
	assert.Equal(t, KindError, errMsg.Kind)
	assert.Equal(t, "AAPL", errMsg.Symbol)
	assert.Equal(t, 354.0, errMsg.Value)
	assert.Equal(t, "not subscribed", errMsg.Text)
}
