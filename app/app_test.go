package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdesk/marketdesk/bridge"
	"github.com/marketdesk/marketdesk/market"
)

func TestLoadConfigRequiresCredentials(t *testing.T) {
	a := NewApp(nil)
	a.Config.BrokerAPIKey = ""
	a.Config.BrokerAccessToken = ""

	err := a.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_API_KEY")

	a.Config.BrokerAPIKey = "key"
	err = a.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_ACCESS_TOKEN")
}

func TestLoadConfigDefaults(t *testing.T) {
	a := NewApp(nil)
	a.Config.BrokerAPIKey = "key"
	a.Config.BrokerAccessToken = "token"

	require.NoError(t, a.LoadConfig())
	assert.Equal(t, bridge.DefaultInterval, a.Config.BridgeInterval)
	assert.Equal(t, bridge.DefaultCapacity, a.Config.BridgeCapacity)
	assert.Equal(t, bridge.DefaultBatchSize, a.Config.BridgeBatchSize)
	assert.Equal(t, 5, a.Config.ReconnectMaxRetries)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("BRIDGE_INTERVAL_MS", "25")
	t.Setenv("BRIDGE_CAPACITY", "1024")
	t.Setenv("BRIDGE_BATCH_SIZE", "50")
	t.Setenv("RECONNECT_MAX_RETRIES", "2")

	a := NewApp(nil)
	a.Config.BrokerAPIKey = "key"
	a.Config.BrokerAccessToken = "token"

	require.NoError(t, a.LoadConfig())
	assert.Equal(t, 25*time.Millisecond, a.Config.BridgeInterval)
	assert.Equal(t, 1024, a.Config.BridgeCapacity)
	assert.Equal(t, 50, a.Config.BridgeBatchSize)
	assert.Equal(t, 2, a.Config.ReconnectMaxRetries)
}

func TestLoadConfigIgnoresBadValues(t *testing.T) {
	t.Setenv("BRIDGE_INTERVAL_MS", "not-a-number")
	t.Setenv("BRIDGE_CAPACITY", "-5")

	a := NewApp(nil)
	a.Config.BrokerAPIKey = "key"
	a.Config.BrokerAccessToken = "token"

	require.NoError(t, a.LoadConfig())
	assert.Equal(t, bridge.DefaultInterval, a.Config.BridgeInterval)
	assert.Equal(t, bridge.DefaultCapacity, a.Config.BridgeCapacity)
}

func TestSnapshotTableFoldsTicks(t *testing.T) {
	s := NewSnapshotTable()

	_, ok := s.Get("AAPL", "AAPL")
	assert.False(t, ok)

	s.Apply([]market.Message{
		market.NewTick(market.AssetStock, "AAPL", "AAPL", market.FieldLast, 187.25),
		market.NewTick(market.AssetStock, "AAPL", "AAPL", market.FieldBid, 187.20),
		market.NewTick(market.AssetStock, "AAPL", "AAPL", market.FieldLast, 187.30),
	})

	tick, ok := s.Get("AAPL", "AAPL")
	require.True(t, ok)
	assert.Equal(t, 187.30, tick.Last)
	assert.Equal(t, 187.20, tick.Bid)
}

func TestSnapshotTableTracksInstrumentsSeparately(t *testing.T) {
	s := NewSnapshotTable()

	s.Apply([]market.Message{
		market.NewTick(market.AssetStock, "AAPL", "AAPL", market.FieldLast, 187.25),
		market.NewTick(market.AssetFuture, "ES", "ESU6", market.FieldLast, 6450.50),
	})

	assert.Len(t, s.All(), 2)
	aapl, ok := s.Get("AAPL", "AAPL")
	require.True(t, ok)
	assert.Equal(t, 187.25, aapl.Last)

	es, ok := s.Get("ES", "ESU6")
	require.True(t, ok)
	assert.Equal(t, 6450.50, es.Last)
}

func TestSnapshotTableConnectionState(t *testing.T) {
	s := NewSnapshotTable()
	assert.False(t, s.Connected())

	s.Apply([]market.Message{market.NewConnection(true)})
	assert.True(t, s.Connected())

	s.Apply([]market.Message{market.NewConnection(false)})
	assert.False(t, s.Connected())
}
