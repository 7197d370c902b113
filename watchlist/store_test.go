package watchlist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdesk/marketdesk/market"
)

func stock(symbol string) market.Contract {
	return market.Contract{
		ConID:       1,
		Symbol:      symbol,
		LocalSymbol: symbol,
		AssetType:   market.AssetStock,
		Exchange:    "NSE",
		Currency:    "INR",
	}
}

func TestStoreAddRemove(t *testing.T) {
	s := NewStore(nil)

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains(stock("INFY")))

	s.Add(stock("INFY"))
	s.Add(stock("TCS"))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains(stock("INFY")))

	// Re-adding is a no-op.
	s.Add(stock("INFY"))
	assert.Equal(t, 2, s.Len())

	s.Remove(stock("INFY"))
	assert.False(t, s.Contains(stock("INFY")))
	assert.Equal(t, 1, s.Len())

	// Removing an absent contract is a no-op.
	s.Remove(stock("INFY"))
	assert.Equal(t, 1, s.Len())
}

func TestStoreList(t *testing.T) {
	s := NewStore(nil)
	s.Add(stock("INFY"))
	s.Add(stock("TCS"))

	symbols := make(map[string]bool)
	for _, c := range s.List() {
		symbols[c.Symbol] = true
	}
	assert.True(t, symbols["INFY"])
	assert.True(t, symbols["TCS"])
}

func TestStoreClear(t *testing.T) {
	s := NewStore(nil)
	s.Add(stock("INFY"))
	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.db")

	db, err := OpenDB(path)
	require.NoError(t, err)

	s := NewStore(nil)
	s.SetDB(db)
	s.Add(stock("INFY"))
	s.Add(stock("RELIANCE"))
	s.Remove(stock("INFY"))
	require.NoError(t, db.Close())

	// A fresh store over the same file sees only what survived.
	db2, err := OpenDB(path)
	require.NoError(t, err)
	defer db2.Close()

	s2 := NewStore(nil)
	s2.SetDB(db2)
	require.NoError(t, s2.LoadFromDB())

	assert.Equal(t, 1, s2.Len())
	assert.True(t, s2.Contains(stock("RELIANCE")))
	assert.False(t, s2.Contains(stock("INFY")))

	contracts := s2.List()
	require.Len(t, contracts, 1)
	assert.Equal(t, "RELIANCE", contracts[0].Symbol)
	assert.Equal(t, market.AssetStock, contracts[0].AssetType)
	assert.Equal(t, "NSE", contracts[0].Exchange)
	assert.Equal(t, int64(1), contracts[0].ConID)
}

func TestStoreClearPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(nil)
	s.SetDB(db)
	s.Add(stock("INFY"))
	s.Clear()

	entries, err := db.LoadEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadFromDBWithoutDB(t *testing.T) {
	s := NewStore(nil)
	assert.NoError(t, s.LoadFromDB())
}
