package market

import "time"

// Contract identifies a tradable instrument at the broker. ConID is the
// broker's numeric contract identifier when known; LocalSymbol
// disambiguates instruments (e.g. futures months) sharing a symbol.
type Contract struct {
	ConID       int64
	Symbol      string
	LocalSymbol string
	AssetType   AssetType
	Exchange    string
	Currency    string

	// Derivative-only fields; zero for stocks.
	Expiry       time.Time
	Strike       float64
	Right        string // "C" or "P" for options
	Multiplier   string
	TradingClass string
}

// Key returns the "symbol|localSymbol" identifier used to correlate a
// contract with its tick stream.
func (c Contract) Key() string {
	return c.Symbol + "|" + c.LocalSymbol
}

// ContractDetails is the broker's resolved description of a contract.
type ContractDetails struct {
	Contract   Contract
	LongName   string
	MarketName string
	MinTick    float64
	TimeZone   string
}
