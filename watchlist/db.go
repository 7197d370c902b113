package watchlist

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marketdesk/marketdesk/market"
)

// DB provides SQLite persistence for the watchlist.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the SQLite database at path and ensures the
// schema exists.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS watchlist (
    key          TEXT PRIMARY KEY,
    symbol       TEXT NOT NULL,
    local_symbol TEXT NOT NULL,
    asset_type   TEXT NOT NULL,
    con_id       INTEGER NOT NULL DEFAULT 0,
    exchange     TEXT NOT NULL DEFAULT '',
    currency     TEXT NOT NULL DEFAULT '',
    added_at     TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveEntry inserts or replaces one watchlist entry.
func (d *DB) SaveEntry(e Entry) error {
	c := e.Contract
	_, err := d.db.Exec(`INSERT OR REPLACE INTO watchlist
		(key, symbol, local_symbol, asset_type, con_id, exchange, currency, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Key(), c.Symbol, c.LocalSymbol, string(c.AssetType), c.ConID,
		c.Exchange, c.Currency, e.AddedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save watchlist entry: %w", err)
	}
	return nil
}

// DeleteEntry removes one entry by contract key.
func (d *DB) DeleteEntry(key string) error {
	if _, err := d.db.Exec(`DELETE FROM watchlist WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete watchlist entry: %w", err)
	}
	return nil
}

// DeleteAll removes every entry.
func (d *DB) DeleteAll() error {
	if _, err := d.db.Exec(`DELETE FROM watchlist`); err != nil {
		return fmt.Errorf("clear watchlist: %w", err)
	}
	return nil
}

// LoadEntries reads all persisted entries.
func (d *DB) LoadEntries() ([]Entry, error) {
	rows, err := d.db.Query(`SELECT symbol, local_symbol, asset_type, con_id,
		exchange, currency, added_at FROM watchlist`)
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			assetType string
			addedAt   string
		)
		if err := rows.Scan(&e.Contract.Symbol, &e.Contract.LocalSymbol, &assetType,
			&e.Contract.ConID, &e.Contract.Exchange, &e.Contract.Currency, &addedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist entry: %w", err)
		}
		e.Contract.AssetType = market.AssetType(assetType)
		if t, err := time.Parse(time.RFC3339, addedAt); err == nil {
			e.AddedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
