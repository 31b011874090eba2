package account

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// Cache is a SQLite read-through cache in front of a Store: lookups first
// consult SQLite, and on a miss fall back to the authoritative store and
// populate the cache. Invalidate drops a row; the Store's Create/Remove do
// not call it, so a cached row is not updated when its account changes.
// Grounded on pkg/database's sql.DB + inline-migration
// shape, repurposed from document rows to account rows.
type Cache struct {
	db    *sql.DB
	store *Store
}

// NewCache opens (creating if necessary) a SQLite cache at uri backed by
// store.
func NewCache(uri string, store *Store) (*Cache, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open account cache: %w", infinoerr.ErrStorage)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS account (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password_salt TEXT,
		password_hash TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create account cache schema: %w", infinoerr.ErrStorage)
	}

	return &Cache{db: db, store: store}, nil
}

// Close releases the underlying SQLite connection.
func (c *Cache) Close() error { return c.db.Close() }

// Lookup returns the account for id, serving from SQLite when possible
// and populating the cache on a miss against the authoritative store.
func (c *Cache) Lookup(id string) (*Account, bool, error) {
	var a Account
	err := c.db.QueryRow(
		`SELECT id, name, password_salt, password_hash FROM account WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.PasswordSalt, &a.PasswordHash)
	if err == nil {
		return &a, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("query account cache: %w", infinoerr.ErrStorage)
	}

	fresh, ok := c.store.Lookup(id)
	if !ok {
		return nil, false, nil
	}
	if err := c.populate(fresh); err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// Invalidate drops id's cached row, e.g. after the account's password or
// name changes in the authoritative store.
func (c *Cache) Invalidate(id string) error {
	_, err := c.db.Exec(`DELETE FROM account WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("invalidate account cache: %w", infinoerr.ErrStorage)
	}
	return nil
}

func (c *Cache) populate(a *Account) error {
	_, err := c.db.Exec(
		`INSERT INTO account (id, name, password_salt, password_hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
		   password_salt = excluded.password_salt, password_hash = excluded.password_hash`,
		a.ID, a.Name, a.PasswordSalt, a.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("populate account cache: %w", infinoerr.ErrStorage)
	}
	return nil
}
