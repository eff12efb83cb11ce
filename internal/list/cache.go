package list

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is a local sqlite store of archive messages already fetched, so
// re-polls inside the lookback window do not hit the archive again.
type Cache struct {
	conn *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS messages (
	list TEXT NOT NULL,
	message_id TEXT NOT NULL,
	raw BLOB NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (list, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_fetched ON messages (fetched_at);
`

// OpenCache opens (creating if needed) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive cache: %w", err)
	}
	if _, err := conn.Exec(cacheSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing archive cache schema: %w", err)
	}
	return &Cache{conn: conn}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.conn.Close()
}

// Has reports whether the message is already cached for the list.
func (c *Cache) Has(listName, messageID string) (bool, error) {
	var one int
	err := c.conn.QueryRow(
		`SELECT 1 FROM messages WHERE list = ? AND message_id = ?`,
		listName, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying archive cache: %w", err)
	}
	return true, nil
}

// Put stores a raw message. Re-inserting the same id is a no-op.
func (c *Cache) Put(listName, messageID string, raw []byte) error {
	_, err := c.conn.Exec(
		`INSERT OR IGNORE INTO messages (list, message_id, raw, fetched_at) VALUES (?, ?, ?, ?)`,
		listName, messageID, raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("caching message %s: %w", messageID, err)
	}
	return nil
}

// Get returns the raw message, or nil when absent.
func (c *Cache) Get(listName, messageID string) ([]byte, error) {
	var raw []byte
	err := c.conn.QueryRow(
		`SELECT raw FROM messages WHERE list = ? AND message_id = ?`,
		listName, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached message %s: %w", messageID, err)
	}
	return raw, nil
}

// Prune removes messages fetched before the cutoff.
func (c *Cache) Prune(cutoff time.Time) (int64, error) {
	res, err := c.conn.Exec(`DELETE FROM messages WHERE fetched_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning archive cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
