// Package sqlite provides SQLite-based persistent storage for a mesh node.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/meshwork/meshnode/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Contacts from the last run, used to rejoin without seeds.
		`CREATE TABLE IF NOT EXISTS peers (
			guid      TEXT PRIMARY KEY,
			host      TEXT NOT NULL,
			port      INTEGER NOT NULL,
			is_nat    BOOLEAN DEFAULT 0,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_seen ON peers(last_seen)`,

		// Inbound file transfers and their out-of-order chunks
		`CREATE TABLE IF NOT EXISTS file_transfers (
			uuid       TEXT PRIMARY KEY,
			peer       TEXT NOT NULL,
			filename   TEXT NOT NULL DEFAULT '',
			filesize   INTEGER NOT NULL DEFAULT 0,
			state      TEXT NOT NULL DEFAULT 'pending',
			dest       TEXT,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_chunks (
			uuid    TEXT NOT NULL REFERENCES file_transfers(uuid) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			data    BLOB NOT NULL,
			PRIMARY KEY (uuid, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_updated ON file_transfers(updated_at)`,

		// Executed inbound commands
		`CREATE TABLE IF NOT EXISTS command_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			peer        TEXT NOT NULL,
			command     TEXT NOT NULL,
			status      TEXT NOT NULL,
			output      TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_ts ON command_log(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info. A missing key yields "".
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ─── Peer Cache ─────────────────────────────────────────────────────────────

// SavePeers replaces the cached contact set.
func (d *DB) SavePeers(contacts []domain.Contact, seen time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM peers`); err != nil {
		return err
	}
	for _, c := range contacts {
		if _, err := tx.Exec(
			`INSERT INTO peers (guid, host, port, is_nat, last_seen) VALUES (?, ?, ?, ?, ?)`,
			c.GUID.String(), c.Address.Host, c.Address.Port, c.IsNAT, seen.Unix(),
		); err != nil {
			return fmt.Errorf("save peer %s: %w", c.GUID, err)
		}
	}
	return tx.Commit()
}

// LoadPeers returns cached contacts, most recently seen first.
func (d *DB) LoadPeers(limit int) ([]domain.Contact, error) {
	rows, err := d.db.Query(
		`SELECT guid, host, port, is_nat FROM peers ORDER BY last_seen DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var guid string
		var c domain.Contact
		if err := rows.Scan(&guid, &c.Address.Host, &c.Address.Port, &c.IsNAT); err != nil {
			return nil, err
		}
		g, err := domain.ParseGUID(guid)
		if err != nil {
			continue
		}
		c.GUID = g
		out = append(out, c)
	}
	return out, rows.Err()
}
