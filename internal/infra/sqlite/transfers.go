package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshwork/meshnode/internal/domain"
)

// ─── File Transfers ─────────────────────────────────────────────────────────

// CreateTransfer records an inbound transfer from peer. Creating an existing
// transfer is a no-op.
func (d *DB) CreateTransfer(uuid, peer string, now time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO file_transfers (uuid, peer, started_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uuid) DO NOTHING`,
		uuid, peer, now.Unix(), now.Unix(),
	)
	return err
}

// SaveChunk stores one chunk and returns the number of bytes received so
// far. A repeated ordinal overwrites the earlier data.
func (d *DB) SaveChunk(chunk *domain.FileChunk, now time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE file_transfers SET filename = ?, filesize = ?, updated_at = ? WHERE uuid = ?`,
		chunk.Filename, chunk.Filesize, now.Unix(), chunk.UUID,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrTransferUnknown, chunk.UUID)
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO file_chunks (uuid, ordinal, data) VALUES (?, ?, ?)`,
		chunk.UUID, chunk.Ordinal, chunk.Data,
	); err != nil {
		return 0, err
	}

	var received int64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM file_chunks WHERE uuid = ?`, chunk.UUID,
	).Scan(&received); err != nil {
		return 0, err
	}
	return received, tx.Commit()
}

// ChunkData returns the chunks of a transfer in ordinal order.
func (d *DB) ChunkData(uuid string) ([][]byte, error) {
	rows, err := d.db.Query(
		`SELECT data FROM file_chunks WHERE uuid = ? ORDER BY ordinal`, uuid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FinishTransfer marks a transfer complete or failed and drops its chunks.
func (d *DB) FinishTransfer(uuid string, state domain.TransferState, dest string, now time.Time) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE file_transfers SET state = ?, dest = ?, updated_at = ? WHERE uuid = ?`,
		string(state), dest, now.Unix(), uuid,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM file_chunks WHERE uuid = ?`, uuid); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTransfer returns one transfer, or ErrTransferUnknown.
func (d *DB) GetTransfer(uuid string) (*domain.TransferRecord, error) {
	row := d.db.QueryRow(transferSelect+` WHERE t.uuid = ? GROUP BY t.uuid`, uuid)
	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransferUnknown, uuid)
	}
	return rec, err
}

// ListTransfers returns the most recently updated transfers.
func (d *DB) ListTransfers(limit int) ([]domain.TransferRecord, error) {
	rows, err := d.db.Query(transferSelect+` GROUP BY t.uuid ORDER BY t.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ExpireTransfers fails pending transfers idle since before cutoff and
// returns how many were expired.
func (d *DB) ExpireTransfers(cutoff, now time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM file_chunks WHERE uuid IN
		 (SELECT uuid FROM file_transfers WHERE state = 'pending' AND updated_at < ?)`,
		cutoff.Unix(),
	); err != nil {
		return 0, err
	}
	res, err := tx.Exec(
		`UPDATE file_transfers SET state = 'failed', updated_at = ? WHERE state = 'pending' AND updated_at < ?`,
		now.Unix(), cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

const transferSelect = `SELECT t.uuid, t.peer, t.filename, t.filesize, t.state, t.dest,
	t.started_at, t.updated_at, COUNT(c.ordinal), COALESCE(SUM(LENGTH(c.data)), 0)
	FROM file_transfers t LEFT JOIN file_chunks c ON c.uuid = t.uuid`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (*domain.TransferRecord, error) {
	var r domain.TransferRecord
	var state string
	var dest sql.NullString
	var started, updated int64
	if err := s.Scan(&r.UUID, &r.Peer, &r.Filename, &r.Filesize, &state, &dest,
		&started, &updated, &r.Chunks, &r.Received); err != nil {
		return nil, err
	}
	r.State = domain.TransferState(state)
	r.Dest = dest.String
	r.StartedAt = time.Unix(started, 0)
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}
