package sqlite

import (
	"database/sql"
	"time"

	"github.com/meshwork/meshnode/internal/domain"
)

// ─── Command Log ────────────────────────────────────────────────────────────

// LogCommand appends an executed command and returns its id.
func (d *DB) LogCommand(rec domain.CommandRecord) (int64, error) {
	result, err := d.db.Exec(
		`INSERT INTO command_log (timestamp, peer, command, status, output, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Unix(), rec.Peer, rec.Command, rec.Status, rec.Output, rec.DurationMs,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentCommands returns the newest command log entries first.
func (d *DB) RecentCommands(limit int) ([]domain.CommandRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, timestamp, peer, command, status, output, duration_ms
		 FROM command_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CommandRecord
	for rows.Next() {
		var r domain.CommandRecord
		var ts int64
		var output sql.NullString
		if err := rows.Scan(&r.ID, &ts, &r.Peer, &r.Command, &r.Status, &output, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0)
		r.Output = output.String
		out = append(out, r)
	}
	return out, rows.Err()
}
