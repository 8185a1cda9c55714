package report

import (
	"context"
	"database/sql"
	"time"
)

// Rollup is one session's accepted-scan count for one calendar day.
type Rollup struct {
	SessionID string    `json:"session_id"`
	Date      time.Time `json:"date"`
	ScanCount int       `json:"scan_count"`
}

// Repository maintains per-session daily scan rollups for reporting.
// Rollups are advisory aggregates fed by the worker; the authoritative
// counters live on the token and session rows.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Increment bumps the rollup for the scan's calendar day.
func (r *Repository) Increment(ctx context.Context, sessionID string, scannedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_scan_rollups (session_id, scan_date, scan_count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (session_id, scan_date)
		DO UPDATE SET scan_count = session_scan_rollups.scan_count + 1
	`, sessionID, scannedAt.UTC())
	return err
}

// BySession returns a session's rollups, oldest first.
func (r *Repository) BySession(ctx context.Context, sessionID string) ([]Rollup, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, scan_date, scan_count
		FROM session_scan_rollups
		WHERE session_id = $1
		ORDER BY scan_date
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Rollup
	for rows.Next() {
		var ru Rollup
		if err := rows.Scan(&ru.SessionID, &ru.Date, &ru.ScanCount); err != nil {
			return nil, err
		}
		res = append(res, ru)
	}
	return res, rows.Err()
}
