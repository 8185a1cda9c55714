package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Repository persists sessions, tokens, and attendance entries in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSessionWithToken writes the session and its token in one transaction
// so an orphaned token or tokenless session is never visible.
func (r *Repository) CreateSessionWithToken(ctx context.Context, s *Session, t *Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO sessions (id, owner_id, unit_name, unit_code, lecture_date, start_time, end_time,
			starts_at, ends_at, venue, capacity, status, attendance_count, active, token_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,TRUE,$13)
		RETURNING created_at
	`, s.ID, s.OwnerID, s.UnitName, s.UnitCode, s.Date, s.StartTime, s.EndTime,
		s.StartsAt, s.EndsAt, s.Venue, s.Capacity, s.Status, t.ID)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return err
	}

	row = tx.QueryRowContext(ctx, `
		INSERT INTO tokens (id, session_id, expires_at, active, scan_count, scan_limit)
		VALUES ($1,$2,$3,TRUE,0,$4)
		RETURNING created_at
	`, t.ID, t.SessionID, t.ExpiresAt, t.ScanLimit)
	if err := row.Scan(&t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSession returns the session for id, or nil if not found.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, unit_name, unit_code, lecture_date, start_time, end_time,
			starts_at, ends_at, venue, capacity, status, attendance_count, active,
			COALESCE(token_id, ''), created_at
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.OwnerID, &s.UnitName, &s.UnitCode, &s.Date, &s.StartTime, &s.EndTime,
		&s.StartsAt, &s.EndsAt, &s.Venue, &s.Capacity, &s.Status, &s.AttendanceCount, &s.Active,
		&s.TokenID, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetToken returns the token for id, or nil if not found.
func (r *Repository) GetToken(ctx context.Context, id string) (*Token, error) {
	return scanToken(r.db.QueryRowContext(ctx, `
		SELECT id, session_id, expires_at, active, scan_count, scan_limit, created_at
		FROM tokens WHERE id = $1
	`, id))
}

// GetEntry returns the entry for (student, session), or nil if not found.
func (r *Repository) GetEntry(ctx context.Context, studentID, sessionID string) (*AttendanceEntry, error) {
	return scanEntry(r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, token_id, scanned_at, status, override_status,
			COALESCE(device_id, ''), verified, created_at
		FROM attendance_entries WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID))
}

// GetEntryByID returns a single entry by id, or nil if not found.
func (r *Repository) GetEntryByID(ctx context.Context, id string) (*AttendanceEntry, error) {
	return scanEntry(r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, token_id, scanned_at, status, override_status,
			COALESCE(device_id, ''), verified, created_at
		FROM attendance_entries WHERE id = $1
	`, id))
}

// CommitScan admits one scan atomically: entry insert, conditional budget
// consumption, session aggregate bump. The entry insert runs first so a
// duplicate loser rolls back before consuming any budget.
func (r *Repository) CommitScan(ctx context.Context, e *AttendanceEntry, now time.Time) (TokenConsumption, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TokenConsumption{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_entries (id, student_id, session_id, token_id, scanned_at, status, device_id, verified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, e.ID, e.StudentID, e.SessionID, e.TokenID, e.ScannedAt, e.Status, e.DeviceID, e.Verified)
	if err := row.Scan(&e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return TokenConsumption{}, ErrAlreadyRecorded
		}
		return TokenConsumption{}, err
	}

	// Increment-if-below-limit; deactivation at the limit happens in the
	// same update so two racers can never both get past the limit.
	row = tx.QueryRowContext(ctx, `
		UPDATE tokens
		SET scan_count = scan_count + 1,
			active = (scan_count + 1 < scan_limit)
		WHERE id = $1 AND active AND expires_at > $2 AND scan_count < scan_limit
		RETURNING scan_count, scan_limit, active
	`, e.TokenID, now)
	var c TokenConsumption
	if err := row.Scan(&c.ScanCount, &c.ScanLimit, &c.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenConsumption{}, ErrTokenUnusable
		}
		return TokenConsumption{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET attendance_count = attendance_count + 1 WHERE id = $1
	`, e.SessionID); err != nil {
		return TokenConsumption{}, err
	}
	return c, tx.Commit()
}

// RevokeToken expires the token immediately. Zero affected rows means the
// token is unknown or already dead; both are fine.
func (r *Repository) RevokeToken(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tokens SET active = FALSE, expires_at = $2
		WHERE id = $1 AND active
	`, id, now)
	return err
}

// LiveTokenForSession returns the session's token if still usable at now.
func (r *Repository) LiveTokenForSession(ctx context.Context, sessionID string, now time.Time) (*Token, error) {
	return scanToken(r.db.QueryRowContext(ctx, `
		SELECT t.id, t.session_id, t.expires_at, t.active, t.scan_count, t.scan_limit, t.created_at
		FROM tokens t
		JOIN sessions s ON s.token_id = t.id
		WHERE s.id = $1 AND t.active AND t.expires_at > $2 AND t.scan_count < t.scan_limit
	`, sessionID, now))
}

// ReplaceSessionToken inserts the new token and repoints the session at it.
func (r *Repository) ReplaceSessionToken(ctx context.Context, t *Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO tokens (id, session_id, expires_at, active, scan_count, scan_limit)
		VALUES ($1,$2,$3,TRUE,0,$4)
		RETURNING created_at
	`, t.ID, t.SessionID, t.ExpiresAt, t.ScanLimit)
	if err := row.Scan(&t.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET token_id = $2 WHERE id = $1
	`, t.SessionID, t.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEntries returns a session's entries, most recent scan first.
func (r *Repository) ListEntries(ctx context.Context, sessionID string, limit, offset int) ([]AttendanceEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, token_id, scanned_at, status, override_status,
			COALESCE(device_id, ''), verified, created_at
		FROM attendance_entries
		WHERE session_id = $1
		ORDER BY scanned_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AttendanceEntry
	for rows.Next() {
		var e AttendanceEntry
		var override sql.NullString
		if err := rows.Scan(&e.ID, &e.StudentID, &e.SessionID, &e.TokenID, &e.ScannedAt, &e.Status,
			&override, &e.DeviceID, &e.Verified, &e.CreatedAt); err != nil {
			return nil, err
		}
		if override.Valid {
			s := EntryStatus(override.String)
			e.OverrideStatus = &s
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// OverrideEntryStatus stores the administrative status beside the computed one.
func (r *Repository) OverrideEntryStatus(ctx context.Context, entryID string, status EntryStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_entries SET override_status = $2 WHERE id = $1
	`, entryID, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UsageStats aggregates token consumption across the owner's sessions.
func (r *Repository) UsageStats(ctx context.Context, ownerID string, now time.Time) (UsageStats, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE t.active AND t.expires_at > $2),
			COALESCE(SUM(t.scan_count), 0),
			COALESCE(AVG(t.scan_count), 0)::float8
		FROM tokens t
		JOIN sessions s ON s.id = t.session_id
		WHERE s.owner_id = $1
	`, ownerID, now)
	var st UsageStats
	if err := row.Scan(&st.TokensIssued, &st.TokensLive, &st.TotalScans, &st.MeanScans); err != nil {
		return UsageStats{}, err
	}
	return st, nil
}

func scanToken(row *sql.Row) (*Token, error) {
	var t Token
	if err := row.Scan(&t.ID, &t.SessionID, &t.ExpiresAt, &t.Active, &t.ScanCount, &t.ScanLimit, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func scanEntry(row *sql.Row) (*AttendanceEntry, error) {
	var e AttendanceEntry
	var override sql.NullString
	if err := row.Scan(&e.ID, &e.StudentID, &e.SessionID, &e.TokenID, &e.ScannedAt, &e.Status,
		&override, &e.DeviceID, &e.Verified, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if override.Valid {
		s := EntryStatus(override.String)
		e.OverrideStatus = &s
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
