package attendance

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// SessionStatus is the lifecycle state of a lecture session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionOngoing   SessionStatus = "ongoing"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// EntryStatus is the attendance classification for a recorded scan.
type EntryStatus string

const (
	StatusPresent EntryStatus = "present"
	StatusLate    EntryStatus = "late"
	StatusAbsent  EntryStatus = "absent"
	StatusExcused EntryStatus = "excused"
)

// ValidEntryStatus reports whether s is a known classification value.
func ValidEntryStatus(s EntryStatus) bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Session is one scheduled class meeting eligible for attendance capture.
type Session struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	UnitName        string        `json:"unit_name"`
	UnitCode        string        `json:"unit_code"`
	Date            string        `json:"date"`       // YYYY-MM-DD as submitted
	StartTime       string        `json:"start_time"` // HH:MM as submitted
	EndTime         string        `json:"end_time"`
	StartsAt        time.Time     `json:"starts_at"` // absolute UTC instant
	EndsAt          time.Time     `json:"ends_at"`
	Venue           string        `json:"venue"`
	Capacity        int           `json:"capacity"`
	Status          SessionStatus `json:"status"`
	AttendanceCount int           `json:"attendance_count"`
	Active          bool          `json:"active"`
	TokenID         string        `json:"token_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Token is the time- and count-limited credential admitting scans for a session.
type Token struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
	ScanCount int       `json:"scan_count"`
	ScanLimit int       `json:"scan_limit"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiration at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Exhausted reports whether the scan budget is fully consumed.
func (t *Token) Exhausted() bool {
	return t.ScanCount >= t.ScanLimit
}

// Usable reports whether the token can admit a scan at the given instant.
// This is a stale-tolerant pre-check; the store's conditional update is
// the authoritative admission decision.
func (t *Token) Usable(now time.Time) bool {
	return t.Active && !t.Expired(now) && !t.Exhausted()
}

// AttendanceEntry is the durable record of one student's admitted scan.
type AttendanceEntry struct {
	ID             string       `json:"id"`
	StudentID      string       `json:"student_id"`
	SessionID      string       `json:"session_id"`
	TokenID        string       `json:"token_id"`
	ScannedAt      time.Time    `json:"scanned_at"`
	Status         EntryStatus  `json:"status"`
	OverrideStatus *EntryStatus `json:"override_status,omitempty"`
	DeviceID       string       `json:"device_id,omitempty"`
	Verified       bool         `json:"verified"`
	CreatedAt      time.Time    `json:"created_at"`
}

// EffectiveStatus returns the administrative override when present,
// otherwise the computed classification.
func (e *AttendanceEntry) EffectiveStatus() EntryStatus {
	if e.OverrideStatus != nil {
		return *e.OverrideStatus
	}
	return e.Status
}

// CredentialPayload is the logical content handed to the QR renderer.
type CredentialPayload struct {
	SessionID string    `json:"session_id"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	UnitName  string    `json:"unit_name"`
	UnitCode  string    `json:"unit_code"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Venue     string    `json:"venue"`
}

// ScanResult is the denormalized summary returned to the scanning student.
type ScanResult struct {
	EntryID   string      `json:"entry_id"`
	SessionID string      `json:"session_id"`
	UnitName  string      `json:"unit_name"`
	UnitCode  string      `json:"unit_code"`
	Date      string      `json:"date"`
	StartTime string      `json:"start_time"`
	EndTime   string      `json:"end_time"`
	Venue     string      `json:"venue"`
	ScannedAt time.Time   `json:"scanned_at"`
	Status    EntryStatus `json:"status"`
}

// UsageStats aggregates token consumption across one lecturer's sessions.
type UsageStats struct {
	TokensIssued int     `json:"tokens_issued"`
	TokensLive   int     `json:"tokens_live"`
	TotalScans   int     `json:"total_scans"`
	MeanScans    float64 `json:"mean_scans"`
}

const tokenIDBytes = 32

// NewTokenID returns a fresh unguessable token identity.
func NewTokenID() (string, error) {
	b := make([]byte, tokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
