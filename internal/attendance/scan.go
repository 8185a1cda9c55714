package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Acceptance is the outcome of a successful validation: the resolved
// session and token snapshots the recorder needs.
type Acceptance struct {
	Session *Session
	Token   *Token
}

// Scanner validates scans against a token and records accepted ones.
type Scanner struct {
	store Store
	now   func() time.Time
}

// NewScanner creates a scanner over the store.
func NewScanner(store Store) *Scanner {
	return &Scanner{store: store, now: time.Now}
}

// Validate runs the ordered admission checks without mutating anything.
// It short-circuits on the first failure and returns the matching
// rejection error. The duplicate check runs before any budget is touched
// so a rejected duplicate never costs a scan.
func (s *Scanner) Validate(ctx context.Context, tokenID, studentID string, now time.Time) (*Acceptance, error) {
	tok, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok == nil || !tok.Usable(now) {
		return nil, ErrTokenUnusable
	}

	sess, err := s.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Active {
		return nil, ErrSessionUnavailable
	}

	prior, err := s.store.GetEntry(ctx, studentID, sess.ID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return nil, ErrAlreadyRecorded
	}

	if !InScanWindow(now, sess.StartsAt, sess.EndsAt) {
		return nil, ErrOutsideWindow
	}
	return &Acceptance{Session: sess, Token: tok}, nil
}

// Record commits an accepted scan: classifies it, inserts the entry, and
// consumes one unit of the token budget in a single atomic store call.
// Losing a duplicate race surfaces as ErrAlreadyRecorded, losing the
// budget race as ErrTokenUnusable.
func (s *Scanner) Record(ctx context.Context, acc *Acceptance, studentID string, scannedAt time.Time, deviceID string) (*ScanResult, error) {
	sess := acc.Session
	entry := &AttendanceEntry{
		ID:        uuid.NewString(),
		StudentID: studentID,
		SessionID: sess.ID,
		TokenID:   acc.Token.ID,
		ScannedAt: scannedAt,
		Status:    Classify(scannedAt, sess.StartsAt, sess.EndsAt),
		DeviceID:  deviceID,
		Verified:  true,
	}
	if _, err := s.store.CommitScan(ctx, entry, s.now().UTC()); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) || errors.Is(err, ErrTokenUnusable) {
			return nil, err
		}
		return nil, fmt.Errorf("commit scan: %w", err)
	}
	return &ScanResult{
		EntryID:   entry.ID,
		SessionID: sess.ID,
		UnitName:  sess.UnitName,
		UnitCode:  sess.UnitCode,
		Date:      sess.Date,
		StartTime: sess.StartTime,
		EndTime:   sess.EndTime,
		Venue:     sess.Venue,
		ScannedAt: entry.ScannedAt,
		Status:    entry.Status,
	}, nil
}

// Scan is the full scan+record flow used by the HTTP handler. A zero
// scannedAt defaults to the processing instant.
func (s *Scanner) Scan(ctx context.Context, tokenID, studentID string, scannedAt time.Time, deviceID string) (*ScanResult, error) {
	if scannedAt.IsZero() {
		scannedAt = s.now()
	}
	scannedAt = scannedAt.UTC()
	acc, err := s.Validate(ctx, tokenID, studentID, scannedAt)
	if err != nil {
		return nil, err
	}
	return s.Record(ctx, acc, studentID, scannedAt, deviceID)
}
