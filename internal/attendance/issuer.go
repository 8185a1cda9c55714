package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionDraft is the validated input for issuing a new lecture session.
type SessionDraft struct {
	OwnerID   string
	UnitName  string
	UnitCode  string
	Date      string // YYYY-MM-DD
	StartTime string // HH:MM
	EndTime   string // HH:MM
	Venue     string
	Capacity  int
}

// IssueResult carries the created records plus the payload handed to the
// QR renderer.
type IssueResult struct {
	Session *Session
	Token   *Token
	Payload CredentialPayload
}

// Issuer creates sessions and their admission tokens, and handles
// revocation and usage reporting.
type Issuer struct {
	store           Store
	loc             *time.Location
	defaultValidity time.Duration
	defaultCapacity int
	now             func() time.Time
}

// NewIssuer creates an issuer. Schedules are resolved against loc; zero
// defaults fall back to 60 minutes validity and capacity 100.
func NewIssuer(store Store, loc *time.Location, defaultValidity time.Duration, defaultCapacity int) *Issuer {
	if loc == nil {
		loc = time.UTC
	}
	if defaultValidity <= 0 {
		defaultValidity = 60 * time.Minute
	}
	if defaultCapacity <= 0 {
		defaultCapacity = 100
	}
	return &Issuer{
		store:           store,
		loc:             loc,
		defaultValidity: defaultValidity,
		defaultCapacity: defaultCapacity,
		now:             time.Now,
	}
}

// Issue validates the draft, creates the session and its token, and returns
// the credential payload. Nothing is persisted when validation fails.
func (i *Issuer) Issue(ctx context.Context, draft SessionDraft, validityMinutes int) (*IssueResult, error) {
	startsAt, endsAt, verr := i.resolveSchedule(draft)
	if verr != nil {
		return nil, verr
	}
	if validityMinutes < 0 {
		return nil, &ValidationError{Fields: []string{"validity_minutes must be positive"}}
	}

	validity := i.defaultValidity
	if validityMinutes > 0 {
		validity = time.Duration(validityMinutes) * time.Minute
	}
	capacity := draft.Capacity
	if capacity <= 0 {
		capacity = i.defaultCapacity
	}

	now := i.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		OwnerID:   draft.OwnerID,
		UnitName:  draft.UnitName,
		UnitCode:  draft.UnitCode,
		Date:      draft.Date,
		StartTime: draft.StartTime,
		EndTime:   draft.EndTime,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		Venue:     draft.Venue,
		Capacity:  capacity,
		Status:    SessionOngoing,
		Active:    true,
	}
	tok, err := i.mintToken(sess.ID, now.Add(validity), capacity)
	if err != nil {
		return nil, err
	}
	sess.TokenID = tok.ID

	if err := i.store.CreateSessionWithToken(ctx, sess, tok); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return &IssueResult{Session: sess, Token: tok, Payload: payload(sess, tok)}, nil
}

// Reissue returns the session's live token when one is still usable, and
// mints a replacement otherwise. Calling it repeatedly while a token is
// live always yields that same token.
func (i *Issuer) Reissue(ctx context.Context, sessionID string, validityMinutes int) (*IssueResult, error) {
	sess, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if !sess.Active {
		return nil, ErrSessionUnavailable
	}

	now := i.now().UTC()
	if live, err := i.store.LiveTokenForSession(ctx, sessionID, now); err != nil {
		return nil, err
	} else if live != nil {
		return &IssueResult{Session: sess, Token: live, Payload: payload(sess, live)}, nil
	}

	validity := i.defaultValidity
	if validityMinutes > 0 {
		validity = time.Duration(validityMinutes) * time.Minute
	}
	tok, err := i.mintToken(sess.ID, now.Add(validity), sess.Capacity)
	if err != nil {
		return nil, err
	}
	if err := i.store.ReplaceSessionToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	sess.TokenID = tok.ID
	return &IssueResult{Session: sess, Token: tok, Payload: payload(sess, tok)}, nil
}

// Revoke expires the token immediately, keeping the row for audit.
// Unknown or already-revoked tokens are a no-op success.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) error {
	return i.store.RevokeToken(ctx, tokenID, i.now().UTC())
}

// Session is a plain lookup, used by handlers for ownership checks.
func (i *Issuer) Session(ctx context.Context, id string) (*Session, error) {
	return i.store.GetSession(ctx, id)
}

// Token is a plain lookup, used by handlers for ownership checks.
func (i *Issuer) Token(ctx context.Context, id string) (*Token, error) {
	return i.store.GetToken(ctx, id)
}

// Entries lists a session's attendance entries.
func (i *Issuer) Entries(ctx context.Context, sessionID string, limit, offset int) ([]AttendanceEntry, error) {
	return i.store.ListEntries(ctx, sessionID, limit, offset)
}

// Override records an administrative reclassification of an entry while
// keeping the originally computed status.
func (i *Issuer) Override(ctx context.Context, entryID string, status EntryStatus) error {
	if !ValidEntryStatus(status) {
		return &ValidationError{Fields: []string{"status must be one of present, late, absent, excused"}}
	}
	return i.store.OverrideEntryStatus(ctx, entryID, status)
}

// UsageStats aggregates token usage across the owner's sessions.
func (i *Issuer) UsageStats(ctx context.Context, ownerID string) (UsageStats, error) {
	return i.store.UsageStats(ctx, ownerID, i.now().UTC())
}

func (i *Issuer) mintToken(sessionID string, expiresAt time.Time, limit int) (*Token, error) {
	id, err := NewTokenID()
	if err != nil {
		return nil, fmt.Errorf("token id: %w", err)
	}
	return &Token{
		ID:        id,
		SessionID: sessionID,
		ExpiresAt: expiresAt,
		Active:    true,
		ScanLimit: limit,
	}, nil
}

// resolveSchedule validates the draft and converts the wall-clock schedule
// into absolute instants in the issuer's location.
func (i *Issuer) resolveSchedule(draft SessionDraft) (start, end time.Time, verr *ValidationError) {
	var fields []string
	if draft.OwnerID == "" {
		fields = append(fields, "owner_id is required")
	}
	if draft.UnitName == "" {
		fields = append(fields, "unit_name is required")
	}
	if draft.UnitCode == "" {
		fields = append(fields, "unit_code is required")
	}
	if draft.Venue == "" {
		fields = append(fields, "venue is required")
	}

	day, err := time.ParseInLocation("2006-01-02", draft.Date, i.loc)
	if err != nil {
		fields = append(fields, "date must be YYYY-MM-DD")
	}
	startClock, err := time.Parse("15:04", draft.StartTime)
	if err != nil {
		fields = append(fields, "start_time must be HH:MM")
	}
	endClock, err := time.Parse("15:04", draft.EndTime)
	if err != nil {
		fields = append(fields, "end_time must be HH:MM")
	}
	if draft.Capacity < 0 {
		fields = append(fields, "capacity must not be negative")
	}
	if len(fields) > 0 {
		return time.Time{}, time.Time{}, &ValidationError{Fields: fields}
	}

	start = time.Date(day.Year(), day.Month(), day.Day(), startClock.Hour(), startClock.Minute(), 0, 0, i.loc).UTC()
	end = time.Date(day.Year(), day.Month(), day.Day(), endClock.Hour(), endClock.Minute(), 0, 0, i.loc).UTC()
	if !end.After(start) {
		return time.Time{}, time.Time{}, &ValidationError{Fields: []string{"end_time must be after start_time"}}
	}
	return start, end, nil
}

func payload(s *Session, t *Token) CredentialPayload {
	return CredentialPayload{
		SessionID: s.ID,
		TokenID:   t.ID,
		ExpiresAt: t.ExpiresAt,
		UnitName:  s.UnitName,
		UnitCode:  s.UnitCode,
		Date:      s.Date,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Venue:     s.Venue,
	}
}
