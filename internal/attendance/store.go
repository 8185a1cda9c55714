package attendance

import (
	"context"
	"time"
)

// TokenConsumption is the post-increment token state returned by CommitScan.
type TokenConsumption struct {
	ScanCount int
	ScanLimit int
	Active    bool
}

// Store is the durable persistence boundary. Lookups return (nil, nil) for
// missing rows; errors are reserved for infrastructure failures. CommitScan
// and RevokeToken must be atomic: counters are never read-modified-written
// at the application layer.
type Store interface {
	// CreateSessionWithToken durably persists the session and its token,
	// linked both ways, as a single unit. No session-without-token state
	// may be observable afterwards.
	CreateSessionWithToken(ctx context.Context, s *Session, t *Token) error

	GetSession(ctx context.Context, id string) (*Session, error)
	GetToken(ctx context.Context, id string) (*Token, error)
	GetEntry(ctx context.Context, studentID, sessionID string) (*AttendanceEntry, error)
	GetEntryByID(ctx context.Context, id string) (*AttendanceEntry, error)

	// CommitScan is the authoritative admission decision. In one atomic
	// unit it inserts the entry, consumes one unit of the token's scan
	// budget (deactivating the token when the budget is reached), and
	// bumps the session's aggregate counter. It fails with
	// ErrAlreadyRecorded when the (student, session) uniqueness constraint
	// is violated and with ErrTokenUnusable when the conditional increment
	// finds no consumable token, leaving no partial state in either case.
	CommitScan(ctx context.Context, e *AttendanceEntry, now time.Time) (TokenConsumption, error)

	// RevokeToken deactivates the token and moves its expiry to now.
	// Revoking an inactive or unknown token is a no-op.
	RevokeToken(ctx context.Context, id string, now time.Time) error

	// LiveTokenForSession returns the session's token if it is still
	// usable at now, else (nil, nil).
	LiveTokenForSession(ctx context.Context, sessionID string, now time.Time) (*Token, error)

	// ReplaceSessionToken persists a replacement token and repoints the
	// session's token reference at it.
	ReplaceSessionToken(ctx context.Context, t *Token) error

	ListEntries(ctx context.Context, sessionID string, limit, offset int) ([]AttendanceEntry, error)

	// OverrideEntryStatus records an administrative reclassification
	// without touching the computed status. Returns ErrNotFound for an
	// unknown entry.
	OverrideEntryStatus(ctx context.Context, entryID string, status EntryStatus) error

	UsageStats(ctx context.Context, ownerID string, now time.Time) (UsageStats, error)
}
