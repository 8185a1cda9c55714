package attendance

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same atomicity guarantees the
// Postgres repository gets from transactions and the unique index: the
// duplicate check and the conditional budget increment happen under one
// lock, and a duplicate failure consumes no budget.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tokens   map[string]*Token
	entries  map[string]*AttendanceEntry // keyed student|session
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		tokens:   make(map[string]*Token),
		entries:  make(map[string]*AttendanceEntry),
	}
}

func entryKey(studentID, sessionID string) string {
	return studentID + "|" + sessionID
}

func (m *memStore) CreateSessionWithToken(ctx context.Context, s *Session, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now().UTC()
	t.CreatedAt = s.CreatedAt
	sc := *s
	tc := *t
	m.sessions[s.ID] = &sc
	m.tokens[t.ID] = &tc
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) GetToken(ctx context.Context, id string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) GetEntry(ctx context.Context, studentID, sessionID string) (*AttendanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[entryKey(studentID, sessionID)]; ok {
		c := *e
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) GetEntryByID(ctx context.Context, id string) (*AttendanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) CommitScan(ctx context.Context, e *AttendanceEntry, now time.Time) (TokenConsumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey(e.StudentID, e.SessionID)
	if _, exists := m.entries[key]; exists {
		return TokenConsumption{}, ErrAlreadyRecorded
	}
	t, ok := m.tokens[e.TokenID]
	if !ok || !t.Active || !now.Before(t.ExpiresAt) || t.ScanCount >= t.ScanLimit {
		return TokenConsumption{}, ErrTokenUnusable
	}

	t.ScanCount++
	t.Active = t.ScanCount < t.ScanLimit
	if s, ok := m.sessions[e.SessionID]; ok {
		s.AttendanceCount++
	}
	e.CreatedAt = now
	c := *e
	m.entries[key] = &c
	return TokenConsumption{ScanCount: t.ScanCount, ScanLimit: t.ScanLimit, Active: t.Active}, nil
}

func (m *memStore) RevokeToken(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok && t.Active {
		t.Active = false
		t.ExpiresAt = now
	}
	return nil
}

func (m *memStore) LiveTokenForSession(ctx context.Context, sessionID string, now time.Time) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	t, ok := m.tokens[s.TokenID]
	if !ok || !t.Active || !now.Before(t.ExpiresAt) || t.ScanCount >= t.ScanLimit {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (m *memStore) ReplaceSessionToken(ctx context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	c := *t
	m.tokens[t.ID] = &c
	if s, ok := m.sessions[t.SessionID]; ok {
		s.TokenID = t.ID
	}
	return nil
}

func (m *memStore) ListEntries(ctx context.Context, sessionID string, limit, offset int) ([]AttendanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []AttendanceEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			res = append(res, *e)
		}
	}
	return res, nil
}

func (m *memStore) OverrideEntryStatus(ctx context.Context, entryID string, status EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == entryID {
			s := status
			e.OverrideStatus = &s
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) UsageStats(ctx context.Context, ownerID string, now time.Time) (UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st UsageStats
	for _, t := range m.tokens {
		s, ok := m.sessions[t.SessionID]
		if !ok || s.OwnerID != ownerID {
			continue
		}
		st.TokensIssued++
		st.TotalScans += t.ScanCount
		if t.Active && now.Before(t.ExpiresAt) {
			st.TokensLive++
		}
	}
	if st.TokensIssued > 0 {
		st.MeanScans = float64(st.TotalScans) / float64(st.TokensIssued)
	}
	return st, nil
}
