package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testScanner(store Store, now time.Time) *Scanner {
	s := NewScanner(store)
	s.now = func() time.Time { return now }
	return s
}

// issueSession creates a 09:00-10:00 session issued at 08:40 with the given
// capacity and returns the result.
func issueSession(t *testing.T, store Store, capacity int) *IssueResult {
	t.Helper()
	draft := testDraft()
	draft.Capacity = capacity
	res, err := testIssuer(store, issueInstant).Issue(context.Background(), draft, 60)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return res
}

func TestScanLifecycleScenario(t *testing.T) {
	store := newMemStore()
	res := issueSession(t, store, 2)
	ctx := context.Background()

	// Student A scans five minutes after issuance, well before start.
	at := issueInstant.Add(5 * time.Minute)
	scanner := testScanner(store, at)
	first, err := scanner.Scan(ctx, res.Token.ID, "stud-a", at, "dev-1")
	if err != nil {
		t.Fatalf("scan A: %v", err)
	}
	if first.Status != StatusPresent {
		t.Errorf("scan A status = %q, want present", first.Status)
	}
	tok, _ := store.GetToken(ctx, res.Token.ID)
	if tok.ScanCount != 1 {
		t.Errorf("counter = %d, want 1", tok.ScanCount)
	}

	// Same student again: rejected, budget untouched.
	if _, err := scanner.Scan(ctx, res.Token.ID, "stud-a", at.Add(time.Minute), "dev-1"); !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("duplicate scan err = %v, want ErrAlreadyRecorded", err)
	}
	tok, _ = store.GetToken(ctx, res.Token.ID)
	if tok.ScanCount != 1 {
		t.Errorf("duplicate consumed budget: counter = %d", tok.ScanCount)
	}

	// Student B scans at 09:20, past the late threshold. This is the
	// limiting scan, so the token deactivates.
	lateAt := issueInstant.Add(40 * time.Minute)
	scanner = testScanner(store, lateAt)
	second, err := scanner.Scan(ctx, res.Token.ID, "stud-b", lateAt, "dev-2")
	if err != nil {
		t.Fatalf("scan B: %v", err)
	}
	if second.Status != StatusLate {
		t.Errorf("scan B status = %q, want late", second.Status)
	}
	tok, _ = store.GetToken(ctx, res.Token.ID)
	if tok.ScanCount != 2 || tok.Active {
		t.Errorf("token after limit: count=%d active=%v, want 2/false", tok.ScanCount, tok.Active)
	}

	// Student C finds the budget exhausted.
	if _, err := scanner.Scan(ctx, res.Token.ID, "stud-c", lateAt.Add(5*time.Minute), ""); !errors.Is(err, ErrTokenUnusable) {
		t.Fatalf("scan C err = %v, want ErrTokenUnusable", err)
	}

	sess, _ := store.GetSession(ctx, res.Session.ID)
	if sess.AttendanceCount != 2 {
		t.Errorf("session aggregate = %d, want 2", sess.AttendanceCount)
	}
}

func TestScanResultCarriesSessionMetadata(t *testing.T) {
	store := newMemStore()
	res := issueSession(t, store, 10)
	at := issueInstant.Add(5 * time.Minute)

	result, err := testScanner(store, at).Scan(context.Background(), res.Token.ID, "stud-a", time.Time{}, "dev-1")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.UnitCode != "CS3042" || result.UnitName != "Operating Systems" || result.Venue != "LT-2" {
		t.Errorf("missing unit metadata: %+v", result)
	}
	if !result.ScannedAt.Equal(at) {
		t.Errorf("default scan instant = %v, want processing time %v", result.ScannedAt, at)
	}
}

func TestValidateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		scanner := testScanner(newMemStore(), issueInstant)
		if _, err := scanner.Validate(ctx, "missing", "stud-a", issueInstant); !errors.Is(err, ErrTokenUnusable) {
			t.Errorf("err = %v, want ErrTokenUnusable", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		store := newMemStore()
		res := issueSession(t, store, 5)
		at := res.Token.ExpiresAt // expiry instant itself is unusable
		if _, err := testScanner(store, at).Validate(ctx, res.Token.ID, "stud-a", at); !errors.Is(err, ErrTokenUnusable) {
			t.Errorf("err = %v, want ErrTokenUnusable", err)
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		store := newMemStore()
		res := issueSession(t, store, 5)
		iss := testIssuer(store, issueInstant)
		if err := iss.Revoke(ctx, res.Token.ID); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		at := issueInstant.Add(5 * time.Minute)
		if _, err := testScanner(store, at).Validate(ctx, res.Token.ID, "stud-a", at); !errors.Is(err, ErrTokenUnusable) {
			t.Errorf("err = %v, want ErrTokenUnusable", err)
		}
	})

	t.Run("inactive session", func(t *testing.T) {
		store := newMemStore()
		res := issueSession(t, store, 5)
		store.sessions[res.Session.ID].Active = false
		at := issueInstant.Add(5 * time.Minute)
		if _, err := testScanner(store, at).Validate(ctx, res.Token.ID, "stud-a", at); !errors.Is(err, ErrSessionUnavailable) {
			t.Errorf("err = %v, want ErrSessionUnavailable", err)
		}
	})

	t.Run("before window opens", func(t *testing.T) {
		store := newMemStore()
		draft := testDraft()
		draft.StartTime = "09:30" // window opens 09:00, issuance at 08:40
		res, err := testIssuer(store, issueInstant).Issue(ctx, draft, 120)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		at := issueInstant.Add(10 * time.Minute) // 08:50
		if _, err := testScanner(store, at).Validate(ctx, res.Token.ID, "stud-a", at); !errors.Is(err, ErrOutsideWindow) {
			t.Errorf("err = %v, want ErrOutsideWindow", err)
		}
	})
}

func TestConcurrentScansRespectBudget(t *testing.T) {
	store := newMemStore()
	res := issueSession(t, store, 5)
	at := issueInstant.Add(10 * time.Minute)
	scanner := testScanner(store, at)
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = scanner.Scan(ctx, res.Token.ID, fmt.Sprintf("stud-%d", n), at, "")
		}(n)
	}
	wg.Wait()

	accepted := 0
	for n, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrTokenUnusable):
		default:
			t.Errorf("racer %d unexpected err: %v", n, err)
		}
	}
	if accepted != 5 {
		t.Errorf("accepted %d scans, want exactly the limit 5", accepted)
	}
	tok, _ := store.GetToken(ctx, res.Token.ID)
	if tok.ScanCount != 5 || tok.Active {
		t.Errorf("token count=%d active=%v, want 5/false", tok.ScanCount, tok.Active)
	}
	sess, _ := store.GetSession(ctx, res.Session.ID)
	if sess.AttendanceCount != 5 {
		t.Errorf("session aggregate = %d, want 5", sess.AttendanceCount)
	}
}

func TestConcurrentDuplicateScans(t *testing.T) {
	store := newMemStore()
	res := issueSession(t, store, 50)
	at := issueInstant.Add(10 * time.Minute)
	scanner := testScanner(store, at)
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = scanner.Scan(ctx, res.Token.ID, "stud-a", at, "")
		}(n)
	}
	wg.Wait()

	accepted := 0
	for n, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyRecorded):
		default:
			t.Errorf("racer %d unexpected err: %v", n, err)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted %d duplicate scans, want exactly 1", accepted)
	}
	entries, _ := store.ListEntries(ctx, res.Session.ID, 0, 0)
	if len(entries) != 1 {
		t.Errorf("%d entries for one student, want 1", len(entries))
	}
	tok, _ := store.GetToken(ctx, res.Token.ID)
	if tok.ScanCount != 1 {
		t.Errorf("duplicates consumed budget: count = %d", tok.ScanCount)
	}
}
