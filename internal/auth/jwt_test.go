package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("lect-1", RoleLecturer, "qrattend", "test-key", 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "test-key", "qrattend")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "lect-1" || claims.Role != RoleLecturer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKeyAndIssuer(t *testing.T) {
	pair, err := Issue("stud-1", RoleStudent, "qrattend", "test-key", 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(pair.AccessToken, "other-key", "qrattend"); err == nil {
		t.Error("token accepted with wrong signing key")
	}
	if _, err := Parse(pair.AccessToken, "test-key", "someone-else"); err == nil {
		t.Error("token accepted with wrong issuer")
	}
}
