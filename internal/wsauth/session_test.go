package wsauth

import (
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestIssueAndValidateToken_RoundTrip(t *testing.T) {
	m := testManager(t)
	claims := Claims{Subject: "user-1", UserID: "user-1", Role: "admin"}

	token, err := m.IssueToken(claims, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	got, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if *got != claims {
		t.Errorf("ValidateToken() = %+v, want %+v", *got, claims)
	}
}

func TestValidateToken_RejectsExpired(t *testing.T) {
	m := testManager(t)
	token, err := m.IssueToken(Claims{Subject: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("expected an error validating an already-expired token")
	}
}

func TestValidateToken_RejectsWrongKey(t *testing.T) {
	m1 := testManager(t)
	token, err := m1.IssueToken(Claims{Subject: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	m2, err := NewManager("fedcba9876543210fedcba9876543210")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m2.ValidateToken(token); err == nil {
		t.Fatal("expected an error validating a token signed with a different key")
	}
}

func TestValidateToken_RejectsGarbage(t *testing.T) {
	m := testManager(t)
	if _, err := m.ValidateToken("not-a-jwt"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestNewManager_RejectsShortSecret(t *testing.T) {
	if _, err := NewManager("too-short"); err == nil {
		t.Fatal("expected an error for a secret under 32 bytes")
	}
}

func TestGenerateDevSecret_MeetsMinimumLength(t *testing.T) {
	secret := GenerateDevSecret()
	if len(secret) < 32 {
		t.Errorf("GenerateDevSecret() length = %d, want >= 32", len(secret))
	}
}
