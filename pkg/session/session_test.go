package session

import (
	"context"
	"testing"
	"time"

	"github.com/opsdesk/opsdesk/pkg/contextkeys"
)

func TestIssueAndParse(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.Issue(42, "agent@example.com", "agent")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	s, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Failed to parse token: %v", err)
	}
	if s.UserID != 42 {
		t.Errorf("Expected user id 42, got %d", s.UserID)
	}
	if s.Email != "agent@example.com" {
		t.Errorf("Expected email agent@example.com, got %s", s.Email)
	}
	if s.Role != "agent" {
		t.Errorf("Expected role agent, got %s", s.Role)
	}
	if s.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("Expiry too early: %v", s.ExpiresAt)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).Issue(1, "a@example.com", "admin")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	if _, err := NewManager("secret-b", time.Hour).Parse(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := m.Parse(token); err != ErrInvalidToken {
			t.Errorf("Token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret", -time.Minute)

	token, err := m.Issue(7, "expired@example.com", "agent")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	if _, err := m.Parse(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("Expected no session on empty context")
	}

	want := &Session{UserID: 5, Email: "u@example.com", Role: "manager"}
	ctx := context.WithValue(context.Background(), contextkeys.SessionKey, want)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("Expected session on context")
	}
	if got.UserID != 5 {
		t.Errorf("Expected user id 5, got %d", got.UserID)
	}
}
