package auth

import (
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("PULSEBOARD_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParseToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-1", "Member", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != RoleMember {
		t.Fatalf("role not normalized: %s", claims.Role)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-1", RoleMember, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t)

	for _, raw := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := ParseAndValidate(raw); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("token %q: expected ErrAuthenticationFailed, got %v", raw, err)
		}
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t)
	token, err := GenerateToken("user-1", RoleMember, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("PULSEBOARD_AUTH_SECRET", "other-secret")
	ResetSecretForTests()
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	t.Setenv("PULSEBOARD_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", RoleMember, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}
