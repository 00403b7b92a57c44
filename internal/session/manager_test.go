package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/event"
)

func eventStub() event.Event {
	return event.Event{Kind: event.KindNotificationNew, Timestamp: time.Now().UTC()}
}

func testToken(t *testing.T, userID, role string) string {
	t.Helper()
	t.Setenv("PULSEBOARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)
	token, err := auth.GenerateToken(userID, role, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

type recordingRooms struct {
	grantChanges int
	detached     int
}

func (r *recordingRooms) OnGrantChange(*Session) { r.grantChanges++ }
func (r *recordingRooms) DetachAll(*Session)     { r.detached++ }

func TestAuthenticateEstablishesSession(t *testing.T) {
	grants := auth.NewMemoryGrants()
	grants.Grant("user-1", "track-a", auth.PermissionView)
	m := NewManager(grants)

	s, err := m.Authenticate(context.Background(), testToken(t, "user-1", auth.RoleMember))
	if err != nil {
		t.Fatal(err)
	}
	if s.UserID != "user-1" || s.Role != auth.RoleMember {
		t.Fatalf("unexpected identity: %s %s", s.UserID, s.Role)
	}
	if !s.Allows("track-a", auth.PermissionView) {
		t.Fatal("grant snapshot missing")
	}
	if s.Allows("track-a", auth.PermissionEdit) {
		t.Fatal("edit allowed with only view grant")
	}
	if got, ok := m.Get(s.ID); !ok || got != s {
		t.Fatal("session not retrievable by id")
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1", m.Count())
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	t.Setenv("PULSEBOARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	m := NewManager(auth.NewMemoryGrants())
	if _, err := m.Authenticate(context.Background(), "garbage"); !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	grants := auth.NewMemoryGrants()
	m := NewManager(grants)
	rooms := &recordingRooms{}
	m.SetRooms(rooms)

	s, err := m.Authenticate(context.Background(), testToken(t, "user-1", auth.RoleMember))
	if err != nil {
		t.Fatal(err)
	}

	m.Terminate(s.ID)
	m.Terminate(s.ID)

	if m.Count() != 0 {
		t.Fatalf("count = %d after terminate", m.Count())
	}
	if rooms.detached != 1 {
		t.Fatalf("DetachAll called %d times, want 1", rooms.detached)
	}
	if _, open := <-s.Events(); open {
		t.Fatal("event channel still open after terminate")
	}
	if s.Send(eventStub()) {
		t.Fatal("send succeeded on terminated session")
	}
}

func TestRefreshGrantsForUserReachesEverySession(t *testing.T) {
	grants := auth.NewMemoryGrants()
	m := NewManager(grants)
	rooms := &recordingRooms{}
	m.SetRooms(rooms)

	token := testToken(t, "user-1", auth.RoleMember)
	s1, err := m.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}

	m.RefreshGrantsForUser("user-1", auth.Grants{
		"track-a": {auth.PermissionView: {}},
	})

	for _, s := range []*Session{s1, s2} {
		if !s.Allows("track-a", auth.PermissionView) {
			t.Fatalf("session %s missing refreshed grant", s.ID)
		}
	}
	if rooms.grantChanges != 2 {
		t.Fatalf("OnGrantChange called %d times, want 2", rooms.grantChanges)
	}
}
