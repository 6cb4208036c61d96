package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "companion", "socket", time.Now().Add(time.Minute))
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Mode != "companion" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerNewSessionEndsPreviousForUser(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "companion", "socket", time.Now().Add(time.Minute))
	second := m.Create("u1", "companion", "media", time.Now().Add(time.Minute))

	got, err := m.Get(first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("first Status = %q, want %q", got.Status, StatusEnded)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if second.TransportKind != "media" {
		t.Fatalf("TransportKind = %q, want media", second.TransportKind)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "companion", "socket", time.Now().Add(time.Minute))

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire session")
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("Status = %q, want %q", got.Status, StatusExpired)
	}
}

func TestManagerBindRemote(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "companion", "socket", time.Now().Add(time.Minute))
	if err := m.BindRemote(s.ID, "sess_remote"); err != nil {
		t.Fatalf("BindRemote() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.RemoteID != "sess_remote" {
		t.Fatalf("RemoteID = %q, want sess_remote", got.RemoteID)
	}
	if err := m.BindRemote("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("BindRemote(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRunJanitorReturnsOnCancel(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunJanitor(ctx, 5*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunJanitor() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RunJanitor did not return after cancel")
	}
}
