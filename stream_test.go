package relay

import (
	"testing"
	"time"
)

// TestStreamWriteRead tests that Read drains exactly what was written since
// the previous drain.
func TestStreamWriteRead(t *testing.T) {
	t.Parallel()

	s := NewStream()
	defer s.End()

	if s.ID() == "" {
		t.Fatal("stream has no id")
	}

	if err := s.Write("a"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write("b"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	backlog, ended := s.Read()
	if len(backlog) != 2 || backlog[0] != "a" || backlog[1] != "b" {
		t.Errorf("Read() backlog = %v, want [a b]", backlog)
	}
	if ended {
		t.Error("Read() ended = true, want false")
	}

	// Second drain only sees values written after the first.
	if err := s.Write("c"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	backlog, _ = s.Read()
	if len(backlog) != 1 || backlog[0] != "c" {
		t.Errorf("Read() backlog = %v, want [c]", backlog)
	}
}

// TestStreamEnd tests end semantics: final notification, no further writes,
// idempotent end.
func TestStreamEnd(t *testing.T) {
	t.Parallel()

	s := NewStream()

	changes := 0
	s.OnChange(func() { changes++ })

	if err := s.Write("a"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	s.End()
	s.End() // idempotent

	if changes != 2 {
		t.Errorf("change notifications = %d, want 2 (one write, one end)", changes)
	}

	if err := s.Write("b"); err == nil {
		t.Error("Write() after End succeeded, want error")
	}

	backlog, ended := s.Read()
	if !ended {
		t.Error("Read() ended = false after End")
	}
	if len(backlog) != 1 || backlog[0] != "a" {
		t.Errorf("Read() backlog = %v, want pending value flushed", backlog)
	}

	// Listeners are cleared on end; registration afterwards is a no-op.
	s.OnChange(func() { t.Error("listener registered after End fired") })
}

// TestStreamChangeNotifications tests one notification per write
func TestStreamChangeNotifications(t *testing.T) {
	t.Parallel()

	s := NewStream()
	defer s.End()

	var drains [][]any
	s.OnChange(func() {
		backlog, _ := s.Read()
		drains = append(drains, backlog)
	})

	s.Write(1)
	s.Write(2)

	if len(drains) != 2 {
		t.Fatalf("drains = %d, want 2", len(drains))
	}
	if len(drains[0]) != 1 || len(drains[1]) != 1 {
		t.Errorf("each drain should carry only values since the previous one, got %v", drains)
	}
}

// TestStreamInactivityTimeout tests that an idle stream auto-ends
func TestStreamInactivityTimeout(t *testing.T) {
	t.Parallel()

	s := NewStreamTimeout(20 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		if _, ended := s.Read(); ended {
			return
		}
		select {
		case <-deadline:
			t.Fatal("stream did not auto-end after inactivity timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
