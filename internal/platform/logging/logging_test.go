package logging

import "testing"

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, err := New("chatty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatal("expected debug to be disabled at info level")
	}
	if !log.Core().Enabled(0) {
		t.Fatal("expected info to be enabled")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	log, err := New(" DEBUG ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Fatal("expected debug to be enabled")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
}
