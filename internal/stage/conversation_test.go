package stage

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewHistory_InvalidBound(t *testing.T) {
	// Zero or negative bounds fall back to the default
	h := NewHistory(0)
	for i := 0; i < 25; i++ {
		h.Append(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	if h.Len() != 20 {
		t.Errorf("expected default bound of 20, got %d", h.Len())
	}
}

func TestHistory_Append(t *testing.T) {
	h := NewHistory(3)

	h.Append("Hello", "Hi there!")
	if h.Len() != 1 {
		t.Errorf("expected 1 exchange, got %d", h.Len())
	}

	h.Append("How are you?", "I'm doing well!")
	if h.Len() != 2 {
		t.Errorf("expected 2 exchanges, got %d", h.Len())
	}
}

func TestHistory_Append_EvictsOldestFirst(t *testing.T) {
	h := NewHistory(20)

	for i := 0; i < 25; i++ {
		h.Append(fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
	}

	if h.Len() != 20 {
		t.Errorf("expected 20 exchanges after eviction, got %d", h.Len())
	}

	exchanges := h.Exchanges()
	if exchanges[0].UserText != "question 5" {
		t.Errorf("expected oldest exchange to be 'question 5', got %q", exchanges[0].UserText)
	}
	if exchanges[19].UserText != "question 24" {
		t.Errorf("expected newest exchange to be 'question 24', got %q", exchanges[19].UserText)
	}
	// Oldest-first order preserved
	for i := 1; i < len(exchanges); i++ {
		if exchanges[i].Timestamp.Before(exchanges[i-1].Timestamp) {
			t.Errorf("exchange %d out of order", i)
		}
	}
}

func TestHistory_Context(t *testing.T) {
	h := NewHistory(20)

	if ctx := h.Context(5); ctx != "" {
		t.Errorf("expected empty context for no exchanges, got %q", ctx)
	}

	for i := 0; i < 10; i++ {
		h.Append(fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
	}

	ctx := h.Context(5)
	if strings.Contains(ctx, "question 4") {
		t.Errorf("context window of 5 should not include question 4:\n%s", ctx)
	}
	for i := 5; i < 10; i++ {
		if !strings.Contains(ctx, fmt.Sprintf("question %d", i)) {
			t.Errorf("context missing question %d:\n%s", i, ctx)
		}
	}

	// Oldest of the window comes first
	if strings.Index(ctx, "question 5") > strings.Index(ctx, "question 9") {
		t.Error("context window not oldest-first")
	}

	// Rendering does not mutate state
	if h.Len() != 10 {
		t.Errorf("Context mutated history: %d exchanges", h.Len())
	}
}

func TestHistory_Context_WindowLargerThanHistory(t *testing.T) {
	h := NewHistory(20)
	h.Append("only question", "only answer")

	ctx := h.Context(5)
	if !strings.Contains(ctx, "only question") {
		t.Errorf("expected single exchange in context, got %q", ctx)
	}
}

func TestHistory_Clear(t *testing.T) {
	h := NewHistory(20)
	h.Append("question", "answer")
	h.Clear()

	if h.Len() != 0 {
		t.Errorf("expected empty history after Clear, got %d", h.Len())
	}
	if ctx := h.Context(5); ctx != "" {
		t.Errorf("expected empty context after Clear, got %q", ctx)
	}
}

func TestSessions_ScopedPerID(t *testing.T) {
	s := NewSessions(20)

	s.Session("alice").Append("hi from alice", "hello alice")
	s.Session("bob").Append("hi from bob", "hello bob")

	if got := s.Session("alice").Len(); got != 1 {
		t.Errorf("expected 1 exchange for alice, got %d", got)
	}
	aliceCtx := s.Session("alice").Context(5)
	if strings.Contains(aliceCtx, "bob") {
		t.Errorf("alice's context leaked bob's exchange:\n%s", aliceCtx)
	}
}

func TestSessions_Reset(t *testing.T) {
	s := NewSessions(20)
	s.Session("alice").Append("hi", "hello")

	s.Reset("alice")
	if got := s.Session("alice").Len(); got != 0 {
		t.Errorf("expected empty history after Reset, got %d", got)
	}

	// Resetting an unknown id is a no-op
	s.Reset("nobody")
}
