package stage

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Exchange represents a user-assistant conversation turn.
type Exchange struct {
	UserText  string    `json:"userText"`
	ReplyText string    `json:"replyText"`
	Timestamp time.Time `json:"timestamp"`
}

// History tracks bounded conversation context for one session. When the
// bound is exceeded the oldest exchanges are evicted first.
type History struct {
	mu        sync.RWMutex
	exchanges []Exchange
	maxLen    int
}

// NewHistory creates a History bounded at maxLen exchanges.
func NewHistory(maxLen int) *History {
	if maxLen <= 0 {
		maxLen = 20
	}
	return &History{
		exchanges: make([]Exchange, 0, maxLen),
		maxLen:    maxLen,
	}
}

// Append records a user/reply exchange pair, evicting from the front
// when the bound is exceeded.
func (h *History) Append(userText, replyText string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.exchanges = append(h.exchanges, Exchange{
		UserText:  userText,
		ReplyText: replyText,
		Timestamp: time.Now(),
	})

	if len(h.exchanges) > h.maxLen {
		h.exchanges = h.exchanges[len(h.exchanges)-h.maxLen:]
	}
}

// Context returns the most recent window exchanges formatted for
// inclusion in a generation prompt, oldest first. It does not mutate
// state. Returns "" when the history is empty.
func (h *History) Context(window int) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.exchanges) == 0 || window <= 0 {
		return ""
	}

	start := len(h.exchanges) - window
	if start < 0 {
		start = 0
	}

	var sb strings.Builder
	for _, ex := range h.exchanges[start:] {
		fmt.Fprintf(&sb, "User: %s\n", ex.UserText)
		fmt.Fprintf(&sb, "Assistant: %s\n", ex.ReplyText)
	}
	return sb.String()
}

// Len returns the number of stored exchanges.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.exchanges)
}

// Exchanges returns a copy of the stored exchanges, oldest first.
func (h *History) Exchanges() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Exchange, len(h.exchanges))
	copy(out, h.exchanges)
	return out
}

// Clear removes all conversation history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = make([]Exchange, 0, h.maxLen)
}

// Sessions holds one History per session id. Histories are created on
// first use so concurrent sessions never share context.
type Sessions struct {
	mu     sync.Mutex
	byID   map[string]*History
	maxLen int
}

// NewSessions creates a session registry whose histories are bounded at
// maxLen exchanges.
func NewSessions(maxLen int) *Sessions {
	return &Sessions{
		byID:   make(map[string]*History),
		maxLen: maxLen,
	}
}

// Session returns the history for id, creating it if needed.
func (s *Sessions) Session(id string) *History {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byID[id]
	if !ok {
		h = NewHistory(s.maxLen)
		s.byID[id] = h
	}
	return h
}

// Reset clears the history for id. Resetting an unknown id is a no-op.
func (s *Sessions) Reset(id string) {
	s.mu.Lock()
	h, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		h.Clear()
	}
}
