package chat

import "sync"

// Conversation states.
const (
	StateIdle      = "idle"
	StateAwaiting  = "awaiting_response"
	StateStreaming = "streaming"
	StateError     = "error"
)

// session serializes turns of one conversation and tracks its state.
type session struct {
	turn sync.Mutex
	refs int // guarded by Manager.mu

	mu    sync.Mutex
	state string
}

func (s *session) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

// set moves to state `to` and returns the previous state.
func (s *session) set(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if from == "" {
		from = StateIdle
	}
	s.state = to
	return from
}
