package streaming

import (
	"fmt"
	"time"

	"tldr-bot/internal/domain"
)

// State is the lifecycle phase of one live message.
type State int

const (
	StateNotStarted State = iota
	StateActive
	StateFinalizing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateNotStarted: {StateActive, StateTerminal},
	StateActive:     {StateFinalizing, StateTerminal},
	StateFinalizing: {StateTerminal},
}

// Session tracks one live message. It is owned by a single goroutine.
type Session struct {
	state  State
	handle string
	chunks int

	// sent counts runes delivered into the message since Start, prefix included.
	sent         int
	lastDispatch time.Time

	// halted is set once the message stops accepting appends.
	halted bool
}

// State returns the current phase.
func (s *Session) State() State { return s.state }

// Handle returns the live message handle, or "" before it exists.
func (s *Session) Handle() string { return s.handle }

// Chunks returns the number of chunks dispatched so far.
func (s *Session) Chunks() int { return s.chunks }

// Sent returns the runes delivered into the live message so far.
func (s *Session) Sent() int { return s.sent }

// LastDispatch returns when the last chunk was sent.
func (s *Session) LastDispatch() time.Time { return s.lastDispatch }

// Halted reports whether appends have been stopped.
func (s *Session) Halted() bool { return s.halted }

func (s *Session) moveTo(next State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, s.state, next)
}

// Start records the created live message and the runes it opened with.
func (s *Session) Start(handle string, runes int, at time.Time) error {
	if err := s.moveTo(StateActive); err != nil {
		return err
	}
	s.handle = handle
	s.chunks = 1
	s.sent = runes
	s.lastDispatch = at
	return nil
}

// Dispatched counts an appended chunk of runes sent at at.
func (s *Session) Dispatched(runes int, at time.Time) {
	s.chunks++
	s.sent += runes
	s.lastDispatch = at
}

// Halt stops further appends.
func (s *Session) Halt() { s.halted = true }

// Finalize enters the flush phase.
func (s *Session) Finalize() error { return s.moveTo(StateFinalizing) }

// Finish ends the session from any phase.
func (s *Session) Finish() { s.state = StateTerminal }

// Forget drops the handle after the message was deleted.
func (s *Session) Forget() { s.handle = "" }
