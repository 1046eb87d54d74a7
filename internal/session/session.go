// Package session holds the in-memory state of one running client: the
// pointer to the conversation currently receiving messages, and the flag for
// the turn that is streaming right now.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTurnActive is returned when an operation is rejected because a
// completion is still streaming for this session.
var ErrTurnActive = errors.New("session: a completion is already in flight")

// CancelToken is the cooperative cancellation flag for one turn. The engine
// polls it at every fragment boundary; cancellation is never preemptive.
type CancelToken struct {
	cancelled atomic.Bool
}

func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Session is safe for use from the presentation thread and one background
// completion worker at a time.
type Session struct {
	mu         sync.Mutex
	current    int64
	hasCurrent bool
	active     *CancelToken
}

func New() *Session {
	return &Session{}
}

// Current returns the current conversation id, if any.
func (s *Session) Current() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

func (s *Session) SetCurrent(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = conversationID
	s.hasCurrent = true
}

// ClearCurrent drops the pointer; the session shows an empty state until the
// next conversation is selected or created.
func (s *Session) ClearCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
	s.hasCurrent = false
}

// BeginTurn marks the session busy and hands out the turn's cancel token.
// At most one turn may be in flight; a second caller gets ErrTurnActive.
func (s *Session) BeginTurn() (*CancelToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrTurnActive
	}
	s.active = &CancelToken{}
	return s.active, nil
}

// EndTurn releases the busy flag. Safe to call when no turn is active.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// Busy reports whether a completion is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// CancelActive flips the active turn's cancel flag and reports whether there
// was a turn to cancel. Fragments already emitted are not retracted.
func (s *Session) CancelActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	s.active.Cancel()
	return true
}
