// Package pop3 implements the server side of the POP3 and POP3S
// listeners: the authorization and transaction state machines over the
// mailbox store, with the at-most-one-session-per-mailbox lock.
package pop3

import (
	"errors"

	"github.com/teachmail/mailrelay/internal/store"
)

// Errors used by POP3 command handling.
var (
	ErrNoSuchMessage = errors.New("no such message")
)

// SessionState represents the POP3 session state.
type SessionState int

const (
	// StateAuth is the authorization state: USER/PASS/QUIT only.
	StateAuth SessionState = iota
	// StateTransaction is entered after a successful PASS while holding
	// the mailbox lock.
	StateTransaction
)

// Session holds per-connection POP3 state. A non-nil mailbox implies the
// session holds the user's mailbox lock.
type Session struct {
	state     SessionState
	user      string
	box       *store.Box
	committed bool
}

// NewSession creates a session in the authorization state.
func NewSession() *Session {
	return &Session{state: StateAuth}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state
}

// User returns the candidate or authenticated user name.
func (s *Session) User() string {
	return s.user
}

// SetUser stores the candidate user name from USER.
func (s *Session) SetUser(user string) {
	s.user = user
}

// Box returns the open mailbox view, or nil outside TRANSACTION.
func (s *Session) Box() *store.Box {
	return s.box
}

// EnterTransaction stores the open mailbox and moves to TRANSACTION.
func (s *Session) EnterTransaction(box *store.Box) {
	s.box = box
	s.state = StateTransaction
}

// MarkCommitted records that QUIT committed the deletion marks, so the
// connection teardown must not roll them back.
func (s *Session) MarkCommitted() {
	s.committed = true
}

// Committed reports whether deletions were committed by QUIT.
func (s *Session) Committed() bool {
	return s.committed
}
