// Package smtp implements the server side of the SMTP listener: the
// per-connection state machine, command parsing, PLAIN authentication and
// the handoff of accepted mail to the local store or the forwarder.
package smtp

import "errors"

// Errors for SMTP command processing
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadSequence    = errors.New("bad sequence of commands")
)

// SessionType distinguishes plain SMTP from ESMTP sessions.
type SessionType int

const (
	TypeSMTP SessionType = iota
	TypeESMTP
)

// SessionState represents the current state of an SMTP session
type SessionState int

const (
	StateNew  SessionState = iota // Initial state, waiting for HELO/EHLO
	StateHelo                     // After HELO, or after successful AUTH
	StateEhlo                     // After EHLO, AUTH PLAIN available
	StateFrom                     // After successful MAIL FROM
	StateRcpt                     // After successful RCPT TO
	StateData                     // In DATA mode, receiving message content
	StateAuth                     // AUTH PLAIN challenge sent, waiting for response
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHelo:
		return "HELO"
	case StateEhlo:
		return "EHLO"
	case StateFrom:
		return "FROM"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// Session holds per-connection SMTP state.
type Session struct {
	sessionType SessionType
	state       SessionState
	helo        string

	authenticated bool
	authUser      string

	sender         string
	recipient      string
	recipientLocal bool
	body           []string
}

// NewSession creates a session in the initial state.
func NewSession() *Session {
	return &Session{
		sessionType: TypeSMTP,
		state:       StateNew,
	}
}

// Type returns the session type.
func (s *Session) Type() SessionType {
	return s.sessionType
}

// SetType sets the session type.
func (s *Session) SetType(t SessionType) {
	s.sessionType = t
}

// State returns the current session state
func (s *Session) State() SessionState {
	return s.state
}

// SetState sets the session state
func (s *Session) SetState(state SessionState) {
	s.state = state
}

// SetHelo sets the peer-announced host.
func (s *Session) SetHelo(host string) {
	s.helo = host
}

// Helo returns the peer-announced host.
func (s *Session) Helo() string {
	return s.helo
}

// SetAuthenticated marks the session as authenticated with the given user.
// Authenticated sessions are always ESMTP.
func (s *Session) SetAuthenticated(user string) {
	s.authenticated = true
	s.authUser = user
	s.sessionType = TypeESMTP
}

// IsAuthenticated returns whether the session is authenticated
func (s *Session) IsAuthenticated() bool {
	return s.authenticated
}

// AuthUser returns the authenticated username (empty if not authenticated)
func (s *Session) AuthUser() string {
	return s.authUser
}

// SetSender stores the envelope sender.
func (s *Session) SetSender(sender string) {
	s.sender = sender
}

// Sender returns the envelope sender.
func (s *Session) Sender() string {
	return s.sender
}

// SetRecipient stores the envelope recipient and whether it is local.
func (s *Session) SetRecipient(recipient string, local bool) {
	s.recipient = recipient
	s.recipientLocal = local
}

// Recipient returns the envelope recipient.
func (s *Session) Recipient() string {
	return s.recipient
}

// RecipientIsLocal reports whether the recipient resolves to a local mailbox.
func (s *Session) RecipientIsLocal() bool {
	return s.recipientLocal
}

// AppendBodyLine appends a received body line.
func (s *Session) AppendBodyLine(line string) {
	s.body = append(s.body, line)
}

// TakeBody moves the accumulated body out of the session. The session
// retains nothing after the move.
func (s *Session) TakeBody() []string {
	body := s.body
	s.body = nil
	return body
}

// InData returns whether the session is in DATA mode
func (s *Session) InData() bool {
	return s.state == StateData
}

// Reset clears the envelope and body for a new transaction (keeps HELO
// and authentication) and returns the session to the HELO state.
func (s *Session) Reset() {
	s.sender = ""
	s.recipient = ""
	s.recipientLocal = false
	s.body = nil
	s.state = StateHelo
}
