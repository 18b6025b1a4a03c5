package smtp

import (
	"context"
	"fmt"
	"regexp"

	"github.com/teachmail/mailrelay/internal/dns"
	"github.com/teachmail/mailrelay/internal/userdb"
)

// Command interface defines the contract for SMTP commands using regexp patterns
type Command interface {
	// Pattern returns the compiled regexp for matching this command
	Pattern() *regexp.Regexp

	// Execute processes the command. matches[0] is full line, matches[1:] are capture groups
	Execute(ctx context.Context, session *Session, matches []string) (Result, error)
}

// Result represents the result of processing an SMTP command
type Result struct {
	Code    int
	Message string   // Single-line message
	Lines   []string // Pre-formatted multi-line response (overrides Code/Message if present)
	Quit    bool     // Terminate the session after writing the response
}

// CommandRegistry holds registered commands and matches input against them
type CommandRegistry struct {
	commands []Command
}

// NewCommandRegistry creates a new command registry with all supported
// SMTP commands.
func NewCommandRegistry(hostname string, users *userdb.DB, resolver dns.Resolver) *CommandRegistry {
	return &CommandRegistry{
		commands: []Command{
			&AUTHCommand{users: users},
			&EHLOCommand{},
			&HELOCommand{},
			&MAILCommand{resolver: resolver},
			&RCPTCommand{hostname: hostname, users: users, resolver: resolver},
			&DATACommand{},
			&RSETCommand{},
			&NOOPCommand{},
			&QUITCommand{},
			&NotImplementedCommand{},
		},
	}
}

// Match finds the command that matches the input line and returns it with captured groups
func (r *CommandRegistry) Match(line string) (Command, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// Pre-compiled regexp patterns for SMTP commands
var (
	heloPattern    = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	ehloPattern    = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	authPattern    = regexp.MustCompile(`(?i)^AUTH\s+PLAIN(?:\s+(\S+))?\s*$`)
	mailPattern    = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*(\S+)\s*$`)
	rcptPattern    = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*(\S+)\s*$`)
	dataPattern    = regexp.MustCompile(`(?i)^DATA\s*$`)
	rsetPattern    = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern    = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern    = regexp.MustCompile(`(?i)^QUIT\s*$`)
	notImplPattern = regexp.MustCompile(`(?i)^(VRFY|EXPN|HELP)(?:\s.*)?$`)
)

// HELOCommand implements the HELO command
type HELOCommand struct{}

func (c *HELOCommand) Pattern() *regexp.Regexp {
	return heloPattern
}

func (c *HELOCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateNew {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	session.SetHelo(matches[1])
	session.SetType(TypeSMTP)
	session.SetState(StateHelo)

	return Result{Code: 250, Message: "Hello " + matches[1] + "!"}, nil
}

// EHLOCommand implements the EHLO command. The reply advertises the
// single supported extension, AUTH PLAIN.
type EHLOCommand struct{}

func (c *EHLOCommand) Pattern() *regexp.Regexp {
	return ehloPattern
}

func (c *EHLOCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateNew {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	session.SetHelo(matches[1])
	session.SetType(TypeESMTP)
	session.SetState(StateEhlo)

	return Result{Lines: []string{
		"250-Hello " + matches[1] + "!",
		"250 AUTH PLAIN",
	}}, nil
}

// AUTHCommand implements AUTH PLAIN, in both the inline form (the base64
// response on the command line) and the challenge form (an empty 334
// challenge followed by the response on its own line).
type AUTHCommand struct {
	users *userdb.DB
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateEhlo {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	if matches[1] == "" {
		// Challenge form: the response arrives on the next line
		session.SetState(StateAuth)
		return Result{Lines: []string{"334 "}}, nil
	}

	user, ok := verifyPlainAuth(c.users, matches[1])
	if !ok {
		return Result{Code: 535, Message: "Error: authentication failed"}, nil
	}

	session.SetAuthenticated(user)
	session.SetState(StateHelo)
	return Result{Code: 235, Message: "Authentication successful"}, nil
}

// MAILCommand implements the MAIL command
type MAILCommand struct {
	resolver dns.Resolver
}

func (c *MAILCommand) Pattern() *regexp.Regexp {
	return mailPattern
}

func (c *MAILCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateHelo && session.State() != StateEhlo {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	addr, err := ValidateAddress(ctx, c.resolver, matches[1])
	if err != nil {
		return Result{Code: 501, Message: "syntax error in parameters or arguments"}, nil
	}

	session.SetSender(addr.String())
	session.SetState(StateFrom)

	return Result{Code: 250, Message: fmt.Sprintf("Sender %s OK", addr)}, nil
}

// RCPTCommand implements the RCPT command, including the relay policy:
// non-local recipients are only accepted from authenticated sessions.
type RCPTCommand struct {
	hostname string
	users    *userdb.DB
	resolver dns.Resolver
}

func (c *RCPTCommand) Pattern() *regexp.Regexp {
	return rcptPattern
}

func (c *RCPTCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateFrom {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	addr, err := ValidateAddress(ctx, c.resolver, matches[1])
	if err != nil {
		return Result{Code: 501, Message: "syntax error in parameters or arguments"}, nil
	}

	local := IsLocalRecipient(addr, c.hostname, c.users)
	if !local && !session.IsAuthenticated() {
		// Stay in FROM so the client may retry with a local recipient
		return Result{Code: 554, Message: fmt.Sprintf("%s: Relay access denied", addr)}, nil
	}

	session.SetRecipient(addr.String(), local)
	session.SetState(StateRcpt)

	return Result{Code: 250, Message: fmt.Sprintf("RCPT %s seems to be OK", addr)}, nil
}

// DATACommand implements the DATA command.
type DATACommand struct{}

func (c *DATACommand) Pattern() *regexp.Regexp {
	return dataPattern
}

func (c *DATACommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() != StateRcpt {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	session.SetState(StateData)

	// Historical quirk kept for compatibility with existing clients of
	// this server: the go-ahead is a 250, not the RFC 5321 354.
	return Result{Code: 250, Message: "Waiting for Data, End with <CR><LF>.<CR><LF>"}, nil
}

// RSETCommand implements the RSET command
type RSETCommand struct{}

func (c *RSETCommand) Pattern() *regexp.Regexp {
	return rsetPattern
}

func (c *RSETCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	if session.State() == StateNew {
		return Result{Code: 503, Message: "Bad Sequence of Commands"}, nil
	}

	session.Reset()
	return Result{Code: 250, Message: "RESET Accepted, Resetted"}, nil
}

// NOOPCommand implements the NOOP command
type NOOPCommand struct{}

func (c *NOOPCommand) Pattern() *regexp.Regexp {
	return noopPattern
}

func (c *NOOPCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	return Result{Code: 250, Message: "NOOP Ok, I'm here"}, nil
}

// QUITCommand implements the QUIT command
type QUITCommand struct{}

func (c *QUITCommand) Pattern() *regexp.Regexp {
	return quitPattern
}

func (c *QUITCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	return Result{Code: 221, Message: "Bye Bye.", Quit: true}, nil
}

// NotImplementedCommand answers VRFY, EXPN and HELP.
type NotImplementedCommand struct{}

func (c *NotImplementedCommand) Pattern() *regexp.Regexp {
	return notImplPattern
}

func (c *NotImplementedCommand) Execute(ctx context.Context, session *Session, matches []string) (Result, error) {
	return Result{Code: 502, Message: fmt.Sprintf("%s Command not implemented", matches[1])}, nil
}
