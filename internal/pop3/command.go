package pop3

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ConnectionLogger is the interface for accessing the logger from commands.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command represents a POP3 command that can be executed.
type Command interface {
	// Name returns the command name (e.g., "USER", "PASS", "QUIT").
	Name() string

	// Execute processes the command and returns a response.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response represents a POP3 response to a command.
type Response struct {
	// OK indicates success (+OK) or failure (-ERR).
	OK bool

	// Message is the response message (without +OK/-ERR prefix).
	Message string

	// Multiline marks a list-style response (LIST/UIDL without argument).
	// The terminating "." is written even when Lines is empty, which is
	// the case for an empty mailbox.
	Multiline bool

	// Lines contains multi-line response data (for LIST/UIDL). Each line
	// already ends in CRLF on the wire, so the terminator is just ".".
	Lines []string

	// Body is a raw message payload for RETR, written verbatim and
	// terminated by CRLF "." CRLF.
	Body []byte

	// Quit terminates the session after the response is written.
	Quit bool
}

// String formats the status line and any multi-line payload.
func (r Response) String() string {
	var sb strings.Builder

	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}

	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}

	sb.WriteString("\r\n")

	if r.Body != nil {
		sb.Write(r.Body)
		sb.WriteString("\r\n.\r\n")
		return sb.String()
	}

	if r.Multiline || len(r.Lines) > 0 {
		for _, line := range r.Lines {
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

// CommandRegistry maps command names to their implementations.
type CommandRegistry struct {
	commands map[string]Command
}

// Register adds a command to the registry.
func (r *CommandRegistry) Register(cmd Command) {
	if r.commands == nil {
		r.commands = make(map[string]Command)
	}
	r.commands[strings.ToUpper(cmd.Name())] = cmd
}

// Get retrieves a command from the registry by name.
func (r *CommandRegistry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand parses a POP3 command line into command name and arguments.
// Only the command word is case-insensitive; arguments keep their case.
func ParseCommand(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	parts := strings.Fields(line)
	cmdName := strings.ToUpper(parts[0])
	args := parts[1:]

	return cmdName, args, nil
}
