package smtp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/teachmail/mailrelay/internal/dns"
	"github.com/teachmail/mailrelay/internal/logging"
	"github.com/teachmail/mailrelay/internal/metrics"
	"github.com/teachmail/mailrelay/internal/server"
	"github.com/teachmail/mailrelay/internal/userdb"
)

// Mailstore is the slice of the mailbox store the SMTP side needs.
type Mailstore interface {
	Push(user string, body []byte) error
}

// Forwarder accepts outbound deliveries handed off at end-of-DATA. The
// body is moved into the forwarder; the caller must not retain it.
type Forwarder interface {
	Enqueue(sender, recipient string, body []string, bounceOnFailure bool) error
}

// HandlerConfig carries the collaborators of the SMTP listener.
type HandlerConfig struct {
	Hostname  string
	Users     *userdb.DB
	Store     Mailstore
	Forwarder Forwarder
	Resolver  dns.Resolver
	Collector metrics.Collector
}

// Handler returns a ConnectionHandler that runs SMTP sessions.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	registry := NewCommandRegistry(cfg.Hostname, cfg.Users, cfg.Resolver)

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		session := NewSession()

		// Send greeting
		if err := conn.WriteLine("220 " + cfg.Hostname + " SMTP Relay ready"); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}

		// Command loop
		for {
			line, err := conn.ReadLine()
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}

			// DATA mode: everything except the lone terminator is body.
			// A line of ".." is body content, not an escaped dot.
			if session.InData() {
				if line == "." {
					result := deliver(ctx, cfg, collector, logger, session)
					if err := writeResult(conn, result); err != nil {
						logger.Debug("failed to write response", "error", err.Error())
						return
					}
					continue
				}
				session.AppendBodyLine(line)
				continue
			}

			// AUTH challenge mode: the line is the base64 PLAIN response
			if session.State() == StateAuth {
				collector.CommandProcessed("smtp", "AUTH")
				user, ok := verifyPlainAuth(cfg.Users, line)
				collector.AuthAttempt("smtp", ok)

				var result Result
				if ok {
					session.SetAuthenticated(user)
					session.SetState(StateHelo)
					result = Result{Code: 235, Message: "Authentication successful"}
					logger.Info("authentication successful", slog.String("user", user))
				} else {
					session.SetState(StateEhlo)
					result = Result{Code: 535, Message: "Error: authentication failed"}
				}
				if err := writeResult(conn, result); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				continue
			}

			if line == "" {
				continue
			}

			// Match command
			cmd, matches, err := registry.Match(line)
			if err != nil {
				if err := writeResult(conn, Result{Code: 500, Message: "Syntax error or command unrecognized"}); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
					return
				}
				continue
			}

			cmdName := extractCommandName(line)
			collector.CommandProcessed("smtp", cmdName)

			// Execute command
			result, execErr := cmd.Execute(ctx, session, matches)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				result = Result{Code: 451, Message: "Requested action aborted"}
			}

			if cmdName == "AUTH" && (result.Code == 235 || result.Code == 535) {
				collector.AuthAttempt("smtp", result.Code == 235)
			}

			if err := writeResult(conn, result); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			if result.Quit {
				return
			}
		}
	}
}

// deliver completes an SMTP transaction at end-of-DATA: local mail is
// pushed to the store, everything else is moved into a forward job. The
// session is reset to the HELO state either way.
func deliver(ctx context.Context, cfg HandlerConfig, collector metrics.Collector, logger *slog.Logger, session *Session) Result {
	body := session.TakeBody()
	sender := session.Sender()
	recipient := session.Recipient()
	local := session.RecipientIsLocal()
	session.Reset()

	size := bodySize(body)

	if local {
		user, _, _ := strings.Cut(recipient, "@")
		if err := cfg.Store.Push(user, flattenBody(body)); err != nil {
			logger.Error("local delivery failed",
				slog.String("user", user),
				slog.String("error", err.Error()),
			)
			return Result{Code: 452, Message: "Requested mail action aborted: exceeded storage allocation"}
		}

		collector.MessageAccepted("local", size)
		logger.Info("message delivered locally",
			slog.String("from", sender),
			slog.String("to", recipient),
			slog.Int64("size", size),
		)
		return Result{Code: 250, Message: "Message Accepted and delivered"}
	}

	if err := cfg.Forwarder.Enqueue(sender, recipient, body, true); err != nil {
		collector.MessageAccepted("forward_failed", size)
		logger.Error("forward handoff failed",
			slog.String("from", sender),
			slog.String("to", recipient),
			slog.String("error", err.Error()),
		)
		return Result{Code: 250, Message: "Message Accepted but forward failed"}
	}

	collector.MessageAccepted("forwarded", size)
	logger.Info("message queued for forwarding",
		slog.String("from", sender),
		slog.String("to", recipient),
		slog.Int64("size", size),
	)
	return Result{Code: 250, Message: "Message Accepted and forwarded"}
}

// writeResult writes a command result to the connection.
func writeResult(conn *server.Connection, result Result) error {
	if len(result.Lines) > 0 {
		return conn.WriteLines(result.Lines)
	}
	return conn.WriteLine(fmt.Sprintf("%d %s", result.Code, result.Message))
}

// flattenBody joins body lines into the stored byte form, one CRLF per line.
func flattenBody(body []string) []byte {
	var b strings.Builder
	for _, line := range body {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// bodySize returns the on-the-wire size of the body in bytes.
func bodySize(body []string) int64 {
	var n int64
	for _, line := range body {
		n += int64(len(line)) + 2
	}
	return n
}

// extractCommandName extracts the command name from an SMTP line for metrics.
func extractCommandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}
