// Package metrics provides interfaces and implementations for collecting
// mail relay metrics. The Collector interface records events from the
// SMTP/POP3 listeners and the forwarder; the Server interface exposes them.
package metrics

import "context"

// Collector defines the interface for recording mail relay metrics.
type Collector interface {
	// Connection metrics, labeled by protocol ("smtp", "pop3", "pop3s").
	ConnectionOpened(proto string)
	ConnectionClosed(proto string)

	// Command metrics (protocol + command word).
	CommandProcessed(proto string, command string)

	// Message metrics. Delivery result is "local", "forwarded" or
	// "forward_failed".
	MessageAccepted(result string, sizeBytes int64)

	// Forwarder metrics. Outcome is "delivered", "bounced" or "dropped".
	ForwardCompleted(outcome string)

	// Authentication metrics, for both SMTP AUTH and POP3 USER/PASS.
	AuthAttempt(proto string, success bool)

	// MailboxLockConflict records a POP3 login rejected because the
	// mailbox was already locked.
	MailboxLockConflict()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
