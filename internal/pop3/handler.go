package pop3

import (
	"context"
	"io"

	"github.com/teachmail/mailrelay/internal/logging"
	"github.com/teachmail/mailrelay/internal/metrics"
	"github.com/teachmail/mailrelay/internal/server"
	"github.com/teachmail/mailrelay/internal/store"
	"github.com/teachmail/mailrelay/internal/userdb"
)

// HandlerConfig carries the collaborators of the POP3 listeners.
type HandlerConfig struct {
	Hostname  string
	Users     *userdb.DB
	Store     *store.Store
	Collector metrics.Collector
}

// Handler returns a ConnectionHandler that runs POP3 sessions. The same
// handler serves the plaintext and the TLS listener; the protocol label
// follows the connection.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	registries := map[string]*CommandRegistry{
		"pop3":  newRegistry(cfg, "pop3", collector),
		"pop3s": newRegistry(cfg, "pop3s", collector),
	}

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		proto := "pop3"
		if conn.IsTLS() {
			proto = "pop3s"
		}
		registry := registries[proto]

		sess := NewSession()

		// A session that ends without QUIT must leave the store
		// untouched and release the mailbox lock.
		defer func() {
			if sess.Box() != nil && !sess.Committed() {
				_ = sess.Box().Close(false)
				cfg.Users.Unlock(sess.User())
			}
		}()

		if err := conn.WriteLine("+OK " + cfg.Hostname + " POP3-Server, Enter user"); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}

		for {
			line, err := conn.ReadLine()
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}

			name, args, err := ParseCommand(line)
			if err != nil {
				continue
			}

			collector.CommandProcessed(proto, name)

			cmd, ok := registry.Get(name)
			if !ok {
				if err := writeResponse(conn, Response{OK: false, Message: "Unknown command"}); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				continue
			}

			resp, execErr := cmd.Execute(ctx, sess, conn, args)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				resp = Response{OK: false, Message: "Internal error"}
			}

			if err := writeResponse(conn, resp); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			if resp.Quit {
				return
			}
		}
	}
}

// newRegistry builds the command registry for one protocol label.
func newRegistry(cfg HandlerConfig, proto string, collector metrics.Collector) *CommandRegistry {
	r := &CommandRegistry{}
	r.Register(&userCommand{users: cfg.Users})
	r.Register(&passCommand{users: cfg.Users, store: cfg.Store, proto: proto, collector: collector})
	r.Register(&quitCommand{users: cfg.Users})
	r.Register(&statCommand{})
	r.Register(&listCommand{})
	r.Register(&uidlCommand{})
	r.Register(&retrCommand{store: cfg.Store})
	r.Register(&deleCommand{})
	r.Register(&rsetCommand{})
	r.Register(&noopCommand{})
	return r
}

// writeResponse writes a formatted response and flushes the connection.
func writeResponse(conn *server.Connection, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return err
	}
	return conn.Flush()
}
