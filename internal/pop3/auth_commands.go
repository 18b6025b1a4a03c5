package pop3

import (
	"context"
	"log/slog"

	"github.com/teachmail/mailrelay/internal/metrics"
	"github.com/teachmail/mailrelay/internal/store"
	"github.com/teachmail/mailrelay/internal/userdb"
)

// userCommand implements the USER command.
type userCommand struct {
	users *userdb.DB
}

func (c *userCommand) Name() string {
	return "USER"
}

func (c *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuth {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires a name"}, nil
	}

	if !c.users.Has(args[0]) {
		return Response{OK: false, Message: "Username not found"}, nil
	}

	sess.SetUser(args[0])
	return Response{OK: true, Message: "Please enter passwd"}, nil
}

// passCommand implements the PASS command. A correct password acquires
// the mailbox lock and opens the mailbox; a lock conflict terminates the
// session.
type passCommand struct {
	users     *userdb.DB
	store     *store.Store
	proto     string
	collector metrics.Collector
}

func (c *passCommand) Name() string {
	return "PASS"
}

func (c *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuth || sess.User() == "" {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires a password"}, nil
	}

	if !c.users.Verify(sess.User(), args[0]) {
		c.collector.AuthAttempt(c.proto, false)
		return Response{OK: false, Message: "Invalid passwd"}, nil
	}

	c.collector.AuthAttempt(c.proto, true)

	if !c.users.Lock(sess.User()) {
		c.collector.MailboxLockConflict()
		conn.Logger().Info("mailbox already locked",
			slog.String("user", sess.User()),
		)
		return Response{OK: false, Message: "Cannot lock mailbox", Quit: true}, nil
	}

	box, err := c.store.OpenBox(sess.User())
	if err != nil {
		c.users.Unlock(sess.User())
		conn.Logger().Error("failed to open mailbox",
			slog.String("user", sess.User()),
			slog.String("error", err.Error()),
		)
		return Response{OK: false, Message: "Cannot lock mailbox", Quit: true}, nil
	}

	sess.EnterTransaction(box)
	conn.Logger().Info("mailbox locked",
		slog.String("user", sess.User()),
		slog.Int("messages", box.Count()),
	)

	return Response{OK: true, Message: "Mailbox locked"}, nil
}

// quitCommand implements QUIT in both states. In TRANSACTION it commits
// the buffered deletion marks; QUIT is the only command that does.
type quitCommand struct {
	users *userdb.DB
}

func (c *quitCommand) Name() string {
	return "QUIT"
}

func (c *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() == StateTransaction {
		if err := sess.Box().Close(true); err != nil {
			conn.Logger().Error("failed to commit deletions",
				slog.String("user", sess.User()),
				slog.String("error", err.Error()),
			)
		}
		sess.MarkCommitted()
		c.users.Unlock(sess.User())
	}

	return Response{OK: true, Message: "Bye", Quit: true}, nil
}
