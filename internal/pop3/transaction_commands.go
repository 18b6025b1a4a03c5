package pop3

import (
	"context"
	"fmt"
	"strconv"

	"github.com/teachmail/mailrelay/internal/store"
)

// statCommand implements the STAT command.
type statCommand struct{}

func (c *statCommand) Name() string {
	return "STAT"
}

func (c *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	box := sess.Box()
	return Response{OK: true, Message: fmt.Sprintf("%d %d", box.Count(), box.TotalSize())}, nil
}

// listCommand implements the LIST command. Without an argument it lists
// every non-deleted message; with one it reports that message's size.
type listCommand struct{}

func (c *listCommand) Name() string {
	return "LIST"
}

func (c *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	box := sess.Box()

	if len(args) == 0 {
		entries := box.Entries()
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %d", e.Seq, e.Size)
		}
		return Response{
			OK:        true,
			Message:   fmt.Sprintf("%d messages (%d Octets)", box.Count(), box.TotalSize()),
			Multiline: true,
			Lines:     lines,
		}, nil
	}

	entry, err := lookupEntry(box, args)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", entry.Seq, entry.Size)}, nil
}

// uidlCommand implements the UIDL command. The UID of a message is its
// store-assigned stable id, zero-padded to 18 digits.
type uidlCommand struct{}

func (c *uidlCommand) Name() string {
	return "UIDL"
}

func (c *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	box := sess.Box()

	if len(args) == 0 {
		entries := box.Entries()
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %018d", e.Seq, e.ID)
		}
		return Response{OK: true, Multiline: true, Lines: lines}, nil
	}

	entry, err := lookupEntry(box, args)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %018d", entry.Seq, entry.ID)}, nil
}

// retrCommand implements the RETR command, streaming the stored body.
type retrCommand struct {
	store *store.Store
}

func (c *retrCommand) Name() string {
	return "RETR"
}

func (c *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	entry, err := lookupEntry(sess.Box(), args)
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	body, err := c.store.Fetch(entry.ID)
	if err != nil {
		conn.Logger().Error("failed to fetch message",
			"seq", entry.Seq,
			"id", entry.ID,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d Octets", entry.Size),
		Body:    body,
	}, nil
}

// deleCommand implements the DELE command. The mark lives on the
// session's mailbox view; storage changes only at QUIT.
type deleCommand struct{}

func (c *deleCommand) Name() string {
	return "DELE"
}

func (c *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "No such message"}, nil
	}

	if !sess.Box().MarkDeleted(seq) {
		return Response{OK: false, Message: "No such message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("Message %d deleted", seq)}, nil
}

// rsetCommand implements the RSET command.
type rsetCommand struct{}

func (c *rsetCommand) Name() string {
	return "RSET"
}

func (c *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	sess.Box().Reset()
	return Response{OK: true}, nil
}

// noopCommand implements the NOOP command.
type noopCommand struct{}

func (c *noopCommand) Name() string {
	return "NOOP"
}

func (c *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	return Response{OK: true}, nil
}

// lookupEntry resolves a single message-number argument against the box.
func lookupEntry(box *store.Box, args []string) (*store.Entry, error) {
	if len(args) != 1 {
		return nil, ErrNoSuchMessage
	}

	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, ErrNoSuchMessage
	}

	entry := box.Entry(seq)
	if entry == nil {
		return nil, ErrNoSuchMessage
	}

	return entry, nil
}
