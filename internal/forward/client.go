package forward

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// maxRetries is the per-command cap on 4xx retries within one outbound
// session.
const maxRetries = 3

// replyClass is the classification of one downstream reply.
type replyClass int

const (
	classOK replyClass = iota
	classRetry
	classFail
)

// step is one state of the outbound conversation: the reply code we wait
// for and the command written once it arrives.
type step struct {
	expect int
	send   func(w *bufio.Writer) error
}

// deliver runs the full outbound SMTP conversation for one job. On a hard
// failure it returns the downstream's reply line along with the error.
// Once the reply accepting the message arrives, nothing the downstream
// does can un-accept it: teardown failures after that point are logged
// and swallowed so an already-delivered message is never bounced.
func deliver(conn net.Conn, hostname string, logger *slog.Logger, job Job) (string, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	steps := []step{
		{expect: 220, send: command("HELO " + hostname)},
		{expect: 250, send: command("MAIL FROM:<" + job.Sender + ">")},
		{expect: 250, send: command("RCPT TO:<" + job.Recipient + ">")},
		{expect: 250, send: command("DATA")},
		{expect: 354, send: func(w *bufio.Writer) error { return sendBody(w, job.Body) }},
		{expect: 250, send: command("QUIT")},
		{expect: 221, send: nil},
	}

	// acceptIdx is the step whose expected reply accepts the message;
	// QUIT and the 221 behind it are teardown.
	acceptIdx := len(steps) - 2
	accepted := false

	for i := 0; i < len(steps); {
		st := steps[i]
		retries := 0

	wait:
		code, line, err := readReply(r)
		if err != nil {
			if accepted {
				logger.Debug("downstream hung up during teardown", slog.String("line", line))
				return "", nil
			}
			return line, fmt.Errorf("reading reply: %w", err)
		}

		switch classify(code, st.expect) {
		case classOK:
			if i == acceptIdx {
				accepted = true
			}
			if st.send != nil {
				if err := st.send(w); err != nil {
					if accepted {
						logger.Debug("write failed during teardown", slog.String("error", err.Error()))
						return "", nil
					}
					return "", fmt.Errorf("writing command: %w", err)
				}
			}
			i++

		case classRetry:
			if accepted {
				logger.Debug("ignoring reply after acceptance", slog.String("line", line))
				return "", nil
			}
			// Re-send the command whose reply is pending; for the
			// greeting there is nothing to resend, just wait again.
			retries++
			if retries > maxRetries {
				return line, errors.New("retry limit exceeded")
			}
			if i > 0 {
				if err := steps[i-1].send(w); err != nil {
					return "", fmt.Errorf("writing command: %w", err)
				}
			}
			goto wait

		case classFail:
			if accepted {
				logger.Debug("ignoring reply after acceptance", slog.String("line", line))
				return "", nil
			}
			return line, fmt.Errorf("downstream rejected: %s", line)
		}
	}

	return "", nil
}

// classify maps a reply code to its class relative to the expected code.
func classify(code, expect int) replyClass {
	switch {
	case code == expect:
		return classOK
	case code >= 400 && code < 500:
		return classRetry
	default:
		return classFail
	}
}

// readReply reads downstream lines until a final reply arrives: a 3-digit
// code followed by a space. A "-" after the code marks a continuation
// line; unparseable lines are skipped the same way.
func readReply(r *bufio.Reader) (int, string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, strings.TrimRight(line, "\r\n"), err
		}
		line = strings.TrimRight(line, "\r\n")

		if len(line) < 4 {
			continue
		}

		code, err := strconv.Atoi(line[:3])
		if err != nil {
			continue
		}

		if line[3] == '-' {
			continue
		}
		if line[3] != ' ' {
			continue
		}

		return code, line, nil
	}
}

// command returns a sender for a single command line.
func command(cmd string) func(w *bufio.Writer) error {
	return func(w *bufio.Writer) error {
		if _, err := w.WriteString(cmd + "\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}
}

// sendBody writes the body lines followed by the terminating dot. Lines
// beginning with a dot are dot-stuffed so a body line of "." cannot end
// the DATA phase early.
func sendBody(w *bufio.Writer, body []string) error {
	for _, line := range body {
		if strings.HasPrefix(line, ".") {
			if err := w.WriteByte('.'); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
