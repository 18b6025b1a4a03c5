package smtp

import (
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teachmail/mailrelay/internal/server"
)

// fakeStore records pushed mail in memory.
type fakeStore struct {
	mu     sync.Mutex
	pushed map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{pushed: make(map[string][]string)}
}

func (f *fakeStore) Push(user string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[user] = append(f.pushed[user], string(body))
	return nil
}

func (f *fakeStore) bodies(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[user]
}

// fakeForwarder records enqueued jobs.
type fakeForwarder struct {
	mu   sync.Mutex
	err  error
	jobs []fakeJob
}

type fakeJob struct {
	sender    string
	recipient string
	body      []string
	bounce    bool
}

func (f *fakeForwarder) Enqueue(sender, recipient string, body []string, bounce bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, fakeJob{sender: sender, recipient: recipient, body: body, bounce: bounce})
	return nil
}

func (f *fakeForwarder) queued() []fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs
}

// startSession runs an SMTP session over a pipe and returns the client end.
func startSession(t *testing.T, st Mailstore, fwd Forwarder) *textproto.Conn {
	t.Helper()

	clientSide, serverSide := net.Pipe()

	cfg := HandlerConfig{
		Hostname:  testHostname,
		Users:     testUsers(t),
		Store:     st,
		Forwarder: fwd,
		Resolver:  testResolver(),
	}

	conn := server.NewConnection(serverSide, server.ConnectionConfig{Logger: slog.Default()})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Handler(cfg)(context.Background(), conn)
		_ = conn.Close()
	}()

	client := textproto.NewConn(clientSide)
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("session did not end")
		}
	})

	return client
}

// expectLine reads one reply line and checks its content.
func expectLine(t *testing.T, client *textproto.Conn, want string) {
	t.Helper()
	line, err := client.ReadLine()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != want {
		t.Fatalf("reply = %q, want %q", line, want)
	}
}

func sendLine(t *testing.T, client *textproto.Conn, line string) {
	t.Helper()
	if err := client.PrintfLine("%s", line); err != nil {
		t.Fatalf("writing %q: %v", line, err)
	}
}

func TestSession_LocalDelivery(t *testing.T) {
	st := newFakeStore()
	client := startSession(t, st, &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "HELO host")
	expectLine(t, client, "250 Hello host!")
	sendLine(t, client, "MAIL FROM:<aa@elsewhere>")
	expectLine(t, client, "250 Sender aa@elsewhere OK")
	sendLine(t, client, "RCPT TO:<jan@myhost>")
	expectLine(t, client, "250 RCPT jan@myhost seems to be OK")
	sendLine(t, client, "DATA")
	expectLine(t, client, "250 Waiting for Data, End with <CR><LF>.<CR><LF>")
	sendLine(t, client, "hello")
	sendLine(t, client, ".")
	expectLine(t, client, "250 Message Accepted and delivered")
	sendLine(t, client, "QUIT")
	expectLine(t, client, "221 Bye Bye.")

	bodies := st.bodies("jan")
	if len(bodies) != 1 {
		t.Fatalf("pushed messages = %d, want 1", len(bodies))
	}
	if bodies[0] != "hello\r\n" {
		t.Errorf("stored body = %q, want %q", bodies[0], "hello\r\n")
	}
}

func TestSession_RelayDenied(t *testing.T) {
	client := startSession(t, newFakeStore(), &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "HELO host")
	expectLine(t, client, "250 Hello host!")
	sendLine(t, client, "MAIL FROM:<aa@elsewhere>")
	expectLine(t, client, "250 Sender aa@elsewhere OK")
	sendLine(t, client, "RCPT TO:<cc@other>")
	expectLine(t, client, "554 cc@other: Relay access denied")

	// Still in FROM: a local recipient is accepted afterwards
	sendLine(t, client, "RCPT TO:<jan@myhost>")
	expectLine(t, client, "250 RCPT jan@myhost seems to be OK")
}

func TestSession_AuthThenForward(t *testing.T) {
	fwd := &fakeForwarder{}
	client := startSession(t, newFakeStore(), fwd)

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "EHLO host")
	expectLine(t, client, "250-Hello host!")
	expectLine(t, client, "250 AUTH PLAIN")
	sendLine(t, client, "AUTH PLAIN "+plainAuth("jan", "secret"))
	expectLine(t, client, "235 Authentication successful")
	sendLine(t, client, "MAIL FROM:<jan@myhost>")
	expectLine(t, client, "250 Sender jan@myhost OK")
	sendLine(t, client, "RCPT TO:<xx@other>")
	expectLine(t, client, "250 RCPT xx@other seems to be OK")
	sendLine(t, client, "DATA")
	expectLine(t, client, "250 Waiting for Data, End with <CR><LF>.<CR><LF>")
	sendLine(t, client, "forward me")
	sendLine(t, client, ".")
	expectLine(t, client, "250 Message Accepted and forwarded")

	jobs := fwd.queued()
	if len(jobs) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.sender != "jan@myhost" || job.recipient != "xx@other" {
		t.Errorf("job envelope = %q -> %q", job.sender, job.recipient)
	}
	if !job.bounce {
		t.Error("job bounce flag = false, want true")
	}
	if len(job.body) != 1 || job.body[0] != "forward me" {
		t.Errorf("job body = %q", job.body)
	}
}

func TestSession_AuthChallenge(t *testing.T) {
	client := startSession(t, newFakeStore(), &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "EHLO host")
	expectLine(t, client, "250-Hello host!")
	expectLine(t, client, "250 AUTH PLAIN")
	sendLine(t, client, "AUTH PLAIN")
	expectLine(t, client, "334 ")
	sendLine(t, client, plainAuth("jan", "secret"))
	expectLine(t, client, "235 Authentication successful")
}

func TestSession_AuthChallengeFailure(t *testing.T) {
	client := startSession(t, newFakeStore(), &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "EHLO host")
	expectLine(t, client, "250-Hello host!")
	expectLine(t, client, "250 AUTH PLAIN")
	sendLine(t, client, "AUTH PLAIN")
	expectLine(t, client, "334 ")
	sendLine(t, client, plainAuth("jan", "wrong"))
	expectLine(t, client, "535 Error: authentication failed")

	// Back in the EHLO state, a second attempt is possible
	sendLine(t, client, "AUTH PLAIN "+plainAuth("jan", "secret"))
	expectLine(t, client, "235 Authentication successful")
}

// TestSession_DoubleDotIsBody pins the framing rule: only a lone "."
// terminates DATA, a line of ".." is stored literally.
func TestSession_DoubleDotIsBody(t *testing.T) {
	st := newFakeStore()
	client := startSession(t, st, &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "HELO host")
	expectLine(t, client, "250 Hello host!")
	sendLine(t, client, "MAIL FROM:<aa@elsewhere>")
	expectLine(t, client, "250 Sender aa@elsewhere OK")
	sendLine(t, client, "RCPT TO:<jan@myhost>")
	expectLine(t, client, "250 RCPT jan@myhost seems to be OK")
	sendLine(t, client, "DATA")
	expectLine(t, client, "250 Waiting for Data, End with <CR><LF>.<CR><LF>")
	sendLine(t, client, "..")
	sendLine(t, client, "after")
	sendLine(t, client, ".")
	expectLine(t, client, "250 Message Accepted and delivered")

	bodies := st.bodies("jan")
	if len(bodies) != 1 {
		t.Fatalf("pushed messages = %d, want 1", len(bodies))
	}
	if bodies[0] != "..\r\nafter\r\n" {
		t.Errorf("stored body = %q, want %q", bodies[0], "..\r\nafter\r\n")
	}
}

func TestSession_ForwardEnqueueFailure(t *testing.T) {
	fwd := &fakeForwarder{err: ErrUnknownCommand}
	client := startSession(t, newFakeStore(), fwd)

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "EHLO host")
	expectLine(t, client, "250-Hello host!")
	expectLine(t, client, "250 AUTH PLAIN")
	sendLine(t, client, "AUTH PLAIN "+plainAuth("jan", "secret"))
	expectLine(t, client, "235 Authentication successful")
	sendLine(t, client, "MAIL FROM:<jan@myhost>")
	expectLine(t, client, "250 Sender jan@myhost OK")
	sendLine(t, client, "RCPT TO:<xx@other>")
	expectLine(t, client, "250 RCPT xx@other seems to be OK")
	sendLine(t, client, "DATA")
	expectLine(t, client, "250 Waiting for Data, End with <CR><LF>.<CR><LF>")
	sendLine(t, client, "body")
	sendLine(t, client, ".")
	expectLine(t, client, "250 Message Accepted but forward failed")
}

func TestSession_UnknownCommand(t *testing.T) {
	client := startSession(t, newFakeStore(), &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "BOGUS")
	expectLine(t, client, "500 Syntax error or command unrecognized")
}

func TestSession_TransactionResetAfterDelivery(t *testing.T) {
	st := newFakeStore()
	client := startSession(t, st, &fakeForwarder{})

	expectLine(t, client, "220 myhost SMTP Relay ready")
	sendLine(t, client, "HELO host")
	expectLine(t, client, "250 Hello host!")

	for i := 0; i < 2; i++ {
		sendLine(t, client, "MAIL FROM:<aa@elsewhere>")
		expectLine(t, client, "250 Sender aa@elsewhere OK")
		sendLine(t, client, "RCPT TO:<jan@myhost>")
		expectLine(t, client, "250 RCPT jan@myhost seems to be OK")
		sendLine(t, client, "DATA")
		expectLine(t, client, "250 Waiting for Data, End with <CR><LF>.<CR><LF>")
		sendLine(t, client, "message body")
		sendLine(t, client, ".")
		expectLine(t, client, "250 Message Accepted and delivered")
	}

	if got := len(st.bodies("jan")); got != 2 {
		t.Errorf("pushed messages = %d, want 2", got)
	}
	for _, body := range st.bodies("jan") {
		if !strings.Contains(body, "message body\r\n") {
			t.Errorf("stored body = %q", body)
		}
	}
}
