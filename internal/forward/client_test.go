package forward

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

// exchange is one turn of the scripted downstream: the reply lines it
// writes, then the client line it waits for. An empty want ends the
// conversation after the reply.
type exchange struct {
	replies []string
	want    string
}

// runDownstream speaks the server side of the conversation over conn,
// collecting every client line read per exchange.
func runDownstream(conn net.Conn, script []exchange) ([][]string, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	var got [][]string
	for _, ex := range script {
		for _, reply := range ex.replies {
			if _, err := w.WriteString(reply + "\r\n"); err != nil {
				return got, err
			}
		}
		if err := w.Flush(); err != nil {
			return got, err
		}

		if ex.want == "" {
			got = append(got, nil)
			continue
		}

		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return got, err
			}
			line = strings.TrimRight(line, "\r\n")
			lines = append(lines, line)
			if line == ex.want {
				break
			}
		}
		got = append(got, lines)
	}

	return got, nil
}

// runDelivery runs deliver against a scripted downstream and returns both
// sides' results.
func runDelivery(t *testing.T, job Job, script []exchange) (string, error, [][]string) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	type result struct {
		lines [][]string
		err   error
	}
	downstream := make(chan result, 1)
	go func() {
		lines, err := runDownstream(serverSide, script)
		_ = serverSide.Close()
		downstream <- result{lines: lines, err: err}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failLine, err := deliver(clientSide, "myhost", logger, job)

	select {
	case res := <-downstream:
		if res.err != nil {
			t.Fatalf("downstream script error: %v", res.err)
		}
		return failLine, err, res.lines
	case <-time.After(3 * time.Second):
		t.Fatal("downstream script did not finish")
		return "", nil, nil
	}
}

func happyTail() []exchange {
	return []exchange{
		{replies: []string{"250 sender ok"}, want: "RCPT TO:<xx@other>"},
		{replies: []string{"250 recipient ok"}, want: "DATA"},
		{replies: []string{"354 go ahead"}, want: "."},
		{replies: []string{"250 queued"}, want: "QUIT"},
		{replies: []string{"221 bye"}},
	}
}

func TestDeliver(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"Subject: test", "", "first line", "second line"},
	}

	script := append([]exchange{
		{replies: []string{"220 downstream ready"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
	}, happyTail()...)

	failLine, err, got := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if failLine != "" {
		t.Errorf("deliver() fail line = %q, want empty", failLine)
	}

	wantBody := []string{"Subject: test", "", "first line", "second line", "."}
	body := got[4]
	if len(body) != len(wantBody) {
		t.Fatalf("body lines = %q, want %q", body, wantBody)
	}
	for i := range wantBody {
		if body[i] != wantBody[i] {
			t.Errorf("body line %d = %q, want %q", i, body[i], wantBody[i])
		}
	}
}

// TestDeliver_DotStuffing checks that body lines starting with a dot are
// stuffed on the wire so they cannot terminate the DATA phase.
func TestDeliver_DotStuffing(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{".", ".hidden", "plain"},
	}

	script := append([]exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
	}, happyTail()...)

	_, err, got := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	want := []string{"..", "..hidden", "plain", "."}
	body := got[4]
	if len(body) != len(want) {
		t.Fatalf("wire body = %q, want %q", body, want)
	}
	for i := range want {
		if body[i] != want[i] {
			t.Errorf("wire line %d = %q, want %q", i, body[i], want[i])
		}
	}
}

func TestDeliver_SkipsContinuationLines(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := append([]exchange{
		{
			replies: []string{"220-welcome to downstream", "junk", "99", "220 ready"},
			want:    "HELO myhost",
		},
		{replies: []string{"250-hello", "250 PIPELINING"}, want: "MAIL FROM:<jan@myhost>"},
	}, happyTail()...)

	_, err, _ := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
}

// TestDeliver_RetryThenSuccess checks that a 4xx reply re-sends the
// pending command instead of aborting.
func TestDeliver_RetryThenSuccess(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := append([]exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"450 busy, try again"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
	}, happyTail()...)

	failLine, err, _ := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if failLine != "" {
		t.Errorf("deliver() fail line = %q, want empty", failLine)
	}
}

func TestDeliver_RetryLimit(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := []exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"450 busy"}, want: "HELO myhost"},
		{replies: []string{"450 busy"}, want: "HELO myhost"},
		{replies: []string{"450 busy"}, want: "HELO myhost"},
		{replies: []string{"450 busy"}},
	}

	failLine, err, _ := runDelivery(t, job, script)
	if err == nil {
		t.Fatal("deliver() error = nil, want retry limit error")
	}
	if failLine != "450 busy" {
		t.Errorf("deliver() fail line = %q, want %q", failLine, "450 busy")
	}
}

// TestDeliver_PeerClosesAfterAcceptance checks that a downstream dropping
// the connection after accepting the message does not turn the delivery
// into a failure.
func TestDeliver_PeerClosesAfterAcceptance(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := []exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
		{replies: []string{"250 sender ok"}, want: "RCPT TO:<xx@other>"},
		{replies: []string{"250 recipient ok"}, want: "DATA"},
		{replies: []string{"354 go ahead"}, want: "."},
		// Accept the message, then close without answering QUIT
		{replies: []string{"250 queued"}},
	}

	failLine, err, _ := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v, want nil after acceptance", err)
	}
	if failLine != "" {
		t.Errorf("deliver() fail line = %q, want empty", failLine)
	}
}

// TestDeliver_ErrorReplyAfterAcceptance checks that a reply other than 221
// to QUIT is ignored once the message has been accepted.
func TestDeliver_ErrorReplyAfterAcceptance(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := []exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
		{replies: []string{"250 sender ok"}, want: "RCPT TO:<xx@other>"},
		{replies: []string{"250 recipient ok"}, want: "DATA"},
		{replies: []string{"354 go ahead"}, want: "."},
		{replies: []string{"250 queued"}, want: "QUIT"},
		{replies: []string{"421 shutting down"}},
	}

	failLine, err, _ := runDelivery(t, job, script)
	if err != nil {
		t.Fatalf("deliver() error = %v, want nil after acceptance", err)
	}
	if failLine != "" {
		t.Errorf("deliver() fail line = %q, want empty", failLine)
	}
}

func TestDeliver_RecipientRejected(t *testing.T) {
	job := Job{
		Sender:    "jan@myhost",
		Recipient: "xx@other",
		Body:      []string{"body"},
	}

	script := []exchange{
		{replies: []string{"220 ready"}, want: "HELO myhost"},
		{replies: []string{"250 hello"}, want: "MAIL FROM:<jan@myhost>"},
		{replies: []string{"250 sender ok"}, want: "RCPT TO:<xx@other>"},
		{replies: []string{"550 no such user"}},
	}

	failLine, err, _ := runDelivery(t, job, script)
	if err == nil {
		t.Fatal("deliver() error = nil, want rejection error")
	}
	if failLine != "550 no such user" {
		t.Errorf("deliver() fail line = %q, want %q", failLine, "550 no such user")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code   int
		expect int
		want   replyClass
	}{
		{250, 250, classOK},
		{220, 220, classOK},
		{450, 250, classRetry},
		{421, 220, classRetry},
		{499, 250, classRetry},
		{550, 250, classFail},
		{500, 250, classFail},
		{354, 250, classFail},
	}

	for _, tt := range tests {
		if got := classify(tt.code, tt.expect); got != tt.want {
			t.Errorf("classify(%d, %d) = %d, want %d", tt.code, tt.expect, got, tt.want)
		}
	}
}
