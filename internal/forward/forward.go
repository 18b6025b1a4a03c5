// Package forward implements the outbound side of the relay: a queue of
// forward jobs drained by a single dispatcher goroutine that speaks SMTP
// to the downstream host. A failed delivery with bounce-on-failure set
// synthesizes a bounce mail and re-queues it; bounces themselves never
// bounce again.
package forward

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/teachmail/mailrelay/internal/dns"
	"github.com/teachmail/mailrelay/internal/metrics"
)

// Errors returned by the forwarder.
var (
	ErrQueueFull = errors.New("forward queue full")
	ErrStopped   = errors.New("forwarder stopped")
)

// Job is one outbound delivery.
type Job struct {
	Sender          string
	Recipient       string
	Body            []string
	BounceOnFailure bool
}

// DialFunc opens a connection to the downstream host.
type DialFunc func(ctx context.Context, host string) (net.Conn, error)

// Config carries the collaborators of the forwarder.
type Config struct {
	// Hostname is announced in HELO and used as the bounce sender domain.
	Hostname string
	// RelayHost, when set, receives all outbound mail regardless of the
	// recipient domain.
	RelayHost string
	Resolver  dns.Resolver
	Logger    *slog.Logger
	Collector metrics.Collector
	// Dial overrides the connection to the downstream host, used by tests.
	// The default dials host:25 with a 30 second timeout.
	Dial DialFunc
	// QueueSize bounds the number of pending jobs. Defaults to 64.
	QueueSize int
}

// Forwarder queues and delivers outbound mail.
type Forwarder struct {
	hostname  string
	relayHost string
	resolver  dns.Resolver
	logger    *slog.Logger
	collector metrics.Collector
	dial      DialFunc

	queue chan Job
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a Forwarder from the given configuration.
func New(cfg Config) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, host string) (net.Conn, error) {
			d := net.Dialer{Timeout: 30 * time.Second}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(host, "25"))
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Forwarder{
		hostname:  cfg.Hostname,
		relayHost: cfg.RelayHost,
		resolver:  cfg.Resolver,
		logger:    logger,
		collector: collector,
		dial:      dial,
		queue:     make(chan Job, queueSize),
	}
}

// Start runs the dispatcher until the context is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				f.stopped = true
				f.mu.Unlock()
				return
			case job := <-f.queue:
				f.process(ctx, job)
			}
		}
	}()
}

// Wait blocks until the dispatcher has exited.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

// Enqueue adds a job to the queue without blocking. The body is owned by
// the job from this point on.
func (f *Forwarder) Enqueue(sender, recipient string, body []string, bounceOnFailure bool) error {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	job := Job{
		Sender:          sender,
		Recipient:       recipient,
		Body:            body,
		BounceOnFailure: bounceOnFailure,
	}

	select {
	case f.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// process delivers one job and takes the bounce or drop path on failure.
func (f *Forwarder) process(ctx context.Context, job Job) {
	logger := f.logger.With(
		slog.String("from", job.Sender),
		slog.String("to", job.Recipient),
	)

	host, err := f.selectHost(ctx, job.Recipient)
	if err != nil {
		logger.Error("no delivery host", slog.String("error", err.Error()))
		f.fail(job, "host lookup failed: "+err.Error(), logger)
		return
	}

	conn, err := f.dial(ctx, host)
	if err != nil {
		logger.Error("connect failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		f.fail(job, "connection to "+host+" failed", logger)
		return
	}
	defer conn.Close()

	failLine, err := deliver(conn, f.hostname, logger, job)
	if err != nil {
		logger.Error("delivery failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		f.fail(job, failLine, logger)
		return
	}

	f.collector.ForwardCompleted("delivered")
	logger.Info("message forwarded", slog.String("host", host))
}

// selectHost picks the downstream host: the configured relay host wins,
// then a direct A record for the recipient domain, then the best MX.
func (f *Forwarder) selectHost(ctx context.Context, recipient string) (string, error) {
	if f.relayHost != "" {
		return f.relayHost, nil
	}

	_, domain, found := strings.Cut(recipient, "@")
	if !found || domain == "" {
		return "", errors.New("recipient has no domain")
	}

	return f.resolver.DeliveryHost(ctx, domain)
}

// fail handles a delivery failure: synthesize and enqueue a bounce when
// the job asks for it, otherwise drop silently. Bounces are queued with
// bounce-on-failure off, which is the sole guard against bounce storms.
func (f *Forwarder) fail(job Job, reason string, logger *slog.Logger) {
	if !job.BounceOnFailure {
		f.collector.ForwardCompleted("dropped")
		logger.Debug("dropping undeliverable mail without bounce")
		return
	}

	bounce := f.buildBounce(job, reason)
	if err := f.Enqueue(bounce.Sender, bounce.Recipient, bounce.Body, false); err != nil {
		f.collector.ForwardCompleted("dropped")
		logger.Error("failed to enqueue bounce", slog.String("error", err.Error()))
		return
	}

	f.collector.ForwardCompleted("bounced")
	logger.Info("bounce queued", slog.String("bounce_to", job.Sender))
}

// buildBounce synthesizes the bounce mail returned to the original sender.
func (f *Forwarder) buildBounce(job Job, reason string) Job {
	postmaster := "postmaster@" + f.hostname

	body := []string{
		"From: \"Mail Delivery System\" " + postmaster,
		"To: " + job.Sender,
		"Subject: Undelivered Mail Returned to Sender",
		"",
		"This is the mail system at host " + f.hostname + ".",
		"",
		"I'm sorry to have to inform you that your message could not",
		"be delivered to " + job.Recipient + ".",
		"",
		"The remote system said:",
		"  " + reason,
		"",
		"------ This is a copy of the message ------",
		"",
	}
	body = append(body, job.Body...)

	return Job{
		Sender:          postmaster,
		Recipient:       job.Sender,
		Body:            body,
		BounceOnFailure: false,
	}
}
