package server

import (
	"bufio"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/teachmail/mailrelay/internal/logging"
)

// MaxLineLength is the per-connection read buffer size. Logical lines
// longer than this are truncated and the remainder up to the next LF is
// discarded, so the session stays aligned on line boundaries.
const MaxLineLength = 16 * 1024

// Connection wraps a net.Conn with line framing, timeout management and
// optional transaction logging.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration
	logTx       bool

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Create connection-scoped logger with remote address
	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		logTx:        cfg.LogTransaction,
		lastActivity: time.Now(),
	}

	// Set up reader/writer with optional wire logging
	var r io.Reader = conn
	var w io.Writer = conn

	if cfg.LogTransaction {
		r = logging.NewWireReader(conn, connLogger, "recv")
		w = logging.NewWireWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReaderSize(r, MaxLineLength)
	c.writer = bufio.NewWriter(w)

	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ReadLine reads one logical line, stripping the trailing CRLF or LF.
// Lines longer than MaxLineLength are truncated at the buffer boundary
// and the remaining bytes up to the next LF are discarded.
func (c *Connection) ReadLine() (string, error) {
	if err := c.resetIdleTimeout(); err != nil {
		return "", err
	}

	line, err := c.reader.ReadString('\n')
	if err == bufio.ErrBufferFull {
		c.logger.Warn("line exceeds read buffer, truncating",
			slog.Int("limit", MaxLineLength),
		)
		// Discard the rest of the over-long line so the next read
		// starts on a line boundary.
		for {
			_, derr := c.reader.ReadString('\n')
			if derr != bufio.ErrBufferFull {
				break
			}
		}
		err = nil
	}
	if err != nil {
		return "", err
	}

	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// WriteLine writes a single line followed by CRLF and flushes.
func (c *Connection) WriteLine(line string) error {
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := c.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// WriteLines writes multiple lines, each followed by CRLF, then flushes once.
func (c *Connection) WriteLines(lines []string) error {
	for _, line := range lines {
		if _, err := c.writer.WriteString(line); err != nil {
			return err
		}
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// Writer returns the buffered writer for the connection. Used by handlers
// that stream large responses; callers must Flush when done.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// resetIdleTimeout pushes the read deadline forward. A zero idle timeout
// disables deadlines entirely.
func (c *Connection) resetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Underlying returns the underlying net.Conn.
// Use with caution; prefer the Connection methods.
func (c *Connection) Underlying() net.Conn {
	return c.conn
}

// IsTLS returns true if the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}
