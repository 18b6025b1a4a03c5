package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/teachmail/mailrelay/internal/logging"
	"github.com/teachmail/mailrelay/internal/metrics"
)

// ConnectionHandler is called for each new connection. It receives the
// context and connection, and should run the protocol session to completion.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for one protocol.
type Listener struct {
	address   string
	proto     string
	tlsConfig *tls.Config
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	logger    *slog.Logger
	collector metrics.Collector

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address string
	// Proto is "smtp", "pop3" or "pop3s". A "pop3s" listener wraps every
	// accepted connection in TLS before the handler sees it.
	Proto          string
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Collector      metrics.Collector
	Handler        ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Listener{
		address:   cfg.Address,
		proto:     cfg.Proto,
		tlsConfig: cfg.TLSConfig,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:   cfg.Handler,
		collector: collector,
		logger:    logging.WithListener(logger, cfg.Address, cfg.Proto),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	var err error
	var ln net.Listener

	// A pop3s listener terminates TLS from the first byte
	if l.proto == "pop3s" {
		if l.tlsConfig == nil {
			return errors.New("TLS configuration required for pop3s listener")
		}
		ln, err = tls.Listen("tcp", l.address, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", l.address)
	}

	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("address", l.address),
		slog.String("proto", l.proto),
	)

	// Start accept loop in goroutine
	go l.acceptLoop(ctx)

	// Wait for context cancellation
	<-ctx.Done()

	l.logger.Info("listener shutting down")

	// Close the listener to stop accepting new connections
	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}

	// Wait for all connections to complete
	l.wg.Wait()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			// Check if it's a temporary error
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		// Handle connection in its own goroutine
		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()

	// For pop3s, force the handshake before the session starts so that
	// handshake failures never reach the protocol handler.
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			l.logger.Debug("TLS handshake failed",
				slog.String("remote", netConn.RemoteAddr().String()),
				slog.String("error", err.Error()),
			)
			_ = netConn.Close()
			return
		}
	}

	// Create connection wrapper
	conn := NewConnection(netConn, l.connCfg)

	conn.Logger().Info("connection accepted", slog.String("proto", l.proto))
	l.collector.ConnectionOpened(l.proto)

	// Create connection-specific context
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Attach logger to context
	connCtx = logging.NewContext(connCtx, conn.Logger())

	// Call the connection handler
	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	l.collector.ConnectionClosed(l.proto)
	conn.Logger().Info("connection closed")
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Address returns the listener's address.
func (l *Listener) Address() string {
	return l.address
}

// Proto returns the listener's protocol name.
func (l *Listener) Proto() string {
	return l.proto
}
