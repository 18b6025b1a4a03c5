// Package server provides the TCP substrate shared by the SMTP, POP3 and
// POP3S listeners: listening sockets, per-connection goroutines, line
// framing and TLS termination.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teachmail/mailrelay/internal/config"
	"github.com/teachmail/mailrelay/internal/metrics"
)

// Server coordinates the SMTP, POP3 and POP3S listeners.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	collector metrics.Collector

	smtpHandler ConnectionHandler
	pop3Handler ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, collector metrics.Collector) (*Server, error) {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}

	// Load TLS configuration for the POP3S listener
	if cfg.TLS.HasTLS() {
		tlsCfg, err := cfg.TLS.Load()
		if err != nil {
			return nil, fmt.Errorf("loading TLS configuration: %w", err)
		}
		s.tlsConfig = tlsCfg
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion),
		)
	}

	return s, nil
}

// SetHandlers sets the protocol handlers. The POP3 handler serves both the
// plaintext and the TLS listener. Must be called before Run.
func (s *Server) SetHandlers(smtp, pop3 ConnectionHandler) {
	s.smtpHandler = smtp
	s.pop3Handler = pop3
}

// Run starts all listeners and blocks until the context is cancelled.
// The POP3S listener is skipped with a warning when no TLS credentials
// are configured.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	idle := s.cfg.Timeouts.IdleTimeout()
	logTx := s.cfg.LogLevel == "debug"

	specs := []struct {
		proto   string
		port    int
		tlsCfg  *tls.Config
		handler ConnectionHandler
	}{
		{"smtp", s.cfg.Ports.SMTP, nil, s.smtpHandler},
		{"pop3", s.cfg.Ports.POP3, nil, s.pop3Handler},
		{"pop3s", s.cfg.Ports.POP3S, s.tlsConfig, s.pop3Handler},
	}

	for _, spec := range specs {
		if spec.proto == "pop3s" && s.tlsConfig == nil {
			s.logger.Warn("no TLS credentials configured, pop3s listener disabled",
				slog.Int("port", spec.port),
			)
			continue
		}

		listener := NewListener(ListenerConfig{
			Address:        fmt.Sprintf(":%d", spec.port),
			Proto:          spec.proto,
			TLSConfig:      spec.tlsCfg,
			IdleTimeout:    idle,
			LogTransaction: logTx,
			Logger:         s.logger,
			Collector:      s.collector,
			Handler:        spec.handler,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	// Start all listeners in goroutines
	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	// Wait for context cancellation
	<-ctx.Done()

	s.logger.Info("server shutting down")

	// Wait for all listeners to stop
	wg.Wait()

	// Check for any errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown gracefully stops the server.
// It closes all listeners and waits for connections to complete.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}
