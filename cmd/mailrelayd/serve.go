package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teachmail/mailrelay/internal/config"
	"github.com/teachmail/mailrelay/internal/dns"
	"github.com/teachmail/mailrelay/internal/forward"
	"github.com/teachmail/mailrelay/internal/logging"
	"github.com/teachmail/mailrelay/internal/metrics"
	"github.com/teachmail/mailrelay/internal/pop3"
	"github.com/teachmail/mailrelay/internal/server"
	"github.com/teachmail/mailrelay/internal/smtp"
	"github.com/teachmail/mailrelay/internal/store"
	"github.com/teachmail/mailrelay/internal/userdb"
)

func runServe() {
	flags := config.ParseFlags()

	if flags.Version {
		fmt.Printf("mailrelayd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	users, err := userdb.Load(cfg.UserFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading user file: %v\n", err)
		os.Exit(1)
	}

	mailstore, err := store.Open(cfg.StoreFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening mail store: %v\n", err)
		os.Exit(1)
	}
	defer mailstore.Close()

	resolver := dns.NewNetResolver()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The hostname and relay host must resolve before we accept mail
	if !resolver.DomainExists(ctx, cfg.Hostname) {
		fmt.Fprintf(os.Stderr, "hostname %q does not resolve\n", cfg.Hostname)
		os.Exit(1)
	}
	if cfg.RelayHost != "" && !resolver.DomainExists(ctx, cfg.RelayHost) {
		fmt.Fprintf(os.Stderr, "relay host %q does not resolve\n", cfg.RelayHost)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	forwarder := forward.New(forward.Config{
		Hostname:  cfg.Hostname,
		RelayHost: cfg.RelayHost,
		Resolver:  resolver,
		Logger:    logger,
		Collector: collector,
	})
	forwarder.Start(ctx)

	srv, err := server.New(&cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	srv.SetHandlers(
		smtp.Handler(smtp.HandlerConfig{
			Hostname:  cfg.Hostname,
			Users:     users,
			Store:     mailstore,
			Forwarder: forwarder,
			Resolver:  resolver,
			Collector: collector,
		}),
		pop3.Handler(pop3.HandlerConfig{
			Hostname:  cfg.Hostname,
			Users:     users,
			Store:     mailstore,
			Collector: collector,
		}),
	)

	logger.Info("starting mailrelayd",
		"version", version,
		"hostname", cfg.Hostname,
		"users", users.Count(),
	)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		forwarder.Wait()
		os.Exit(1)
	}

	forwarder.Wait()
}
