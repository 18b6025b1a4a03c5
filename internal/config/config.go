// Package config provides configuration management for the mail relay.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Mailrelay Config `toml:"mailrelay"`
}

// Config holds the complete mail relay configuration.
type Config struct {
	Hostname  string         `toml:"hostname"`
	RelayHost string         `toml:"relayhost"`
	LogLevel  string         `toml:"log_level"`
	UserFile  string         `toml:"user_file"`
	StoreFile string         `toml:"store_file"`
	Ports     PortsConfig    `toml:"ports"`
	TLS       TLSConfig      `toml:"tls"`
	Timeouts  TimeoutsConfig `toml:"timeouts"`
	Metrics   MetricsConfig  `toml:"metrics"`
}

// PortsConfig holds the listening ports for the three services.
type PortsConfig struct {
	SMTP  int `toml:"smtp"`
	POP3  int `toml:"pop3"`
	POP3S int `toml:"pop3s"`
}

// TLSConfig holds TLS credential and version settings for the POP3S listener.
// CertFile may be a combined PEM carrying both the certificate chain and the
// private key; KeyFile is then left empty.
type TLSConfig struct {
	CertFile      string `toml:"cert_file"`
	KeyFile       string `toml:"key_file"`
	CAFile        string `toml:"ca_file"`
	KeyPassphrase string `toml:"key_passphrase"`
	MinVersion    string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations. An empty or zero idle timeout
// disables the idle monitor; sessions then end only on peer close, QUIT or
// a failed write.
type TimeoutsConfig struct {
	Idle string `toml:"idle"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname:  "localhost",
		LogLevel:  "info",
		StoreFile: "./mailbox.db",
		Ports: PortsConfig{
			SMTP:  25,
			POP3:  110,
			POP3S: 995,
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.UserFile == "" {
		return errors.New("user file is required (-u)")
	}

	if c.StoreFile == "" {
		return errors.New("store file is required")
	}

	for _, p := range []struct {
		name string
		port int
	}{
		{"smtp", c.Ports.SMTP},
		{"pop3", c.Ports.POP3},
		{"pop3s", c.Ports.POP3S},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s port %d out of range 1..65535", p.name, p.port)
		}
	}

	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// HasTLS reports whether TLS credentials are configured.
func (c *TLSConfig) HasTLS() bool {
	return c.CertFile != ""
}

// Load builds a tls.Config from the configured credential files.
// A combined PEM (certificates and key in one file) is supported by
// leaving KeyFile empty; an encrypted private key is decrypted with
// KeyPassphrase.
func (c *TLSConfig) Load() (*tls.Config, error) {
	if !c.HasTLS() {
		return nil, errors.New("no TLS certificate configured")
	}

	keyFile := c.KeyFile
	if keyFile == "" {
		keyFile = c.CertFile
	}

	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS key: %w", err)
	}

	keyPEM, err = decryptKeyPEM(keyPEM, c.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypting TLS key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.MinTLSVersion(),
	}

	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("no certificates found in CA chain")
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// decryptKeyPEM decrypts a legacy passphrase-protected PEM private key.
// Unencrypted keys pass through unchanged.
func decryptKeyPEM(keyPEM []byte, passphrase string) ([]byte, error) {
	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return keyPEM, nil
		}
		if !x509.IsEncryptedPEMBlock(block) {
			continue
		}
		if passphrase == "" {
			return nil, errors.New("private key is encrypted but no passphrase configured")
		}
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	}
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns zero (disabled) if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	if c.Idle == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Idle)
	if err != nil {
		return 0
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
