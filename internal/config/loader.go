package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	Version    bool
	Ports      string
	UserFile   string
	Hostname   string
	RelayHost  string
	StoreFile  string
	LogLevel   string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./mailrelay.toml", "Path to configuration file")
	flag.BoolVar(&f.Version, "V", false, "Print version information and exit")
	flag.StringVar(&f.Ports, "p", "", "Listening ports as smtp,pop3,pop3s (default 25,110,995)")
	flag.StringVar(&f.UserFile, "u", "", "Path to the user CSV file (required)")
	flag.StringVar(&f.Hostname, "H", "", "Local hostname of the server")
	flag.StringVar(&f.RelayHost, "R", "", "Fixed relay host for outbound mail")
	flag.StringVar(&f.StoreFile, "d", "", "Database file of the mailbox store")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Mailrelay)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) (Config, error) {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.RelayHost != "" {
		cfg.RelayHost = f.RelayHost
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.UserFile != "" {
		cfg.UserFile = f.UserFile
	}

	if f.StoreFile != "" {
		cfg.StoreFile = f.StoreFile
	}

	if f.Ports != "" {
		ports, err := ParsePorts(f.Ports)
		if err != nil {
			return cfg, err
		}
		cfg.Ports = ports
	}

	return cfg, nil
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f)
}

// ParsePorts parses a comma-separated smtp,pop3,pop3s port triple.
func ParsePorts(s string) (PortsConfig, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return PortsConfig{}, fmt.Errorf("expected three comma-separated ports, got %q", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return PortsConfig{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		if n < 1 || n > 65535 {
			return PortsConfig{}, fmt.Errorf("port %d out of range 1..65535", n)
		}
		nums[i] = n
	}

	return PortsConfig{SMTP: nums[0], POP3: nums[1], POP3S: nums[2]}, nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.RelayHost != "" {
		dst.RelayHost = src.RelayHost
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.UserFile != "" {
		dst.UserFile = src.UserFile
	}

	if src.StoreFile != "" {
		dst.StoreFile = src.StoreFile
	}

	if src.Ports.SMTP > 0 {
		dst.Ports.SMTP = src.Ports.SMTP
	}

	if src.Ports.POP3 > 0 {
		dst.Ports.POP3 = src.Ports.POP3
	}

	if src.Ports.POP3S > 0 {
		dst.Ports.POP3S = src.Ports.POP3S
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.CAFile != "" {
		dst.TLS.CAFile = src.TLS.CAFile
	}

	if src.TLS.KeyPassphrase != "" {
		dst.TLS.KeyPassphrase = src.TLS.KeyPassphrase
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
