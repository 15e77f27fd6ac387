// Package config holds the runtime settings of the rawingest server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/zsiec/rawingest/certs"
	"github.com/zsiec/rawingest/ingest"
	"github.com/zsiec/rawingest/negotiate"
)

// Config is populated from flags and environment variables by cmd/rawingest.
type Config struct {
	// APIAddr is shared by the HTTPS (TCP) and HTTP/3 (UDP) listeners.
	APIAddr string

	// GraceWindow bounds how long a source waits for further track
	// declarations once the first one arrives.
	GraceWindow time.Duration

	// NoReaderTimeout closes sources that have had no consumers for this
	// long. Zero disables the policy.
	NoReaderTimeout time.Duration
	ReapInterval    time.Duration

	// CertFile and KeyFile load a PEM key pair. When both are empty a
	// self-signed certificate valid for CertValidity is generated instead.
	CertFile     string
	KeyFile      string
	CertValidity time.Duration
	CertHosts    []string

	Debug bool
}

// Default returns the settings used when nothing is overridden.
func Default() Config {
	return Config{
		APIAddr:      ":4443",
		GraceWindow:  negotiate.DefaultGraceWindow,
		ReapInterval: ingest.DefaultReapInterval,
		CertValidity: certs.MaxValidity,
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		errs = append(errs, fmt.Errorf("api address %q: %w", c.APIAddr, err))
	}
	if c.GraceWindow <= 0 {
		errs = append(errs, fmt.Errorf("grace window must be positive, got %v", c.GraceWindow))
	}
	if c.NoReaderTimeout < 0 {
		errs = append(errs, fmt.Errorf("no-reader timeout must not be negative, got %v", c.NoReaderTimeout))
	}
	if c.NoReaderTimeout > 0 && c.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("reap interval must be positive when the no-reader policy is on, got %v", c.ReapInterval))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert and key files must be given together"))
	}
	if c.CertFile == "" && (c.CertValidity <= 0 || c.CertValidity > certs.MaxValidity) {
		errs = append(errs, fmt.Errorf("cert validity must be in (0, %v], got %v", certs.MaxValidity, c.CertValidity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Certificate loads the configured key pair or generates a self-signed one.
func (c Config) Certificate() (*certs.CertInfo, error) {
	if c.CertFile != "" {
		return certs.Load(c.CertFile, c.KeyFile)
	}
	return certs.Generate(c.CertValidity, c.CertHosts...)
}

// LogLevel maps Debug to a slog level.
func (c Config) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SplitList parses a comma-separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
