// Package config parses and validates the four positional command-line
// parameters this service requires, plus a handful of optional ambient
// flags (metrics listener, verbose logging) that never change default
// behavior when left unset.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is the immutable, set-once-at-startup configuration for one
// acquisition pipeline. There is no reload at runtime.
type Config struct {
	Host    string // tuner host, e.g. "tuner.local"
	Channel int    // channel number used to build /auto/v{channel}
	PID     int    // target elementary-stream PID, 1..8190
	UDPPort int    // destination UDP port on 127.0.0.1, 1..65535

	// Ambient, optional. Zero values reproduce spec-only behavior.
	MetricsAddr string // "" disables the metrics listener
	Verbose     bool   // log every dropped packet's reason, not just overflow
}

// Parse validates the four positional arguments in order: host, channel,
// PID, UDP port. metricsAddr/verbose are the already-parsed optional flag
// values. Returns a descriptive error (never panics) on any invalid input;
// the caller is expected to print it and exit non-zero before opening any
// socket.
func Parse(positional []string, metricsAddr string, verbose bool) (*Config, error) {
	if len(positional) != 4 {
		return nil, fmt.Errorf("expected 4 positional arguments (host channel pid udpport), got %d", len(positional))
	}

	host := strings.TrimSpace(positional[0])
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}

	channel, err := strconv.Atoi(positional[1])
	if err != nil || channel < 0 {
		return nil, fmt.Errorf("channel must be a non-negative decimal integer: %q", positional[1])
	}

	pid, err := strconv.Atoi(positional[2])
	if err != nil || pid < 1 || pid > 8190 {
		return nil, fmt.Errorf("pid must be a decimal integer in 1..8190: %q", positional[2])
	}

	port, err := strconv.Atoi(positional[3])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("udpport must be a decimal integer in 1..65535: %q", positional[3])
	}

	return &Config{
		Host:        host,
		Channel:     channel,
		PID:         pid,
		UDPPort:     port,
		MetricsAddr: strings.TrimSpace(metricsAddr),
		Verbose:     verbose,
	}, nil
}
