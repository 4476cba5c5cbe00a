// Package network joins the wireless network before anything talks to the
// outside world.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/shineum/mailbox-notifier/internal/hal"
)

const (
	// DefaultPollInterval is the delay between association status checks.
	DefaultPollInterval = 300 * time.Millisecond
	// DefaultTimeout bounds a connect attempt.
	DefaultTimeout = 30 * time.Second
)

// ErrConnectTimeout is wrapped by ConnectError when association did not
// complete in time.
var ErrConnectTimeout = errors.New("wifi association timed out")

// ConnectError describes a failed connect attempt.
type ConnectError struct {
	SSID       string
	Attempts   int
	Elapsed    time.Duration
	LastStatus hal.RadioStatus
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %q failed after %d polls (%s, last status %s): %v",
		e.SSID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastStatus, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Connector polls a radio until it is associated.
type Connector struct {
	radio        hal.Radio
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

// NewConnector creates a Connector. Non-positive durations use the defaults.
func NewConnector(radio hal.Radio, pollInterval, timeout time.Duration, logger *slog.Logger) *Connector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		radio:        radio,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger,
	}
}

// Connect starts association with ssid and blocks until the radio reports
// connected, the timeout expires or ctx is cancelled. It returns the local
// address on success and a *ConnectError otherwise.
func (c *Connector) Connect(ctx context.Context, ssid, password string) (netip.Addr, error) {
	start := time.Now()
	if err := c.radio.Begin(ssid, password); err != nil {
		return netip.Addr{}, &ConnectError{SSID: ssid, Err: err}
	}
	c.logger.Info("connecting to wifi", "ssid", ssid)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		status := c.radio.Status()
		attempts++
		if status == hal.RadioConnected {
			ip := c.radio.LocalIP()
			c.logger.Info("connected", "ip", ip.String(), "polls", attempts)
			return ip, nil
		}
		c.logger.Debug("waiting for association", "status", status.String(), "poll", attempts)

		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrConnectTimeout
			}
			return netip.Addr{}, &ConnectError{
				SSID:       ssid,
				Attempts:   attempts,
				Elapsed:    time.Since(start),
				LastStatus: status,
				Err:        err,
			}
		case <-ticker.C:
		}
	}
}
