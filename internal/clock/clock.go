// Package clock reads wall-clock time from NTP servers and formats it for
// the notification.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

// FailureText stands in for the timestamp when no server answered.
const FailureText = "Failed to obtain time"

// Layout renders e.g. "Monday, January 01 2024 12:00:00".
const Layout = "Monday, January 02 2006 15:04:05"

// Default settings.
var (
	DefaultServers = []string{"pool.ntp.org", "time.nist.gov"}
)

const (
	DefaultOffset  = 2 * time.Hour
	DefaultTimeout = 5 * time.Second
)

// QueryFunc performs one NTP query.
type QueryFunc func(host string, opts ntp.QueryOptions) (*ntp.Response, error)

// Config holds the time sources and presentation offset.
type Config struct {
	Servers []string
	// Offset is the fixed UTC offset of the rendered timestamp.
	Offset  time.Duration
	Timeout time.Duration
}

// Timestamp is the outcome of one synchronization.
type Timestamp struct {
	Time   time.Time
	Text   string
	OK     bool
	Server string
}

// Synchronizer queries servers in order until one gives a valid answer.
type Synchronizer struct {
	cfg    Config
	zone   *time.Location
	query  QueryFunc
	now    func() time.Time
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer. Empty fields use the defaults.
func NewSynchronizer(cfg Config, logger *slog.Logger) *Synchronizer {
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:    cfg,
		zone:   time.FixedZone(zoneName(cfg.Offset), int(cfg.Offset/time.Second)),
		query:  ntp.QueryWithOptions,
		now:    time.Now,
		logger: logger,
	}
}

// Sync returns the current time. When every server fails it returns a
// Timestamp with OK=false and Text=FailureText; callers use Text either way.
func (s *Synchronizer) Sync(ctx context.Context) Timestamp {
	for _, server := range s.cfg.Servers {
		if ctx.Err() != nil {
			break
		}

		resp, err := s.query(server, ntp.QueryOptions{Timeout: s.cfg.Timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			s.logger.Warn("ntp query failed", "server", server, "error", err)
			continue
		}

		t := s.now().Add(resp.ClockOffset).In(s.zone)
		ts := Timestamp{
			Time:   t,
			Text:   Format(t),
			OK:     true,
			Server: server,
		}
		s.logger.Info("time synchronized",
			"server", server,
			"offset", resp.ClockOffset.String(),
			"timestamp", ts.Text,
		)
		return ts
	}

	s.logger.Warn("failed to obtain time", "servers", s.cfg.Servers)
	return Timestamp{Text: FailureText}
}

// Format renders t with Layout.
func Format(t time.Time) string {
	return t.Format(Layout)
}

func zoneName(offset time.Duration) string {
	if offset == 0 {
		return "UTC"
	}
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return fmt.Sprintf("UTC%s%02d:%02d", sign, h, m)
}
