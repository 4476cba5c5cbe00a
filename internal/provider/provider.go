// Package provider defines the interface for mail transports.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/mailbox-notifier/internal/email"
)

// Provider opens delivery sessions against a mail backend
// (SMTP server, SES, Microsoft Graph, stdout).
type Provider interface {
	// Connect opens a session. A failure here is terminal for the cycle:
	// nothing is sent.
	Connect(ctx context.Context) (Session, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Session is one connected, possibly authenticated, delivery session.
type Session interface {
	// LoggedIn reports whether authentication succeeded. Sending is
	// attempted regardless.
	LoggedIn() bool

	// Send delivers msg and returns one Result per recipient. The error is
	// non-nil when at least one recipient failed.
	Send(ctx context.Context, msg *email.Message) (*Status, error)

	Close() error
}

// Stage names the transport step an Error came from.
type Stage string

const (
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageSend    Stage = "send"
)

// Error is a transport failure with the server's status details.
type Error struct {
	Stage Stage
	// Code is the protocol status code (SMTP reply code, HTTP status), 0 if none.
	Code int
	// ErrorCode is the backend-specific error identifier, e.g. "5.7.8".
	ErrorCode string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s failed (status %d, error %s): %s", e.Stage, e.Code, e.ErrorCode, e.Reason)
	}
	return fmt.Sprintf("%s failed (status %d): %s", e.Stage, e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the delivery outcome for one recipient.
type Result struct {
	Completed bool
	Timestamp time.Time
	Recipient string
	Subject   string
	Code      int
	Reason    string
}

// Status accumulates per-recipient results of a send.
type Status struct {
	Results []Result
}

// Add appends a result.
func (s *Status) Add(r Result) {
	s.Results = append(s.Results, r)
}

// CompletedCount returns the number of successful deliveries.
func (s *Status) CompletedCount() int {
	n := 0
	for _, r := range s.Results {
		if r.Completed {
			n++
		}
	}
	return n
}

// FailedCount returns the number of failed deliveries.
func (s *Status) FailedCount() int {
	return len(s.Results) - s.CompletedCount()
}

// Success reports whether there is at least one result and none failed.
func (s *Status) Success() bool {
	return len(s.Results) > 0 && s.FailedCount() == 0
}

// Report logs the result table and clears it. The list is always empty
// afterwards so a long-running caller does not accumulate results.
func (s *Status) Report(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("send status",
		"success", s.CompletedCount(),
		"failed", s.FailedCount(),
	)
	for i, r := range s.Results {
		state := "failed"
		if r.Completed {
			state = "success"
		}
		attrs := []any{
			"no", i + 1,
			"status", state,
			"date", r.Timestamp.Format("January 02, 2006 15:04:05"),
			"recipient", r.Recipient,
			"subject", r.Subject,
		}
		if !r.Completed {
			attrs = append(attrs, "code", r.Code, "reason", r.Reason)
		}
		logger.Info("send result", attrs...)
	}

	s.Results = nil
}
