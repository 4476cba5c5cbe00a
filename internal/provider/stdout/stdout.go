// Package stdout implements a Provider that prints notifications instead of
// sending them. It backs dry runs on a host.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/provider"
)

// Provider writes each message to an io.Writer.
type Provider struct {
	writer io.Writer
	// raw prints the full RFC 5322 rendering instead of a summary.
	raw bool
	now func() time.Time
}

// New creates a Provider that writes summaries to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout, false)
}

// NewWithWriter creates a Provider writing to w. With raw set the rendered
// message is printed as it would go on the wire.
func NewWithWriter(w io.Writer, raw bool) *Provider {
	return &Provider{writer: w, raw: raw, now: time.Now}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Connect never fails; there is nothing to log in to.
func (p *Provider) Connect(context.Context) (provider.Session, error) {
	return &session{p: p}, nil
}

type session struct {
	p *Provider
}

func (s *session) LoggedIn() bool { return true }

func (s *session) Close() error { return nil }

// Send prints msg. A write failure fails every recipient.
func (s *session) Send(_ context.Context, msg *email.Message) (*provider.Status, error) {
	now := s.p.now()

	var out []byte
	if s.p.raw {
		raw, err := email.RenderBytes(msg, now)
		if err != nil {
			return &provider.Status{}, &provider.Error{Stage: provider.StageSend, Reason: err.Error(), Err: err}
		}
		out = raw
	} else {
		out = []byte(summary(msg))
	}

	_, werr := s.p.writer.Write(out)

	status := &provider.Status{}
	for _, r := range msg.Recipients() {
		res := provider.Result{Completed: werr == nil, Timestamp: now, Recipient: r, Subject: msg.Subject}
		if werr != nil {
			res.Reason = werr.Error()
		}
		status.Add(res)
	}
	if werr != nil {
		return status, &provider.Error{Stage: provider.StageSend, Reason: werr.Error(), Err: werr}
	}
	return status, nil
}

func summary(msg *email.Message) string {
	var b strings.Builder

	to := make([]string, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, formatAddress(a))
	}

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", formatAddress(msg.From))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.Priority != 0 {
		fmt.Fprintf(&b, "Priority: %s\n", msg.Priority.Importance())
	}
	if msg.Notify != 0 {
		fmt.Fprintf(&b, "Notify: %s\n", msg.Notify)
	}
	b.WriteString("Body:\n")
	b.WriteString(msg.TextBody + "\n")
	b.WriteString("========================================\n")
	return b.String()
}

func formatAddress(a email.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}
