// Package smtp implements a Provider that submits mail to an SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/provider"
)

// TLSMode selects how the connection is secured.
type TLSMode string

const (
	// TLSImplicit wraps the connection in TLS from the start (port 465).
	TLSImplicit TLSMode = "implicit"
	// TLSStartTLS upgrades a plain connection (port 587).
	TLSStartTLS TLSMode = "starttls"
	// TLSNone sends in clear text. Only for local relays and tests.
	TLSNone TLSMode = "none"
)

const defaultTimeout = 30 * time.Second

// Config holds the SMTP server and login settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLSMode  TLSMode
	// TLSConfig is used for implicit TLS and STARTTLS. Nil means system
	// roots with ServerName set to Host.
	TLSConfig *tls.Config
	// Timeout bounds the dial and each SMTP command.
	Timeout time.Duration
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
	// AuthMechanism forces "PLAIN" or "LOGIN". Empty picks from the
	// server's advertised mechanisms.
	AuthMechanism string
}

// Provider opens SMTP sessions.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an SMTP Provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSImplicit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger, now: time.Now}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

func (p *Provider) addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

func (p *Provider) tlsConfig() *tls.Config {
	if p.cfg.TLSConfig != nil {
		return p.cfg.TLSConfig
	}
	return &tls.Config{ServerName: p.cfg.Host, MinVersion: tls.VersionTLS12}
}

// Connect dials the server, greets it, secures the connection and logs in.
// A failed login leaves the session usable with LoggedIn() == false.
func (p *Provider) Connect(ctx context.Context) (provider.Session, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, &provider.Error{Stage: provider.StageConnect, Reason: err.Error(), Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c := gosmtp.NewClient(conn)
	c.CommandTimeout = p.cfg.Timeout
	c.SubmissionTimeout = p.cfg.Timeout

	if err := c.Hello(p.cfg.LocalName); err != nil {
		c.Close()
		return nil, toError(provider.StageConnect, err)
	}

	if p.cfg.TLSMode == TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, &provider.Error{Stage: provider.StageConnect, Reason: "server does not support STARTTLS"}
		}
		if err := c.StartTLS(p.tlsConfig()); err != nil {
			c.Close()
			return nil, toError(provider.StageConnect, err)
		}
	}

	s := &session{client: c, conn: conn, logger: p.logger, now: p.now}
	s.dsn, _ = c.Extension("DSN")

	if p.cfg.Username != "" {
		if err := p.login(c); err != nil {
			p.logger.Warn("smtp login failed, sending anyway",
				"host", p.cfg.Host,
				"username", p.cfg.Username,
				"error", toError(provider.StageAuth, err),
			)
		} else {
			s.loggedIn = true
		}
	}

	p.logger.Debug("smtp session open",
		"addr", p.addr(),
		"tls_mode", string(p.cfg.TLSMode),
		"logged_in", s.loggedIn,
		"dsn", s.dsn,
	)
	return s, nil
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: p.cfg.Timeout}
	if p.cfg.TLSMode == TLSImplicit {
		d := &tls.Dialer{NetDialer: nd, Config: p.tlsConfig()}
		return d.DialContext(ctx, "tcp", p.addr())
	}
	return nd.DialContext(ctx, "tcp", p.addr())
}

func (p *Provider) login(c *gosmtp.Client) error {
	ok, mechs := c.Extension("AUTH")
	if !ok {
		return errors.New("server does not advertise AUTH")
	}

	mech := strings.ToUpper(p.cfg.AuthMechanism)
	if mech == "" {
		mech = "PLAIN"
		if !hasMechanism(mechs, "PLAIN") && hasMechanism(mechs, "LOGIN") {
			mech = "LOGIN"
		}
	}

	var client sasl.Client
	switch mech {
	case "PLAIN":
		client = sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
	case "LOGIN":
		client = sasl.NewLoginClient(p.cfg.Username, p.cfg.Password)
	default:
		return fmt.Errorf("unsupported auth mechanism %q", mech)
	}
	return c.Auth(client)
}

func hasMechanism(list, mech string) bool {
	for _, m := range strings.Fields(list) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

type session struct {
	client   *gosmtp.Client
	conn     net.Conn
	logger   *slog.Logger
	now      func() time.Time
	loggedIn bool
	dsn      bool
}

func (s *session) LoggedIn() bool { return s.loggedIn }

// Send submits msg in one transaction. Each recipient gets a Result; a
// rejected recipient does not stop delivery to the others.
func (s *session) Send(ctx context.Context, msg *email.Message) (*provider.Status, error) {
	status := &provider.Status{}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return status, &provider.Error{Stage: provider.StageSend, Reason: "no recipients"}
	}
	if err := ctx.Err(); err != nil {
		return status, &provider.Error{Stage: provider.StageSend, Reason: err.Error(), Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
	}

	now := s.now()
	raw, err := email.RenderBytes(msg, now)
	if err != nil {
		return status, &provider.Error{Stage: provider.StageSend, Reason: err.Error(), Err: err}
	}

	failAll := func(rcpts []string, err *provider.Error) {
		for _, r := range rcpts {
			status.Add(provider.Result{
				Timestamp: now,
				Recipient: r,
				Subject:   msg.Subject,
				Code:      err.Code,
				Reason:    err.Reason,
			})
		}
	}

	var mailOpts *gosmtp.MailOptions
	var rcptOpts *gosmtp.RcptOptions
	if s.dsn && msg.Notify != 0 {
		mailOpts = &gosmtp.MailOptions{Return: gosmtp.DSNReturnHeaders}
		rcptOpts = &gosmtp.RcptOptions{Notify: dsnNotify(msg.Notify)}
	}

	if err := s.client.Mail(msg.From.Email, mailOpts); err != nil {
		pe := toError(provider.StageSend, err)
		failAll(recipients, pe)
		return status, pe
	}

	var accepted []string
	var lastErr *provider.Error
	for _, r := range recipients {
		if err := s.client.Rcpt(r, rcptOpts); err != nil {
			lastErr = toError(provider.StageSend, err)
			failAll([]string{r}, lastErr)
			continue
		}
		accepted = append(accepted, r)
	}
	if len(accepted) == 0 {
		_ = s.client.Reset()
		return status, lastErr
	}

	if err := s.writeData(raw); err != nil {
		pe := toError(provider.StageSend, err)
		failAll(accepted, pe)
		return status, pe
	}

	for _, r := range accepted {
		status.Add(provider.Result{
			Completed: true,
			Timestamp: now,
			Recipient: r,
			Subject:   msg.Subject,
		})
	}
	if lastErr != nil {
		return status, lastErr
	}
	return status, nil
}

func (s *session) writeData(raw []byte) error {
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close ends the session with QUIT, dropping the connection if that fails.
func (s *session) Close() error {
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}

func dsnNotify(n email.Notify) []gosmtp.DSNNotify {
	var out []gosmtp.DSNNotify
	if n.Has(email.NotifySuccess) {
		out = append(out, gosmtp.DSNNotifySuccess)
	}
	if n.Has(email.NotifyFailure) {
		out = append(out, gosmtp.DSNNotifyFailure)
	}
	if n.Has(email.NotifyDelay) {
		out = append(out, gosmtp.DSNNotifyDelayed)
	}
	return out
}

// toError maps a go-smtp error to a provider.Error, keeping the reply code
// and enhanced status code when the server sent them.
func toError(stage provider.Stage, err error) *provider.Error {
	pe := &provider.Error{Stage: stage, Reason: err.Error(), Err: err}
	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		pe.Code = se.Code
		pe.Reason = se.Message
		if ec := se.EnhancedCode; ec[0] > 0 {
			pe.ErrorCode = fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
		}
	}
	return pe
}
