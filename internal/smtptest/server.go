// Package smtptest runs an in-process SMTP server that records what it
// receives. It backs the SMTP transport tests.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailbox-notifier/internal/email"
)

// shutdownTimeout bounds how long Close waits for in-flight sessions.
const shutdownTimeout = 5 * time.Second

// Options configures a test server.
type Options struct {
	// Hostname is used in the greeting and EHLO response.
	Hostname string

	// Username and Password enable AUTH PLAIN/LOGIN. When both are set,
	// MAIL is refused until the client authenticates.
	Username string
	Password string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// Implicit wraps every accepted connection in TLS (port 465 style).
	// Requires TLSConfig.
	Implicit bool

	// AdvertiseDSN adds the DSN extension to the EHLO response.
	AdvertiseDSN bool

	// RejectRecipients lists addresses answered with 550 at RCPT.
	RejectRecipients []string

	// RejectData answers the end of DATA with 554.
	RejectData bool

	Logger *slog.Logger
}

// Received is one message accepted by the server.
type Received struct {
	From       string
	MailParams string
	To         []string
	// RcptParams maps each accepted recipient to its RCPT parameters.
	RcptParams map[string]string
	Raw        []byte
	// Message is Raw parsed back, nil if it could not be parsed.
	Message *email.Message
}

// Server is a recording SMTP server listening on a loopback port.
type Server struct {
	opts     Options
	auth     *authenticator
	listener net.Listener
	logger   *slog.Logger
	cancel   context.CancelFunc

	mu       sync.Mutex
	messages []Received

	// wg tracks the accept loop and in-flight session goroutines.
	wg sync.WaitGroup
}

// Start listens on 127.0.0.1 with a random port and serves until Close.
func Start(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.Implicit && opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		auth:     &authenticator{username: opts.Username, password: opts.Password},
		listener: ln,
		logger:   logger,
		cancel:   cancel,
	}

	logger.Debug("test SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.enabled(),
		"tls_enabled", opts.TLSConfig != nil,
		"implicit_tls", opts.Implicit,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	return s, nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := newSession(conn, s)
			sess.handle(ctx)
		}()
	}
}

// Close stops accepting connections and waits for in-flight sessions.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
	return err
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host and Port split Addr for transport configs.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Messages returns a copy of the messages received so far.
func (s *Server) Messages() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Server) record(r Received) {
	s.mu.Lock()
	s.messages = append(s.messages, r)
	s.mu.Unlock()
}

func (s *Server) rejects(addr string) bool {
	for _, r := range s.opts.RejectRecipients {
		if r == addr {
			return true
		}
	}
	return false
}
