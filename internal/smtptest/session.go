package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/shineum/mailbox-notifier/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const idleTimeout = 30 * time.Second

const maxMessageSize = 10 * 1024 * 1024

type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	srv    *Server

	tlsActive bool

	mailFrom   string
	mailParams string
	rcptTo     []string
	rcptParams map[string]string
}

func newSession(conn net.Conn, srv *Server) *session {
	_, implicit := conn.(*tls.Conn)
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		srv:       srv,
		tlsActive: implicit,
	}
}

func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtptest", s.srv.opts.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.srv.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.srv.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.srv.opts.Hostname, arg)
	if s.srv.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.srv.auth.enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	if s.srv.opts.AdvertiseDSN {
		s.writeLine("250-DSN")
	}
	s.writeLine("250 SIZE %d", maxMessageSize)
}

func (s *session) handleSTARTTLS() {
	if s.srv.opts.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.srv.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case err == errCancelled:
		s.writeLine("501 Authentication cancelled")
	case err != nil:
		s.writeLine("535 5.7.8 Authentication failed")
	default:
		s.state = stateAuthOK
		s.writeLine("235 2.7.0 Authentication successful")
	}
}

var errCancelled = fmt.Errorf("authentication cancelled")

func (s *session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.srv.auth.verifyPlain(encoded)
}

// authLogin accepts the username either as an initial response or after
// the "Username:" challenge.
func (s *session) authLogin(initial string) error {
	user := initial
	if user == "" {
		var err error
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return err
		}
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.srv.auth.verifyLogin(user, pass)
}

// challenge sends a 334 prompt and reads the client's reply line.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errCancelled
	}
	return line, nil
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params := splitPath(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.mailParams = params
	s.rcptTo = nil
	s.rcptParams = make(map[string]string)
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr, params := splitPath(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if s.srv.rejects(addr) {
		s.writeLine("550 5.1.1 Mailbox unavailable")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.rcptParams[addr] = params
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.srv.logger.Error("error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}
	defer s.resetTransaction()

	if s.srv.opts.RejectData {
		s.writeLine("554 5.6.0 Message rejected")
		return
	}

	raw := []byte(data.String())
	msg, err := parser.Parse(raw)
	if err != nil {
		s.srv.logger.Warn("failed to parse received message", "error", err)
	}

	s.srv.record(Received{
		From:       s.mailFrom,
		MailParams: s.mailParams,
		To:         s.rcptTo,
		RcptParams: s.rcptParams,
		Raw:        raw,
		Message:    msg,
	})
	s.writeLine("250 2.0.0 OK message accepted")
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.mailParams = ""
	s.rcptTo = nil
	s.rcptParams = nil

	if s.srv.auth.enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := s.writer.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		s.srv.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.srv.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// splitPath separates "<addr> PARAMS" into the address and the parameter
// string. Bare addresses are accepted.
func splitPath(s string) (string, string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return s[1:end], strings.TrimSpace(s[end+1:])
	}
	addr, params, _ := strings.Cut(s, " ")
	return addr, strings.TrimSpace(params)
}
