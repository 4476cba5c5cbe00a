package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/provider"
)

// Config holds the app registration and mailbox used to send.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox (UPN or ID) the mail is sent as.
	Sender  string
	Timeout time.Duration
}

// Provider sends mail through Graph using OAuth2 client credentials.
type Provider struct {
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Provider for the public Graph and Entra ID endpoints.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: cfg.Timeout}, logger)
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		logger:     logger,
		now:        time.Now,
	}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return "msgraph"
}

// Connect acquires the access token. A failed acquisition is a failed login:
// the session reports LoggedIn() == false and Send tries once more.
func (g *Provider) Connect(ctx context.Context) (provider.Session, error) {
	s := &session{g: g}
	if _, err := g.token.Token(ctx); err != nil {
		g.logger.Warn("failed to acquire Graph token, sending anyway", "error", err)
	} else {
		s.loggedIn = true
	}
	return s, nil
}

type session struct {
	g        *Provider
	loggedIn bool
}

func (s *session) LoggedIn() bool { return s.loggedIn }

func (s *session) Close() error { return nil }

// Send posts msg to sendMail once. Graph accepts or rejects the message as a
// whole, so every recipient shares the outcome.
func (s *session) Send(ctx context.Context, msg *email.Message) (*provider.Status, error) {
	status := &provider.Status{}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return status, &provider.Error{Stage: provider.StageSend, Reason: "no recipients"}
	}

	now := s.g.now()
	err := s.g.doSendRequest(ctx, buildSendMailRequest(msg))
	for _, r := range recipients {
		res := provider.Result{
			Completed: err == nil,
			Timestamp: now,
			Recipient: r,
			Subject:   msg.Subject,
		}
		if err != nil {
			res.Code = err.Code
			res.Reason = err.Reason
		}
		status.Add(res)
	}
	if err != nil {
		return status, err
	}
	return status, nil
}

// doSendRequest performs the sendMail POST and maps failures to provider.Error.
func (g *Provider) doSendRequest(ctx context.Context, body *sendMailRequest) *provider.Error {
	token, err := g.token.Token(ctx)
	if err != nil {
		pe := &provider.Error{Stage: provider.StageAuth, Reason: err.Error(), Err: err}
		var te *tokenError
		if errors.As(err, &te) {
			pe.Code = te.statusCode
		}
		return pe
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return &provider.Error{Stage: provider.StageSend, Reason: "failed to marshal request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return &provider.Error{Stage: provider.StageSend, Reason: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &provider.Error{Stage: provider.StageSend, Reason: fmt.Sprintf("HTTP request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	pe := &provider.Error{
		Stage:  provider.StageSend,
		Code:   resp.StatusCode,
		Reason: strings.TrimSpace(string(respBody)),
	}
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(respBody, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		pe.ErrorCode = graphErrResp.Error.Code
		pe.Reason = graphErrResp.Error.Message
	}
	if pe.Reason == "" {
		pe.Reason = http.StatusText(resp.StatusCode)
	}
	return pe
}
