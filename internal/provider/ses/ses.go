// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/provider"
)

// Config holds the settings for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the message From address as the SES envelope sender.
	Sender string
	// ConfigurationSet routes delivery events, the SES counterpart of DSN.
	ConfigurationSet string
}

// SendEmailAPI is the SES v2 SendEmail operation, mockable in tests.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends raw MIME messages through SES.
type Provider struct {
	sender    string
	configSet string
	client    SendEmailAPI
	creds     aws.CredentialsProvider
	logger    *slog.Logger
	now       func() time.Time
}

// New loads the AWS configuration and creates a Provider. Static keys are
// used when both are set, otherwise the default credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	p := NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), logger)
	p.configSet = cfg.ConfigurationSet
	p.creds = awsCfg.Credentials
	return p, nil
}

// NewWithClient creates a Provider around client, used for testing.
func NewWithClient(sender string, client SendEmailAPI, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		sender: sender,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Connect resolves AWS credentials; that resolution stands in for the login.
// There is no connection to open, so Connect itself never fails.
func (p *Provider) Connect(ctx context.Context) (provider.Session, error) {
	s := &session{p: p, loggedIn: true}
	if p.creds != nil {
		if _, err := p.creds.Retrieve(ctx); err != nil {
			p.logger.Warn("failed to resolve AWS credentials, sending anyway", "error", err)
			s.loggedIn = false
		}
	}
	return s, nil
}

type session struct {
	p        *Provider
	loggedIn bool
}

func (s *session) LoggedIn() bool { return s.loggedIn }

func (s *session) Close() error { return nil }

// Send submits msg as one raw message. SES accepts or rejects the message as
// a whole, so every recipient shares the outcome.
func (s *session) Send(ctx context.Context, msg *email.Message) (*provider.Status, error) {
	status := &provider.Status{}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return status, &provider.Error{Stage: provider.StageSend, Reason: "no recipients"}
	}

	now := s.p.now()
	raw, err := email.RenderBytes(msg, now)
	if err != nil {
		return status, &provider.Error{Stage: provider.StageSend, Reason: err.Error(), Err: err}
	}

	from := s.p.sender
	if from == "" {
		from = msg.From.Email
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if s.p.configSet != "" {
		input.ConfigurationSetName = aws.String(s.p.configSet)
	}

	out, err := s.p.client.SendEmail(ctx, input)
	if err != nil {
		pe := toError(err)
		for _, r := range recipients {
			status.Add(provider.Result{
				Timestamp: now,
				Recipient: r,
				Subject:   msg.Subject,
				Code:      pe.Code,
				Reason:    pe.Reason,
			})
		}
		return status, pe
	}

	s.p.logger.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))
	for _, r := range recipients {
		status.Add(provider.Result{
			Completed: true,
			Timestamp: now,
			Recipient: r,
			Subject:   msg.Subject,
		})
	}
	return status, nil
}

// toError keeps the HTTP status and SES error code of an API failure.
func toError(err error) *provider.Error {
	pe := &provider.Error{Stage: provider.StageSend, Reason: err.Error(), Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.ErrorCode = apiErr.ErrorCode()
		pe.Reason = apiErr.ErrorMessage()
	}
	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) {
		pe.Code = httpErr.HTTPStatusCode()
	}
	return pe
}
