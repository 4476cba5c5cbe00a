package ses

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

type failingCreds struct{}

func (failingCreds) Retrieve(context.Context) (aws.Credentials, error) {
	return aws.Credentials{}, errors.New("no EC2 IMDS role found")
}

func newTestProvider(sender string, client SendEmailAPI) *Provider {
	p := NewWithClient(sender, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }
	return p
}

func testMessage() *email.Message {
	return &email.Message{
		ID:       "abc@mailbox.local",
		From:     email.Address{Name: "Your Mailbox", Email: "box@example.com"},
		To:       []email.Address{{Name: "Master!", Email: "me@example.com"}},
		Subject:  "You've got Mail!",
		TextBody: "You've got Mail!\nWiFi RSSI: -48\nTimestamp: Wednesday, May 01 2024 10:30:00",
		Priority: email.PriorityLow,
	}
}

func connect(t *testing.T, p *Provider) provider.Session {
	t.Helper()
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	return sess
}

func TestName(t *testing.T) {
	t.Parallel()
	p := newTestProvider("sender@example.com", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_RawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	sess := connect(t, newTestProvider("", mock))
	if !sess.LoggedIn() {
		t.Error("LoggedIn: got false without a credentials provider")
	}

	status, err := sess.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if !status.Success() || len(status.Results) != 1 {
		t.Fatalf("status: got %+v", status.Results)
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "box@example.com" {
		t.Errorf("FromEmailAddress: got %q, want message sender", got)
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw content")
	}
	raw := string(input.Content.Raw.Data)
	for _, want := range []string{
		"Subject: You've got Mail!",
		"X-Priority: 5",
		"Content-Transfer-Encoding: 7bit",
		"WiFi RSSI: -48",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
	if input.ConfigurationSetName != nil {
		t.Error("ConfigurationSetName should be unset")
	}
}

func TestSend_SenderOverrideAndConfigSet(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider("verified@example.com", mock)
	p.configSet = "mailbox-events"

	if _, err := connect(t, p).Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(mock.lastInput.FromEmailAddress); got != "verified@example.com" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if got := aws.ToString(mock.lastInput.ConfigurationSetName); got != "mailbox-events" {
		t.Errorf("ConfigurationSetName: got %q", got)
	}
}

func TestSend_APIErrorSingleAttempt(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."}
		},
	}
	status, err := connect(t, newTestProvider("", mock)).Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want exactly 1", mock.callCount)
	}

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("error type: got %T, want *provider.Error", err)
	}
	if pe.ErrorCode != "MessageRejected" {
		t.Errorf("ErrorCode: got %q", pe.ErrorCode)
	}
	if status.FailedCount() != 1 || status.Results[0].Reason != "Email address is not verified." {
		t.Errorf("results: got %+v", status.Results)
	}
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	msg := testMessage()
	msg.To = nil
	if _, err := connect(t, newTestProvider("", mock)).Send(context.Background(), msg); err == nil {
		t.Error("expected error for message without recipients")
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestConnect_CredentialFailureStillSends(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider("", mock)
	p.creds = failingCreds{}

	sess := connect(t, p)
	if sess.LoggedIn() {
		t.Error("LoggedIn: got true with failing credentials")
	}
	if _, err := sess.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}
