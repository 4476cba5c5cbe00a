// Package notify assembles the "you've got mail" notification.
package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/mailbox-notifier/internal/email"
)

// Greeting is the first line of every notification body.
const Greeting = "You've got Mail!"

// Identity holds the fixed sender and recipient of the notification.
type Identity struct {
	SenderName     string
	SenderEmail    string
	RecipientName  string
	RecipientEmail string
	Subject        string
}

// DefaultIdentity fills in the display names and subject.
func DefaultIdentity(senderEmail, recipientEmail string) Identity {
	return Identity{
		SenderName:     "Your Mailbox",
		SenderEmail:    senderEmail,
		RecipientName:  "Master!",
		RecipientEmail: recipientEmail,
		Subject:        Greeting,
	}
}

// Input is what one wake cycle contributes to the message.
type Input struct {
	BootCount int
	Timestamp string
	// BatteryText is omitted from the body when empty.
	BatteryText string
	RSSI        int
}

// Composer builds notification messages.
type Composer struct {
	id     Identity
	domain string
	newID  func() string
}

// NewComposer creates a Composer. domain is the right-hand side of the
// generated Message-ID.
func NewComposer(id Identity, domain string) *Composer {
	if domain == "" {
		domain = "mailbox.local"
	}
	return &Composer{id: id, domain: domain, newID: uuid.NewString}
}

// Compose builds the message for in.
func (c *Composer) Compose(in Input) *email.Message {
	return &email.Message{
		ID:               c.newID() + "@" + c.domain,
		From:             email.Address{Name: c.id.SenderName, Email: c.id.SenderEmail},
		To:               []email.Address{{Name: c.id.RecipientName, Email: c.id.RecipientEmail}},
		Subject:          c.id.Subject,
		TextBody:         Body(in),
		Charset:          "us-ascii",
		TransferEncoding: "7bit",
		Priority:         email.PriorityLow,
		Notify:           email.NotifySuccess | email.NotifyFailure | email.NotifyDelay,
		Headers: map[string]string{
			"X-Boot-Count": strconv.Itoa(in.BootCount),
		},
	}
}

// Body renders the plaintext body. Characters outside 7-bit ASCII become '?'.
func Body(in Input) string {
	var b strings.Builder
	b.WriteString(Greeting)
	b.WriteString("\n")
	if in.BatteryText != "" {
		b.WriteString(in.BatteryText)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "WiFi RSSI: %d\n", in.RSSI)
	b.WriteString("Timestamp: ")
	b.WriteString(in.Timestamp)
	return toASCII(b.String())
}

func toASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 127 {
			return '?'
		}
		return r
	}, s)
}
