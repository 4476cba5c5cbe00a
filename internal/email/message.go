// Package email defines the notification message model and its RFC 5322
// rendering.
package email

import "strings"

// Priority maps to the X-Priority header scale.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 3
	PriorityLow    Priority = 5
)

// Importance returns the matching Importance header value.
func (p Priority) Importance() string {
	switch {
	case p > 0 && p < PriorityNormal:
		return "high"
	case p > PriorityNormal:
		return "low"
	default:
		return "normal"
	}
}

// Notify is a set of delivery status notification conditions.
type Notify uint8

const (
	NotifySuccess Notify = 1 << iota
	NotifyFailure
	NotifyDelay
)

// Has reports whether all conditions in f are requested.
func (n Notify) Has(f Notify) bool {
	return n&f == f
}

// String renders the set in DSN NOTIFY order, e.g. "SUCCESS,FAILURE,DELAY".
func (n Notify) String() string {
	var parts []string
	if n.Has(NotifySuccess) {
		parts = append(parts, "SUCCESS")
	}
	if n.Has(NotifyFailure) {
		parts = append(parts, "FAILURE")
	}
	if n.Has(NotifyDelay) {
		parts = append(parts, "DELAY")
	}
	if len(parts) == 0 {
		return "NEVER"
	}
	return strings.Join(parts, ",")
}

// Address is a display name and mailbox.
type Address struct {
	Name  string
	Email string
}

// Message is a single-part plaintext notification.
type Message struct {
	// ID is the Message-ID without angle brackets.
	ID               string
	From             Address
	To               []Address
	Subject          string
	TextBody         string
	Charset          string
	TransferEncoding string
	Priority         Priority
	Notify           Notify
	// Headers holds extra header fields, e.g. diagnostics.
	Headers map[string]string
}

// Recipients returns the bare mailbox of every To address.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, a := range m.To {
		out = append(out, a.Email)
	}
	return out
}
