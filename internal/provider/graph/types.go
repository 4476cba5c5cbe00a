// Package graph implements a Provider that sends mail via the Microsoft Graph API.
package graph

import (
	"sort"

	"github.com/shineum/mailbox-notifier/internal/email"
)

// sendMailRequest is the body of POST /users/{id}/sendMail.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                    string           `json:"subject"`
	Body                       messageBody      `json:"body"`
	From                       *recipient       `json:"from,omitempty"`
	ToRecipients               []recipient      `json:"toRecipients"`
	Importance                 string           `json:"importance,omitempty"`
	IsDeliveryReceiptRequested bool             `json:"isDeliveryReceiptRequested"`
	InternetMessageID          string           `json:"internetMessageId,omitempty"`
	InternetMessageHeaders     []internetHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// internetHeader is a custom header. Graph only accepts names starting
// with "x-".
type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a notification into a sendMail request body.
// Graph has no DSN; any requested notification maps to a delivery receipt.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	to := make([]recipient, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, recipient{EmailAddress: emailAddress{Name: a.Name, Address: a.Email}})
	}

	m := sendMailMessage{
		Subject:                    msg.Subject,
		Body:                       messageBody{ContentType: "text", Content: msg.TextBody},
		ToRecipients:               to,
		IsDeliveryReceiptRequested: msg.Notify.Has(email.NotifySuccess),
	}
	if msg.From.Email != "" {
		m.From = &recipient{EmailAddress: emailAddress{Name: msg.From.Name, Address: msg.From.Email}}
	}
	if msg.Priority != 0 {
		m.Importance = msg.Priority.Importance()
	}
	if msg.ID != "" {
		m.InternetMessageID = "<" + msg.ID + ">"
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.InternetMessageHeaders = append(m.InternetMessageHeaders, internetHeader{Name: k, Value: msg.Headers[k]})
	}

	return &sendMailRequest{Message: m}
}
