// Package parser reads RFC 5322 messages back into email.Message, used to
// inspect what a mail server received.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strconv"
	"strings"

	"github.com/shineum/mailbox-notifier/internal/email"
)

// Parse parses a raw RFC 5322 message. For multipart messages the first
// text/plain part becomes the body; other parts are skipped.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		Headers: make(map[string]string),
	}

	for key, values := range msg.Header {
		if len(values) > 0 {
			result.Headers[key] = values[0]
		}
	}

	result.From = parseAddress(msg.Header.Get("From"))
	result.To = parseAddressList(msg.Header.Get("To"))
	result.ID = strings.Trim(msg.Header.Get("Message-Id"), "<>")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.TransferEncoding = strings.ToLower(msg.Header.Get("Content-Transfer-Encoding"))
	if p, err := strconv.Atoi(strings.TrimSpace(msg.Header.Get("X-Priority"))); err == nil {
		result.Priority = email.Priority(p)
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}
	result.Charset = params["charset"]

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, result.TransferEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType != "text/plain" {
		slog.Warn("unexpected top-level content type", "content_type", mediaType)
	}
	result.TextBody = string(body)

	return result, nil
}

// parseMultipart walks a multipart body and keeps the first text/plain part.
func parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := parseMultipart(part, nested, result); err != nil {
					slog.Warn("failed to parse nested multipart", "error", err)
				}
			}
			continue
		}

		if mediaType != "text/plain" || result.TextBody != "" {
			continue
		}

		// multipart.Reader already decodes quoted-printable parts.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content", "error", err)
			continue
		}
		result.TextBody = string(content)
		if result.Charset == "" {
			result.Charset = params["charset"]
		}
	}

	return nil
}

// decodeBody reads r and reverses the Content-Transfer-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
	default:
		return raw, nil
	}
}

func decodeHeader(v string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func parseAddress(raw string) email.Address {
	if raw == "" {
		return email.Address{}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return email.Address{Email: strings.TrimSpace(raw)}
	}
	return email.Address{Name: addr.Name, Email: addr.Address}
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []email.Address {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{Name: addr.Name, Email: addr.Address})
	}
	return result
}
