package email

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	defaultCharset  = "us-ascii"
	defaultEncoding = "7bit"
)

// Render writes msg as an RFC 5322 message dated at date.
func Render(w io.Writer, msg *Message, date time.Time) error {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: msg.From.Name, Address: msg.From.Email}})

	to := make([]*mail.Address, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, &mail.Address{Name: a.Name, Address: a.Email})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if msg.ID != "" {
		h.SetMessageID(msg.ID)
	}

	charset := msg.Charset
	if charset == "" {
		charset = defaultCharset
	}
	encoding := msg.TransferEncoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	h.SetContentType("text/plain", map[string]string{"charset": charset})
	h.Set("Content-Transfer-Encoding", encoding)

	if msg.Priority != 0 {
		h.Set("X-Priority", strconv.Itoa(int(msg.Priority)))
		h.Set("Importance", msg.Priority.Importance())
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(body, msg.TextBody); err != nil {
		body.Close()
		return fmt.Errorf("failed to write message body: %w", err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return nil
}

// RenderBytes is Render into a byte slice.
func RenderBytes(msg *Message, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, msg, date); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
