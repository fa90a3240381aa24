package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
)

// Addresses parses the reply's From and To. Failures are AddressErrors.
func (r Reply) Addresses() (*mail.Address, *mail.Address, error) {
	from, err := mail.ParseAddress(r.From)
	if err != nil {
		return nil, nil, mailerr.New(mailerr.Address, "parse from", fmt.Errorf("%q: %w", r.From, err))
	}
	to, err := mail.ParseAddress(r.To)
	if err != nil {
		return nil, nil, mailerr.New(mailerr.Address, "parse to", fmt.Errorf("%q: %w", r.To, err))
	}
	return from, to, nil
}

// WithDefaults fills Date and MessageID when unset. The generated id uses
// the From domain so it is stable for archive keys.
func (r Reply) WithDefaults(now time.Time) Reply {
	if r.Date.IsZero() {
		r.Date = now
	}
	if r.MessageID == "" {
		r.MessageID = NewMessageID(r.From)
	}
	return r
}

// NewMessageID returns a fresh Message-ID (without angle brackets) whose
// right-hand side is the domain of addr.
func NewMessageID(addr string) string {
	domain := "localhost"
	if parsed, err := mail.ParseAddress(addr); err == nil {
		if at := strings.LastIndex(parsed.Address, "@"); at >= 0 && at < len(parsed.Address)-1 {
			domain = parsed.Address[at+1:]
		}
	}
	return uuid.NewString() + "@" + domain
}

// Bytes renders the reply as a single-part text/plain RFC 5322 message.
// Call WithDefaults first for a Date and Message-ID.
func (r Reply) Bytes() ([]byte, error) {
	from, to, err := r.Addresses()
	if err != nil {
		return nil, err
	}

	var h mail.Header
	if !r.Date.IsZero() {
		h.SetDate(r.Date)
	}
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(r.Subject)
	if r.MessageID != "" {
		h.SetMessageID(r.MessageID)
	}
	if r.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{r.InReplyTo})
		h.SetMsgIDList("References", []string{r.InReplyTo})
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, mailerr.New(mailerr.Encoding, "compose reply", err)
	}
	if _, err := io.WriteString(w, r.Body); err != nil {
		return nil, mailerr.New(mailerr.Encoding, "compose reply", err)
	}
	if err := w.Close(); err != nil {
		return nil, mailerr.New(mailerr.Encoding, "compose reply", err)
	}
	return buf.Bytes(), nil
}
