package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	// Register charset decoders (iso-8859-*, windows-125x, ...).
	_ "github.com/emersion/go-message/charset"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
)

// Mode selects how a fetched message is turned into processor input.
type Mode string

const (
	// ModeText extracts the first text part, decoding transfer encoding
	// and charset. HTML-only messages are converted to markdown.
	ModeText Mode = "text"
	// ModeRaw hands the full RFC 5322 bytes, headers included, to the
	// processor.
	ModeRaw Mode = "raw"
)

// ErrEmptyBody is returned when a message has no usable text.
var ErrEmptyBody = errors.New("message has no text body")

// ParseMode validates a configured body mode. Empty means ModeText.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeText:
		return ModeText, nil
	case ModeRaw:
		return ModeRaw, nil
	}
	return "", fmt.Errorf("unknown body mode %q", value)
}

// DecodeText returns the processor input for raw. Every failure is an
// EncodingError, which the relay treats as "skip this message".
func DecodeText(raw []byte, mode Mode) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", mailerr.New(mailerr.Encoding, "decode body", ErrEmptyBody)
	}
	if mode == ModeRaw {
		return validText(raw)
	}

	text, err := extractText(raw)
	if err != nil {
		return "", mailerr.New(mailerr.Encoding, "decode body", err)
	}
	return validText([]byte(text))
}

func validText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", mailerr.Errorf(mailerr.Encoding, "decode body", "body is not valid UTF-8")
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", mailerr.New(mailerr.Encoding, "decode body", ErrEmptyBody)
	}
	return text, nil
}

func extractText(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		// Not a parseable message; treat the whole thing as plain text.
		return string(raw), nil
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return "", fmt.Errorf("read part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := inline.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}

		switch mediaType {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return "", fmt.Errorf("read text part: %w", err)
			}
			return string(body), nil
		case "text/html":
			if htmlBody != "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return "", fmt.Errorf("read html part: %w", err)
			}
			htmlBody = string(body)
		}
	}

	if htmlBody == "" {
		return "", ErrEmptyBody
	}
	md, err := htmltomarkdown.ConvertString(htmlBody)
	if err != nil {
		return "", fmt.Errorf("convert html part: %w", err)
	}
	return md, nil
}
