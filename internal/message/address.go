package message

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// BareAddress returns the addr-spec of addr, so "Alice <alice@example.com>"
// becomes "alice@example.com". Unparseable input is returned trimmed.
func BareAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return parsed.Address
	}
	return addr
}

// SameAddress reports whether a and b name the same mailbox. Addresses are
// compared case-insensitively on the bare addr-spec. Empty never matches.
func SameAddress(a, b string) bool {
	a, b = BareAddress(a), BareAddress(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
