package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameAddress(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"alice@example.com", "alice@example.com", true},
		{"Alice@Example.COM", "alice@example.com", true},
		{"Alice <alice@example.com>", "alice@example.com", true},
		{" alice@example.com ", "alice@example.com", true},
		{"malice@example.com", "alice@example.com", false},
		{"alice@example.com.evil.net", "alice@example.com", false},
		{"alice@example.com <bob@example.net>", "alice@example.com", false},
		{"", "alice@example.com", false},
		{"", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SameAddress(tc.a, tc.b), "SameAddress(%q, %q)", tc.a, tc.b)
	}
}

func TestBareAddress(t *testing.T) {
	assert.Equal(t, "relay@example.org", BareAddress("Relay Bot <relay@example.org>"))
	assert.Equal(t, "not an address", BareAddress(" not an address "))
}
