package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	previous := open
	open = func(string) (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { open = previous })
}

func TestSetThenGet(t *testing.T) {
	useArrayKeyring(t)

	require.NoError(t, Set("mailrelay", "bot@example.org", "hunter2"))

	secret, err := Get("mailrelay", "bot@example.org")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestGetMissing(t *testing.T) {
	useArrayKeyring(t)

	_, err := Get("mailrelay", "nobody@example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}
