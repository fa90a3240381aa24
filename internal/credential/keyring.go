package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

// open is swapped in tests for an in-memory keyring.
var open = openKeyring

// openKeyring returns a configured keyring instance for service.
func openKeyring(service string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailrelay/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailrelay-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves the secret stored for account under service.
func Get(service, account string) (string, error) {
	ring, err := open(service)
	if err != nil {
		return "", err
	}

	item, err := ring.Get(account)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}

	return string(item.Data), nil
}

// Set stores secret for account under service.
func Set(service, account, secret string) error {
	ring, err := open(service)
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   account,
		Data:  []byte(secret),
		Label: "mailrelay " + account,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}

	return nil
}
