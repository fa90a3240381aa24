package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/mailrelay/ftest"
	"github.com/aaronromeo/mailrelay/internal/mailerr"
)

func writeConfig(t *testing.T, imapAddr, smtpAddr string) string {
	t.Helper()
	imapHost, imapPort, err := net.SplitHostPort(imapAddr)
	require.NoError(t, err)
	smtpHost, smtpPort, err := net.SplitHostPort(smtpAddr)
	require.NoError(t, err)

	body := fmt.Sprintf(`
[email]
username = %q
password = %q
sender_email = "alice@example.com"
imap_server = %q
imap_port = %s
smtp_server = %q
smtp_port = %s
insecure_skip_verify = true
mark_seen = true
`, ftest.DefaultUser, ftest.DefaultPass, imapHost, imapPort, smtpHost, smtpPort)

	path := filepath.Join(t.TempDir(), "secrets.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestHandleRunsOneCycle(t *testing.T) {
	imapServer := ftest.SetupIMAPServer(t, []ftest.MailboxMessage{
		{From: "alice@example.com", Subject: "ping", Body: "hello"},
	})
	smtpServer := ftest.SetupSMTPServer(t, ftest.SMTPOptions{TLS: true})
	path := writeConfig(t, imapServer.Addr, smtpServer.Addr)

	resp, err := handle(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Response{Matched: 1, Sent: 1}, resp)

	resp, err = handle(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Response{}, resp, "marked seen on the first invocation")
	assert.Len(t, smtpServer.Deliveries(), 1)
}

func TestHandleMissingConfig(t *testing.T) {
	_, err := handle(context.Background(), filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, mailerr.Is(err, mailerr.Config), "got %v", err)
}
