package app

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/mailrelay/ftest"
	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/mailerr"
	"github.com/aaronromeo/mailrelay/internal/relay"
	"github.com/aaronromeo/mailrelay/internal/testutil"
)

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(p), err
}

func testConfig(t *testing.T, imapAddr, smtpAddr string) config.Config {
	t.Helper()
	imapHost, imapPort, err := splitHostPort(imapAddr)
	require.NoError(t, err)
	smtpHost, smtpPort, err := splitHostPort(smtpAddr)
	require.NoError(t, err)

	return config.Config{
		Email: config.Email{
			Username:     ftest.DefaultUser,
			Password:     ftest.DefaultPass,
			SenderEmail:  "alice@example.com",
			IMAPServer:   imapHost,
			IMAPPort:     imapPort,
			SMTPServer:   smtpHost,
			SMTPPort:     smtpPort,
			SMTPSecurity: "tls",
			Mailbox:      "INBOX",
			ReplySubject: "Response",
			BodyMode:     "text",
		},
		Relay: config.Relay{
			Interval:      time.Minute,
			FailurePolicy: config.PolicyStrict,
		},
		Processor: config.Processor{Type: "prefix", Prefix: "Processed: "},
	}
}

func TestBuildAndRunOnce(t *testing.T) {
	imapServer := ftest.SetupIMAPServer(t, []ftest.MailboxMessage{
		{From: "alice@example.com", Subject: "ping", Body: "hello"},
		{From: "bob@example.com", Subject: "nope", Body: "ignored"},
	})
	smtpServer := ftest.SetupSMTPServer(t, ftest.SMTPOptions{TLS: true})

	cfg := testConfig(t, imapServer.Addr, smtpServer.Addr)
	cfg.Ledger = config.Ledger{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")}
	archiveDir := t.TempDir()
	cfg.Archive = config.Archive{Type: "dir", Dir: archiveDir, Prefix: "replies"}

	a, err := Build(context.Background(), cfg,
		WithLogger(testutil.SetupLogger(t)),
		WithTLSConfig(ftest.ClientTLSConfig()),
	)
	require.NoError(t, err)
	defer a.Close()

	result, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relay.CycleResult{Matched: 1, Sent: 1}, result)
	require.Len(t, smtpServer.Deliveries(), 1)

	entries, err := a.Ledger.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sent", entries[0].Status)

	var archived []string
	require.NoError(t, filepath.Walk(archiveDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			archived = append(archived, path)
		}
		return err
	}))
	assert.Len(t, archived, 1)
	assert.Nil(t, a.Status)
}

func TestRunOnceBadCredentials(t *testing.T) {
	imapServer := ftest.SetupIMAPServer(t, nil)
	smtpServer := ftest.SetupSMTPServer(t, ftest.SMTPOptions{TLS: true})

	cfg := testConfig(t, imapServer.Addr, smtpServer.Addr)
	cfg.Email.Password = "wrong"

	a, err := Build(context.Background(), cfg, WithTLSConfig(ftest.ClientTLSConfig()))
	require.NoError(t, err)

	_, err = a.RunOnce(context.Background())
	assert.True(t, mailerr.Is(err, mailerr.Auth), "got %v", err)
	assert.Empty(t, smtpServer.Deliveries())
}

func TestRunWithStatusServerReturnsStartupError(t *testing.T) {
	imapServer := ftest.SetupIMAPServer(t, nil)
	smtpServer := ftest.SetupSMTPServer(t, ftest.SMTPOptions{TLS: true})

	cfg := testConfig(t, imapServer.Addr, smtpServer.Addr)
	cfg.Email.Password = "wrong"
	cfg.Status.Addr = "127.0.0.1:0"

	a, err := Build(context.Background(), cfg,
		WithLogger(testutil.SetupLogger(t)),
		WithTLSConfig(ftest.ClientTLSConfig()),
	)
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, mailerr.Is(err, mailerr.Auth), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after a startup AuthError")
	}
}

func TestBuildTransportSetupError(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:993", "127.0.0.1:465")
	cfg.Email.SMTPServer = ""
	_, err := Build(context.Background(), cfg)
	assert.True(t, mailerr.Is(err, mailerr.TransportSetup), "got %v", err)

	cfg = testConfig(t, "127.0.0.1:993", "127.0.0.1:465")
	cfg.Email.SMTPSecurity = "ssl2"
	_, err = Build(context.Background(), cfg)
	assert.True(t, mailerr.Is(err, mailerr.TransportSetup), "got %v", err)
}

func TestBuildPasswordFromKeyring(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:993", "127.0.0.1:465")
	cfg.Email.Password = ""
	cfg.Email.PasswordKeyring = "mailrelay"

	var gotService, gotAccount string
	a, err := Build(context.Background(), cfg, WithPasswordLookup(func(service, account string) (string, error) {
		gotService, gotAccount = service, account
		return "from-keyring", nil
	}))
	require.NoError(t, err)
	assert.NotNil(t, a.Loop)
	assert.Equal(t, "mailrelay", gotService)
	assert.Equal(t, ftest.DefaultUser, gotAccount)

	_, err = Build(context.Background(), cfg, WithPasswordLookup(func(string, string) (string, error) {
		return "", errors.New("locked")
	}))
	assert.True(t, mailerr.Is(err, mailerr.Config), "got %v", err)
}

func TestBuildStatusServer(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:993", "127.0.0.1:465")
	cfg.Status.Addr = "127.0.0.1:0"

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, a.Status)
}

func TestBuildRejectsBadProcessor(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:993", "127.0.0.1:465")
	cfg.Processor = config.Processor{Type: "template"}
	_, err := Build(context.Background(), cfg)
	assert.True(t, mailerr.Is(err, mailerr.Config), "got %v", err)
}
