// Package ftest runs in-process IMAP and SMTP servers for tests.
package ftest

import (
	"bytes"
	"crypto/tls"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	giimapserver "github.com/emersion/go-imap/v2/imapserver"
	giimapmemserver "github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	DefaultUser = "bot@example.org"
	DefaultPass = "password"
)

// MailboxMessage is appended to INBOX before the server starts. Raw, when
// set, is used verbatim instead of the generated message.
type MailboxMessage struct {
	From      string
	To        string
	Subject   string
	MessageID string
	Body      string
	Raw       string
	Seen      bool
	Time      time.Time
}

// IMAPServer is a running in-memory IMAP server.
type IMAPServer struct {
	Addr string
	User *giimapmemserver.User
	UIDs []uint32

	server *giimapserver.Server
}

// Append adds a message to INBOX of the running server.
func (s *IMAPServer) Append(t *testing.T, msg MailboxMessage) uint32 {
	t.Helper()
	return appendMessage(t, s.User, msg)
}

// Close stops the server.
func (s *IMAPServer) Close() {
	_ = s.server.Close()
}

// SetupIMAPServer starts a TLS IMAP server on 127.0.0.1 with one user
// (DefaultUser/DefaultPass) whose INBOX holds messages. Clients must skip
// certificate verification.
func SetupIMAPServer(t *testing.T, messages []MailboxMessage) *IMAPServer {
	t.Helper()

	tlsConfig := TLSConfig(t)
	mem := giimapmemserver.New()
	user := giimapmemserver.NewUser(DefaultUser, DefaultPass)
	mem.AddUser(user)

	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}

	uids := make([]uint32, 0, len(messages))
	for _, msg := range messages {
		uids = append(uids, appendMessage(t, user, msg))
	}

	server := giimapserver.New(&giimapserver.Options{
		NewSession: func(*giimapserver.Conn) (giimapserver.Session, *giimapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		TLSConfig:    tlsConfig,
		InsecureAuth: true,
	})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	s := &IMAPServer{
		Addr:   ln.Addr().String(),
		User:   user,
		UIDs:   uids,
		server: server,
	}
	t.Cleanup(func() {
		s.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		default:
		}
	})
	return s
}

func appendMessage(t *testing.T, user *giimapmemserver.User, msg MailboxMessage) uint32 {
	t.Helper()

	raw := msg.Raw
	if raw == "" {
		raw = SampleMessage(msg)
	}
	appendTime := msg.Time
	if appendTime.IsZero() {
		appendTime = time.Now()
	}
	options := &imap.AppendOptions{Time: appendTime}
	if msg.Seen {
		options.Flags = []imap.Flag{imap.FlagSeen}
	}

	data, err := user.Append("INBOX", newLiteral(raw), options)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	return uint32(data.UID)
}

// SampleMessage renders msg as a minimal RFC 5322 message.
func SampleMessage(msg MailboxMessage) string {
	to := msg.To
	if to == "" {
		to = DefaultUser
	}
	builder := &strings.Builder{}
	builder.WriteString("From: " + msg.From + "\r\n")
	builder.WriteString("To: " + to + "\r\n")
	if msg.MessageID != "" {
		builder.WriteString("Message-Id: <" + msg.MessageID + ">\r\n")
	}
	builder.WriteString("Subject: " + msg.Subject + "\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(msg.Body)
	builder.WriteString("\r\n")
	return builder.String()
}

type literalReader struct {
	*bytes.Reader
	size int64
}

func newLiteral(raw string) imap.LiteralReader {
	buf := []byte(raw)
	return &literalReader{
		Reader: bytes.NewReader(buf),
		size:   int64(len(buf)),
	}
}

func (lr *literalReader) Size() int64 {
	return lr.size
}
