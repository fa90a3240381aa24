package ftest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// SMTPOptions configures SetupSMTPServer.
type SMTPOptions struct {
	// TLS serves implicit TLS. StartTLS advertises STARTTLS on a plain
	// listener. Neither means plaintext.
	TLS      bool
	StartTLS bool
	Username string
	Password string
	// RejectRcpt makes RCPT TO fail for any recipient containing it.
	RejectRcpt string
}

// Delivery is one message accepted by the SMTP server.
type Delivery struct {
	From string
	To   []string
	Data []byte
}

// SMTPServer is a running in-process SMTP server that records deliveries.
type SMTPServer struct {
	Addr string

	backend *recordingBackend
	server  *smtp.Server
}

// Deliveries returns a copy of everything accepted so far.
func (s *SMTPServer) Deliveries() []Delivery {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	out := make([]Delivery, len(s.backend.deliveries))
	copy(out, s.backend.deliveries)
	return out
}

// Host and Port split Addr for config.
func (s *SMTPServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *SMTPServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Addr)
	return port
}

// SetupSMTPServer starts an SMTP server on 127.0.0.1. Credentials default
// to DefaultUser/DefaultPass.
func SetupSMTPServer(t *testing.T, opts SMTPOptions) *SMTPServer {
	t.Helper()

	if opts.Username == "" {
		opts.Username = DefaultUser
	}
	if opts.Password == "" {
		opts.Password = DefaultPass
	}

	be := &recordingBackend{opts: opts}
	server := smtp.NewServer(be)
	server.Domain = "localhost"
	server.ReadTimeout = 10 * time.Second
	server.WriteTimeout = 10 * time.Second
	server.MaxMessageBytes = 1024 * 1024
	server.MaxRecipients = 50
	server.AllowInsecureAuth = true

	var (
		ln  net.Listener
		err error
	)
	switch {
	case opts.TLS:
		ln, err = tls.Listen("tcp", "127.0.0.1:0", TLSConfig(t))
	case opts.StartTLS:
		server.TLSConfig = TLSConfig(t)
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	default:
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &SMTPServer{
		Addr:    ln.Addr().String(),
		backend: be,
		server:  server,
	}
}

type recordingBackend struct {
	opts SMTPOptions

	mu         sync.Mutex
	deliveries []Delivery
}

func (b *recordingBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

type recordingSession struct {
	backend *recordingBackend
	authed  bool
	from    string
	to      []string
}

func (s *recordingSession) AuthPlain(username, password string) error {
	if username != s.backend.opts.Username || password != s.backend.opts.Password {
		return smtp.ErrAuthFailed
	}
	s.authed = true
	return nil
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if reject := s.backend.opts.RejectRcpt; reject != "" && strings.Contains(to, reject) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	if s.from == "" {
		return errors.New("no sender")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.deliveries = append(s.backend.deliveries, Delivery{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})
	return nil
}

func (s *recordingSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *recordingSession) Logout() error {
	return nil
}
