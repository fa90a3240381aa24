// Package smtpsender submits replies to an SMTP relay. It dials per send
// and holds no connection between sends.
package smtpsender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
	"github.com/aaronromeo/mailrelay/internal/message"
)

// Security is how the connection to the relay is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const defaultDialTimeout = 30 * time.Second

// ParseSecurity validates a configured security mode. Empty means TLS.
func ParseSecurity(value string) (Security, error) {
	switch Security(strings.ToLower(strings.TrimSpace(value))) {
	case "", SecurityTLS:
		return SecurityTLS, nil
	case SecurityStartTLS:
		return SecurityStartTLS, nil
	case SecurityNone:
		return SecurityNone, nil
	}
	return "", fmt.Errorf("unknown SMTP security mode %q", value)
}

type Option func(*Sender)

// Sender is a relay transport. It is safe to reuse across sends but not
// for concurrent sends.
type Sender struct {
	Host        string
	Port        uint16
	Username    string
	Password    string
	Security    Security
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	Log         *slog.Logger

	now func() time.Time
}

func WithServer(host string, port uint16) Option {
	return func(s *Sender) {
		s.Host = strings.TrimSpace(host)
		s.Port = port
	}
}

func WithCreds(username string, password string) Option {
	return func(s *Sender) {
		s.Username = username
		s.Password = password
	}
}

func WithSecurity(security Security) Option {
	return func(s *Sender) {
		s.Security = security
	}
}

func WithTLSConfig(config *tls.Config) Option {
	return func(s *Sender) {
		s.TLSConfig = config
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(s *Sender) {
		s.DialTimeout = timeout
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Sender) {
		s.Log = log
	}
}

// New builds the transport without touching the network. Missing host,
// port or an unknown security mode is a TransportSetupError.
func New(opts ...Option) (*Sender, error) {
	s := &Sender{
		Security:    SecurityTLS,
		DialTimeout: defaultDialTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Log == nil {
		s.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if s.Host == "" {
		return nil, mailerr.Errorf(mailerr.TransportSetup, "smtp setup", "SMTP host is required")
	}
	if s.Port == 0 {
		return nil, mailerr.Errorf(mailerr.TransportSetup, "smtp setup", "SMTP port is required")
	}
	if _, err := ParseSecurity(string(s.Security)); err != nil {
		return nil, mailerr.New(mailerr.TransportSetup, "smtp setup", err)
	}
	return s, nil
}

// Addr is host:port of the relay.
func (s *Sender) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Send composes reply and submits it. Address problems are reported
// before any connection is made.
func (s *Sender) Send(ctx context.Context, reply message.Reply) error {
	reply = reply.WithDefaults(s.now())
	from, to, err := reply.Addresses()
	if err != nil {
		return err
	}
	data, err := reply.Bytes()
	if err != nil {
		return err
	}

	client, err := s.dial(ctx)
	if err != nil {
		return mailerr.New(mailerr.Submission, "dial", fmt.Errorf("connecting to SMTP %s: %w", s.Addr(), err))
	}
	defer client.Close()

	if s.Username != "" {
		auth := sasl.NewPlainClient("", s.Username, s.Password)
		if err := client.Auth(auth); err != nil {
			return mailerr.New(mailerr.Submission, "auth", fmt.Errorf("authentication failed for %s: %w", s.Username, err))
		}
	}

	// SendMail ends the session with QUIT.
	if err := client.SendMail(from.Address, []string{to.Address}, bytes.NewReader(data)); err != nil {
		return mailerr.New(mailerr.Submission, "send", err)
	}

	s.Log.Info("reply sent",
		"to", to.Address,
		"subject", reply.Subject,
		"message_id", reply.MessageID,
	)
	return nil
}

func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if s.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.Addr())
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if s.Security == SecurityStartTLS {
		if err := client.StartTLS(s.tlsConfig()); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return client, nil
}

func (s *Sender) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		cfg := s.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = s.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
}
