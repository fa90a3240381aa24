// Package app assembles a relay Loop and its optional components from a
// validated Config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aaronromeo/mailrelay/internal/archive"
	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/credential"
	"github.com/aaronromeo/mailrelay/internal/imapclient"
	"github.com/aaronromeo/mailrelay/internal/ledger"
	"github.com/aaronromeo/mailrelay/internal/mailerr"
	"github.com/aaronromeo/mailrelay/internal/message"
	"github.com/aaronromeo/mailrelay/internal/processor"
	"github.com/aaronromeo/mailrelay/internal/relay"
	"github.com/aaronromeo/mailrelay/internal/smtpsender"
	"github.com/aaronromeo/mailrelay/internal/statusserver"
)

const instrumentationName = "github.com/aaronromeo/mailrelay"

type Option func(*options)

type options struct {
	log       *slog.Logger
	tlsConfig *tls.Config
	password  func(service, account string) (string, error)
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithTLSConfig overrides the IMAP and SMTP client TLS settings.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithPasswordLookup replaces the OS keyring lookup.
func WithPasswordLookup(fn func(service, account string) (string, error)) Option {
	return func(o *options) {
		o.password = fn
	}
}

// App is a ready-to-run relay. Close releases the ledger.
type App struct {
	Config config.Config
	Loop   *relay.Loop
	Ledger *ledger.Store
	Status *statusserver.Server
	Log    *slog.Logger
}

// Build wires every component without touching IMAP or SMTP.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{password: credential.Get}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	password, err := resolvePassword(cfg.Email, o.password)
	if err != nil {
		return nil, err
	}

	mode, err := message.ParseMode(cfg.Email.BodyMode)
	if err != nil {
		return nil, mailerr.New(mailerr.Config, "build", err)
	}
	proc, err := processor.FromConfig(cfg.Processor)
	if err != nil {
		return nil, mailerr.New(mailerr.Config, "build processor", err)
	}

	inbox := imapclient.New(
		imapclient.WithAddr(cfg.Email.IMAPAddr()),
		imapclient.WithCreds(cfg.Email.Username, password),
		imapclient.WithTLSConfig(clientTLS(o.tlsConfig, cfg.Email.IMAPServer, cfg.Email.InsecureSkipVerify)),
		imapclient.WithLogger(o.log),
	)

	security, err := smtpsender.ParseSecurity(cfg.Email.SMTPSecurity)
	if err != nil {
		return nil, mailerr.New(mailerr.TransportSetup, "smtp setup", err)
	}
	sender, err := smtpsender.New(
		smtpsender.WithServer(cfg.Email.SMTPServer, cfg.Email.SMTPPort),
		smtpsender.WithCreds(cfg.Email.Username, password),
		smtpsender.WithSecurity(security),
		smtpsender.WithTLSConfig(clientTLS(o.tlsConfig, cfg.Email.SMTPServer, cfg.Email.InsecureSkipVerify)),
		smtpsender.WithLogger(o.log),
	)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: o.log}
	deps := relay.Deps{
		Inbox:     inbox,
		Sender:    sender,
		Processor: proc,
		Log:       o.log,
		Meter:     otel.Meter(instrumentationName),
		Tracer:    otel.Tracer(instrumentationName),
	}

	if cfg.Ledger.Driver != "" {
		store, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return nil, mailerr.New(mailerr.Config, "open ledger", err)
		}
		a.Ledger = store
		deps.Recorder = store
	}

	archiver, err := archive.FromConfig(cfg.Archive)
	if err != nil {
		_ = a.Close()
		return nil, mailerr.New(mailerr.Config, "build archive", err)
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	loop, err := relay.New(deps, relay.Settings{
		Mailbox:        cfg.Email.Mailbox,
		Sender:         cfg.Email.SenderEmail,
		From:           cfg.Email.From(),
		Subject:        cfg.Email.ReplySubject,
		BodyMode:       mode,
		MarkSeen:       cfg.Email.MarkSeen,
		Interval:       cfg.Relay.Interval,
		Policy:         cfg.Relay.FailurePolicy,
		MaxRetries:     cfg.Relay.MaxRetries,
		RetryInitial:   cfg.Relay.RetryInitial,
		RetryMax:       cfg.Relay.RetryMax,
		ProcessTimeout: cfg.Relay.ProcessTimeout,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Loop = loop

	if cfg.Status.Addr != "" {
		var history statusserver.History
		if a.Ledger != nil {
			history = a.Ledger
		}
		a.Status = statusserver.New(loop, history, o.log)
	}
	return a, nil
}

// Run serves the status endpoint, when configured, alongside the loop.
func (a *App) Run(ctx context.Context) error {
	if a.Status == nil {
		return a.Loop.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	statusErr := make(chan error, 1)
	go func() {
		statusErr <- a.Status.Serve(ctx, a.Config.Status.Addr)
	}()

	runErr := a.Loop.Run(ctx)
	cancel()
	if err := <-statusErr; err != nil {
		a.Log.Warn("status server stopped with error", "error", err)
	}
	return runErr
}

// RunOnce connects, runs one poll cycle and logs out.
func (a *App) RunOnce(ctx context.Context) (relay.CycleResult, error) {
	if err := a.Loop.Connect(ctx); err != nil {
		return relay.CycleResult{}, err
	}
	defer a.Loop.Close()
	return a.Loop.RunCycle(ctx)
}

func (a *App) Close() error {
	if a.Ledger == nil {
		return nil
	}
	return a.Ledger.Close()
}

func resolvePassword(cfg config.Email, lookup func(service, account string) (string, error)) (string, error) {
	if cfg.Password != "" || cfg.PasswordKeyring == "" {
		return cfg.Password, nil
	}
	password, err := lookup(cfg.PasswordKeyring, cfg.Username)
	if err != nil {
		return "", mailerr.New(mailerr.Config, "keyring", err)
	}
	if password == "" {
		return "", mailerr.New(mailerr.Config, "keyring", errors.New("keyring entry is empty"))
	}
	return password, nil
}

func clientTLS(override *tls.Config, serverName string, insecure bool) *tls.Config {
	if override != nil {
		return override
	}
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec
	}
}

// ShutdownTimeout bounds telemetry flushing on exit.
const ShutdownTimeout = 5 * time.Second
