// Package relay runs the poll, process and reply cycle between an IMAP
// inbox and an SMTP relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
	"github.com/aaronromeo/mailrelay/internal/message"
	"github.com/aaronromeo/mailrelay/internal/processor"
)

const (
	PolicyStrict    = "strict"
	PolicyResilient = "resilient"

	DefaultInterval = 60 * time.Second
	DefaultSubject  = "Response"
	DefaultMailbox  = "INBOX"
)

// Settings are the loop's behavioral knobs, usually taken from config.
type Settings struct {
	Mailbox        string
	Sender         string
	From           string
	Subject        string
	BodyMode       message.Mode
	MarkSeen       bool
	Interval       time.Duration
	Policy         string
	MaxRetries     int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	ProcessTimeout time.Duration
}

// Deps are the loop's collaborators. Recorder and Archiver are optional.
type Deps struct {
	Inbox     Inbox
	Sender    Sender
	Processor processor.Processor
	Recorder  Recorder
	Archiver  Archiver
	Log       *slog.Logger
	Meter     metric.Meter
	Tracer    trace.Tracer

	// After and Now default to time.After and time.Now.
	After func(time.Duration) <-chan time.Time
	Now   func() time.Time
}

// CycleResult counts what one poll cycle did.
type CycleResult struct {
	Matched int
	Sent    int
	Skipped int
	Failed  int
}

// Stats is a snapshot of the loop's lifetime counters.
type Stats struct {
	Cycles      int       `json:"cycles"`
	Matched     int       `json:"matched"`
	Sent        int       `json:"sent"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Reconnects  int       `json:"reconnects"`
	Connected   bool      `json:"connected"`
	LastCycle   time.Time `json:"last_cycle,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Loop owns one inbox session and one sender. Run and RunCycle must not be
// called concurrently; Stats may be.
type Loop struct {
	deps     Deps
	settings Settings
	metrics  *metrics
	log      *slog.Logger

	connected bool

	mu    sync.Mutex
	stats Stats
}

// New checks the dependencies and fills defaults. It does no I/O.
func New(deps Deps, settings Settings) (*Loop, error) {
	if deps.Inbox == nil || deps.Sender == nil || deps.Processor == nil {
		return nil, mailerr.Errorf(mailerr.Config, "relay setup", "inbox, sender and processor are required")
	}
	if strings.TrimSpace(settings.Sender) == "" {
		return nil, mailerr.Errorf(mailerr.Config, "relay setup", "sender address is required")
	}
	if strings.TrimSpace(settings.From) == "" {
		return nil, mailerr.Errorf(mailerr.Config, "relay setup", "from address is required")
	}

	switch settings.Policy {
	case "":
		settings.Policy = PolicyStrict
	case PolicyStrict, PolicyResilient:
	default:
		return nil, mailerr.Errorf(mailerr.Config, "relay setup", "unknown failure policy %q", settings.Policy)
	}
	if settings.Mailbox == "" {
		settings.Mailbox = DefaultMailbox
	}
	if settings.Subject == "" {
		settings.Subject = DefaultSubject
	}
	if settings.BodyMode == "" {
		settings.BodyMode = message.ModeText
	}
	if settings.Interval <= 0 {
		settings.Interval = DefaultInterval
	}
	if settings.RetryInitial <= 0 {
		settings.RetryInitial = time.Second
	}
	if settings.RetryMax <= 0 {
		settings.RetryMax = time.Minute
	}

	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}
	if deps.After == nil {
		deps.After = time.After
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating relay metrics: %w", err)
	}

	return &Loop{
		deps:     deps,
		settings: settings,
		metrics:  m,
		log:      deps.Log.With("mailbox", settings.Mailbox, "sender", settings.Sender),
	}, nil
}

// Connect opens the inbox session. Run calls it when needed.
func (l *Loop) Connect(ctx context.Context) error {
	if l.connected {
		return nil
	}
	if err := l.deps.Inbox.Connect(ctx); err != nil {
		return err
	}
	l.setConnected(true)
	l.log.Info("inbox connected")
	return nil
}

// Close logs out of the inbox session, best effort.
func (l *Loop) Close() {
	if !l.connected {
		return
	}
	if err := l.deps.Inbox.Close(); err != nil {
		l.log.Warn("inbox logout failed", "error", err)
	}
	l.setConnected(false)
}

// Run connects and repeats poll cycles every Interval until ctx is
// cancelled, which returns nil, or a fatal error occurs.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Connect(ctx); err != nil {
		return err
	}
	defer l.Close()

	l.log.Info("relay loop started",
		"interval", l.settings.Interval.String(),
		"policy", l.settings.Policy,
	)

	for {
		if ctx.Err() != nil {
			l.log.Info("relay loop stopped")
			return nil
		}

		result, err := l.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("relay loop stopped")
				return nil
			}
			if mailerr.IsFatal(err) {
				l.log.Error("relay loop stopped on fatal error", "kind", mailerr.KindOf(err).String(), "error", err)
				return err
			}
			if l.settings.Policy == PolicyStrict || !mailerr.IsTransient(err) {
				l.log.Error("relay loop failed", "error", err)
				return err
			}
			l.log.Warn("poll cycle failed, reconnecting", "error", err)
			if err := l.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.log.Error("reconnect failed", "error", err)
				return err
			}
			continue
		}

		l.log.Debug("poll cycle finished",
			"matched", result.Matched,
			"sent", result.Sent,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)

		select {
		case <-ctx.Done():
			l.log.Info("relay loop stopped")
			return nil
		case <-l.deps.After(l.settings.Interval):
		}
	}
}

// RunCycle runs a single poll cycle on an open session.
func (l *Loop) RunCycle(ctx context.Context) (result CycleResult, err error) {
	ctx, span := l.deps.Tracer.Start(ctx, "relay.cycle")
	start := l.deps.Now()
	defer func() {
		l.metrics.cycles.Add(ctx, 1)
		l.metrics.duration.Record(ctx, l.deps.Now().Sub(start).Seconds())
		span.SetAttributes(
			attribute.Int("mailrelay.matched", result.Matched),
			attribute.Int("mailrelay.sent", result.Sent),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.finishCycle(result, err)
	}()

	if err := l.deps.Inbox.Select(ctx, l.settings.Mailbox); err != nil {
		return result, err
	}
	uids, err := l.deps.Inbox.SearchUnseenFrom(ctx, l.settings.Sender)
	if err != nil {
		return result, err
	}
	result.Matched = len(uids)
	defer func() { l.metrics.matched.Add(ctx, int64(result.Matched)) }()
	if len(uids) == 0 {
		return result, nil
	}
	l.log.Info("matched unseen messages", "count", len(uids))

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		status, err := l.handle(ctx, uid)
		switch status {
		case statusForeign:
			result.Matched--
		case StatusSent:
			result.Sent++
		case StatusSkipped:
			result.Skipped++
		case StatusFailed:
			result.Failed++
		}
		if err == nil {
			continue
		}
		if l.settings.Policy == PolicyStrict || !isMessageError(err) {
			return result, err
		}
		l.log.Warn("reply failed, continuing", "uid", uid, "error", err)
	}
	return result, nil
}

// isMessageError reports whether err only concerns the message at hand.
func isMessageError(err error) bool {
	switch mailerr.KindOf(err) {
	case mailerr.Process, mailerr.Address, mailerr.Submission, mailerr.Encoding:
		return true
	}
	return false
}

// statusForeign marks a fetched message whose envelope From is not the
// watched sender. It is neither answered nor recorded.
const statusForeign Status = "foreign"

// handle fetches, processes and answers one message. A non-empty status
// is returned whenever the message got as far as an attempt or a skip.
func (l *Loop) handle(ctx context.Context, uid uint32) (Status, error) {
	ctx, span := l.deps.Tracer.Start(ctx, "relay.message", trace.WithAttributes(attribute.Int64("imap.uid", int64(uid))))
	defer span.End()
	log := l.log.With("uid", uid)

	msg, err := l.deps.Inbox.FetchMessage(ctx, uid)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if !message.SameAddress(msg.From, l.settings.Sender) {
		log.Warn("message is not from the watched sender, ignoring", "from", msg.From)
		return statusForeign, nil
	}
	if len(msg.Raw) == 0 {
		log.Warn("message has no body, skipping")
		return l.skip(ctx, msg, "empty body"), nil
	}

	text, err := message.DecodeText(msg.Raw, l.settings.BodyMode)
	if err != nil {
		log.Warn("message body is not decodable text, skipping", "error", err)
		return l.skip(ctx, msg, err.Error()), nil
	}

	body, err := l.process(ctx, text)
	if err != nil {
		span.RecordError(err)
		return l.fail(ctx, msg, message.Reply{}, err), err
	}

	reply := message.Reply{
		From:      l.settings.From,
		To:        msg.From,
		Subject:   l.settings.Subject,
		Body:      body,
		InReplyTo: msg.MessageID,
	}.WithDefaults(l.deps.Now())

	if err := l.deps.Sender.Send(ctx, reply); err != nil {
		span.RecordError(err)
		return l.fail(ctx, msg, reply, err), err
	}

	if l.settings.MarkSeen {
		if err := l.deps.Inbox.MarkSeen(ctx, []uint32{uid}); err != nil {
			// The reply is out; count it before surfacing the store failure.
			l.sent(ctx, msg, reply)
			return StatusSent, err
		}
	}
	l.sent(ctx, msg, reply)
	log.Info("replied", "to", reply.To, "message_id", reply.MessageID)
	return StatusSent, nil
}

func (l *Loop) process(ctx context.Context, text string) (string, error) {
	if l.settings.ProcessTimeout <= 0 {
		out, err := l.deps.Processor.Process(ctx, text)
		if err != nil {
			return "", mailerr.New(mailerr.Process, "process", err)
		}
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.settings.ProcessTimeout)
	defer cancel()

	type outcome struct {
		body string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		body, err := l.deps.Processor.Process(ctx, text)
		done <- outcome{body: body, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", mailerr.New(mailerr.Process, "process", o.err)
		}
		return o.body, nil
	case <-ctx.Done():
		return "", mailerr.New(mailerr.Process, "process", fmt.Errorf("processor did not finish within %s: %w", l.settings.ProcessTimeout, ctx.Err()))
	}
}

func (l *Loop) skip(ctx context.Context, msg *message.Inbound, reason string) Status {
	l.metrics.attempt(ctx, StatusSkipped)
	l.record(ctx, Attempt{
		UID:             msg.UID,
		SourceMessageID: msg.MessageID,
		Status:          StatusSkipped,
		Error:           reason,
		At:              l.deps.Now(),
	})
	return StatusSkipped
}

func (l *Loop) fail(ctx context.Context, msg *message.Inbound, reply message.Reply, err error) Status {
	l.metrics.attempt(ctx, StatusFailed)
	l.record(ctx, Attempt{
		UID:             msg.UID,
		SourceMessageID: msg.MessageID,
		To:              reply.To,
		Subject:         reply.Subject,
		ReplyMessageID:  reply.MessageID,
		Status:          StatusFailed,
		Error:           err.Error(),
		At:              l.deps.Now(),
	})
	return StatusFailed
}

func (l *Loop) sent(ctx context.Context, msg *message.Inbound, reply message.Reply) {
	l.metrics.attempt(ctx, StatusSent)
	l.record(ctx, Attempt{
		UID:             msg.UID,
		SourceMessageID: msg.MessageID,
		To:              reply.To,
		Subject:         reply.Subject,
		ReplyMessageID:  reply.MessageID,
		Status:          StatusSent,
		At:              l.deps.Now(),
	})
	if l.deps.Archiver != nil {
		if err := l.deps.Archiver.Archive(ctx, reply); err != nil {
			l.log.Warn("archiving reply failed", "message_id", reply.MessageID, "error", err)
		}
	}
}

// record never fails the cycle; the ledger is an audit trail.
func (l *Loop) record(ctx context.Context, attempt Attempt) {
	if l.deps.Recorder == nil {
		return
	}
	if err := l.deps.Recorder.Record(ctx, attempt); err != nil {
		l.log.Warn("recording reply attempt failed", "uid", attempt.UID, "error", err)
	}
}

// reconnect drops the session and dials again with exponential backoff.
// Auth and config failures stop the retries immediately.
func (l *Loop) reconnect(ctx context.Context) error {
	l.Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.settings.RetryInitial
	policy.MaxInterval = l.settings.RetryMax
	policy.MaxElapsedTime = 0

	operation := func() error {
		l.metrics.retries.Add(ctx, 1)
		l.mu.Lock()
		l.stats.Reconnects++
		l.mu.Unlock()

		err := l.Connect(ctx)
		if err != nil && (mailerr.IsFatal(err) || !mailerr.IsTransient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn("reconnect attempt failed", "error", err, "retry_in", wait.String())
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.settings.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (l *Loop) setConnected(v bool) {
	l.connected = v
	l.mu.Lock()
	l.stats.Connected = v
	l.mu.Unlock()
}

func (l *Loop) finishCycle(result CycleResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Cycles++
	l.stats.Matched += result.Matched
	l.stats.Sent += result.Sent
	l.stats.Skipped += result.Skipped
	l.stats.Failed += result.Failed
	l.stats.LastCycle = l.deps.Now()
	if err != nil && !errors.Is(err, context.Canceled) {
		l.stats.LastError = err.Error()
		l.stats.LastErrorAt = l.stats.LastCycle
	}
}

// Stats returns a snapshot of the lifetime counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
