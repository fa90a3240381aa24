package imapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/aaronromeo/mailrelay/internal/mailerr"
	"github.com/aaronromeo/mailrelay/internal/message"
)

var errNotConnected = errors.New("IMAP client is not connected")

type Option func(*Client)

// Client is the relay's inbox session. It is not safe for concurrent use.
type Client struct {
	Addr      string
	Username  string
	Password  string
	TLSConfig *tls.Config
	Log       *slog.Logger

	client *imapclient.Client
}

func WithAddr(addr string) Option {
	return func(c *Client) {
		c.Addr = addr
	}
}

func WithCreds(username string, password string) Option {
	return func(c *Client) {
		c.Username = username
		c.Password = password
	}
}

func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) {
		c.TLSConfig = config
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.Log = log
	}
}

func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Connect dials the server over TLS and logs in. A dial failure is a
// ConnectError and a rejected LOGIN is an AuthError.
func (c *Client) Connect(ctx context.Context) error {
	if err := validate(c); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mailerr.New(mailerr.Connect, "dial", err)
	}

	var options *imapclient.Options
	if c.TLSConfig != nil {
		options = &imapclient.Options{TLSConfig: c.TLSConfig}
	}

	client, err := imapclient.DialTLS(c.Addr, options)
	if err != nil {
		return mailerr.New(mailerr.Connect, "dial", fmt.Errorf("connecting to IMAP %s: %w", c.Addr, err))
	}

	if err := client.Login(c.Username, c.Password).Wait(); err != nil {
		_ = client.Close()
		return mailerr.New(mailerr.Auth, "login", fmt.Errorf("authentication failed for %s: %w", c.Username, err))
	}

	c.client = client
	c.Log.Debug("imap connected", "addr", c.Addr, "user", c.Username)
	return nil
}

// Close logs out and clears the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	_ = c.client.Close()
	c.client = nil
	return err
}

// Select opens mailbox for the searches and fetches that follow.
func (c *Client) Select(ctx context.Context, mailbox string) error {
	if c.client == nil {
		return mailerr.New(mailerr.Connect, "select", errNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := c.client.Select(mailbox, nil).Wait()
	if err != nil {
		return classify("select", fmt.Errorf("selecting %s: %w", mailbox, err))
	}
	c.Log.Debug("mailbox selected", "mailbox", mailbox, "messages", data.NumMessages)
	return nil
}

// SearchUnseenFrom returns the UIDs of unseen messages sent by sender.
// HEADER From is a substring search, so each hit's envelope From is
// checked for an exact address match. Order is whatever the server returns.
func (c *Client) SearchUnseenFrom(ctx context.Context, sender string) ([]uint32, error) {
	if c.client == nil {
		return nil, mailerr.New(mailerr.Connect, "search", errNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria, err := buildSearchCriteria(sender)
	if err != nil {
		return nil, mailerr.New(mailerr.Config, "search", err)
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("search", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return []uint32{}, nil
	}
	return c.exactSender(ctx, uids, sender)
}

func (c *Client) exactSender(ctx context.Context, uids []imap.UID, sender string) ([]uint32, error) {
	fetchCmd := c.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{UID: true, Envelope: true})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, classify("search", fmt.Errorf("fetching envelopes: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := make([]uint32, 0, len(buffers))
	for _, buf := range buffers {
		from := envelopeFrom(buf.Envelope)
		if !message.SameAddress(from, sender) {
			c.Log.Debug("ignoring look-alike sender", "uid", uint32(buf.UID), "from", from)
			continue
		}
		matches = append(matches, uint32(buf.UID))
	}
	return matches, nil
}

func envelopeFrom(envelope *imap.Envelope) string {
	if envelope == nil || len(envelope.From) == 0 {
		return ""
	}
	return envelope.From[0].Addr()
}

// FetchMessage fetches the full message for uid without setting \Seen.
func (c *Client) FetchMessage(ctx context.Context, uid uint32) (*message.Inbound, error) {
	if c.client == nil {
		return nil, mailerr.New(mailerr.Connect, "fetch", errNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOptions)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, classify("fetch", err)
		}
		return nil, mailerr.Errorf(mailerr.Protocol, "fetch", "message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, classify("fetch", fmt.Errorf("collecting message UID %d: %w", uid, err))
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, classify("fetch", err)
	}

	inbound := &message.Inbound{
		UID: uid,
		Raw: buf.FindBodySection(bodySection),
	}
	if buf.Envelope != nil {
		inbound.MessageID = buf.Envelope.MessageID
		inbound.Subject = buf.Envelope.Subject
		inbound.From = envelopeFrom(buf.Envelope)
	}
	return inbound, nil
}

// MarkSeen adds \Seen to the given UIDs.
func (c *Client) MarkSeen(ctx context.Context, uids []uint32) error {
	if c.client == nil {
		return mailerr.New(mailerr.Connect, "store", errNotConnected)
	}
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	store := imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := c.client.Store(uidSet, &store, nil).Close(); err != nil {
		return classify("store", err)
	}
	return nil
}

func buildSearchCriteria(sender string) (*imap.SearchCriteria, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return nil, errors.New("sender address is required")
	}
	return &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Header: []imap.SearchCriteriaHeaderField{{
			Key:   "From",
			Value: sender,
		}},
	}, nil
}

// classify maps a failed command to ConnectError when the connection is
// gone and ProtocolError when the server answered with an error.
func classify(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return mailerr.New(mailerr.Protocol, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return mailerr.New(mailerr.Connect, op, err)
	}
	return mailerr.New(mailerr.Protocol, op, err)
}

func validate(c *Client) error {
	if strings.TrimSpace(c.Addr) == "" {
		return mailerr.Errorf(mailerr.Config, "connect", "IMAP address is required")
	}
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return mailerr.Errorf(mailerr.Config, "connect", "IMAP credentials are required")
	}
	return nil
}
