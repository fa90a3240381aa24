package relay

import (
	"context"
	"time"

	"github.com/aaronromeo/mailrelay/internal/message"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/aaronromeo/mailrelay/internal/relay Inbox,Sender,Recorder,Archiver

// Inbox is the mail-retrieval side of a session.
type Inbox interface {
	Connect(ctx context.Context) error
	Close() error
	Select(ctx context.Context, mailbox string) error
	SearchUnseenFrom(ctx context.Context, sender string) ([]uint32, error)
	FetchMessage(ctx context.Context, uid uint32) (*message.Inbound, error)
	MarkSeen(ctx context.Context, uids []uint32) error
}

// Sender is the mail-submission side of a session.
type Sender interface {
	Send(ctx context.Context, reply message.Reply) error
}

// Recorder persists reply attempts.
type Recorder interface {
	Record(ctx context.Context, attempt Attempt) error
}

// Archiver keeps a copy of every sent reply.
type Archiver interface {
	Archive(ctx context.Context, reply message.Reply) error
}

type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Attempt is the outcome of handling one matched message.
type Attempt struct {
	UID             uint32
	SourceMessageID string
	To              string
	Subject         string
	ReplyMessageID  string
	Status          Status
	Error           string
	At              time.Time
}
