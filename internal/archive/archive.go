// Package archive stores a copy of each sent reply as an .eml object.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/message"
)

// Sink stores one object under key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver renders replies and hands them to a Sink.
type Archiver struct {
	sink   Sink
	prefix string
}

func New(sink Sink, prefix string) *Archiver {
	return &Archiver{sink: sink, prefix: strings.Trim(prefix, "/")}
}

// Archive writes reply under <prefix>/<yyyy>/<mm>/<dd>/<message-id>.eml.
func (a *Archiver) Archive(ctx context.Context, reply message.Reply) error {
	data, err := reply.Bytes()
	if err != nil {
		return err
	}
	key := Key(a.prefix, reply)
	if err := a.sink.Put(ctx, key, data); err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	return nil
}

// Key builds the object key for reply.
func Key(prefix string, reply message.Reply) string {
	id := strings.Trim(reply.MessageID, "<>")
	id = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(id)
	if id == "" {
		id = "unknown"
	}
	day := reply.Date.UTC().Format("2006/01/02")
	return path.Join(prefix, day, id+".eml")
}

// FromConfig returns nil when archiving is disabled.
func FromConfig(cfg config.Archive) (*Archiver, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "dir":
		return New(NewDirSink(cfg.Dir, OSFileManager{}), cfg.Prefix), nil
	case "s3":
		sink, err := NewS3Sink(S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Key:      cfg.Key,
			Secret:   cfg.Secret,
		})
		if err != nil {
			return nil, err
		}
		return New(sink, cfg.Prefix), nil
	}
	return nil, fmt.Errorf("unknown archive type %q", cfg.Type)
}
