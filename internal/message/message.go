// Package message holds the inbound and outbound mail values the relay
// passes between its IMAP and SMTP sides, and the conversions between
// raw RFC 5322 bytes and text.
package message

import "time"

// Inbound is a message fetched from the watched mailbox. UID is only
// meaningful within the IMAP session that produced it.
type Inbound struct {
	UID       uint32
	From      string
	MessageID string
	Subject   string
	Raw       []byte
}

// Reply is an outbound message derived from an Inbound one.
type Reply struct {
	From      string
	To        string
	Subject   string
	Body      string
	InReplyTo string
	MessageID string
	Date      time.Time
}
