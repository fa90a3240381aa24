// Package imapclient is the retrieval side of the relay: a single IMAP
// session that selects the watched mailbox, searches for unseen mail
// from one sender and fetches it.
package imapclient
