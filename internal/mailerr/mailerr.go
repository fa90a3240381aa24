// Package mailerr defines the error kinds shared by the relay and its
// protocol clients.
package mailerr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so callers can decide whether it is fatal.
type Kind uint8

const (
	Unknown Kind = iota
	Config
	Connect
	Auth
	Protocol
	Encoding
	Address
	Submission
	TransportSetup
	Process
)

var kindNames = map[Kind]string{
	Unknown:        "UnknownError",
	Config:         "ConfigError",
	Connect:        "ConnectError",
	Auth:           "AuthError",
	Protocol:       "ProtocolError",
	Encoding:       "EncodingError",
	Address:        "AddressError",
	Submission:     "SubmissionError",
	TransportSetup: "TransportSetupError",
	Process:        "ProcessError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err. It returns nil when err is nil and keeps the
// innermost kind when err is already classified.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if stderrors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must stop the relay regardless of policy.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case Config, Auth, TransportSetup:
		return true
	}
	return false
}

// IsTransient reports whether err is a session-level failure that a
// reconnect may cure.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Connect, Protocol:
		return true
	}
	return false
}
