package relay

import "github.com/aaronromeo/mailrelay/internal/mailerr"

type (
	Error = mailerr.Error
	Kind  = mailerr.Kind
)

const (
	ConfigError         = mailerr.Config
	ConnectError        = mailerr.Connect
	AuthError           = mailerr.Auth
	ProtocolError       = mailerr.Protocol
	EncodingError       = mailerr.Encoding
	AddressError        = mailerr.Address
	SubmissionError     = mailerr.Submission
	TransportSetupError = mailerr.TransportSetup
	ProcessError        = mailerr.Process
)

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	return mailerr.KindOf(err)
}

func IsKind(err error, kind Kind) bool {
	return mailerr.Is(err, kind)
}
