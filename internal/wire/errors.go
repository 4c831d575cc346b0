package wire

import "fmt"

// ParseErrorKind enumerates the closed set of decode failures (spec §7,
// Parse taxonomy).
type ParseErrorKind int

const (
	PacketTooShort ParseErrorKind = iota
	UnexpectedLength
	InvalidMessageType
	UnexpectedOptionType
	UnexpectedMessageType
	MalformedPacket
)

func (k ParseErrorKind) String() string {
	switch k {
	case PacketTooShort:
		return "PacketTooShort"
	case UnexpectedLength:
		return "UnexpectedLength"
	case InvalidMessageType:
		return "InvalidMessageType"
	case UnexpectedOptionType:
		return "UnexpectedOptionType"
	case UnexpectedMessageType:
		return "UnexpectedMessageType"
	case MalformedPacket:
		return "MalformedPacket"
	default:
		return "Unknown"
	}
}

// ParseError is returned by Decode* functions. Kind selects which
// fields are meaningful; callers that only need to classify the error
// for metrics/logging should switch on Kind rather than string-match
// Error().
type ParseError struct {
	Kind ParseErrorKind

	// Byte is set for InvalidMessageType and UnexpectedOptionType.
	Byte byte
	// Actual/Expected are set for UnexpectedLength.
	Actual, Expected int
	// GotClass/ExpectedClass are set for UnexpectedMessageType.
	GotClass, ExpectedClass Class
	// Detail is set for MalformedPacket.
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case PacketTooShort:
		return "wire: packet too short"
	case UnexpectedLength:
		return fmt.Sprintf("wire: unexpected length: got %d, expected %d", e.Actual, e.Expected)
	case InvalidMessageType:
		return fmt.Sprintf("wire: invalid message type byte 0x%02x", e.Byte)
	case UnexpectedOptionType:
		return fmt.Sprintf("wire: unexpected option tag byte 0x%02x", e.Byte)
	case UnexpectedMessageType:
		return fmt.Sprintf("wire: unexpected message type: expected %s, got %s", e.ExpectedClass, e.GotClass)
	case MalformedPacket:
		return fmt.Sprintf("wire: malformed packet: %s", e.Detail)
	default:
		return "wire: parse error"
	}
}

func malformed(detail string) error {
	return &ParseError{Kind: MalformedPacket, Detail: detail}
}
