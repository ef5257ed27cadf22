package wire

import "encoding/binary"

type (
	// Type is the D-Bus message type.
	Type uint8

	// Flags are the D-Bus message header flags.
	Flags uint8

	// HeaderField identifies a field of the message header.
	HeaderField uint8

	// ObjectPath is a D-Bus object path value.
	ObjectPath string

	// Signature is a D-Bus type signature value.
	Signature string
)

// Message types.
const (
	TypeMethodCall Type = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

// Header flags.
const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Header fields.
const (
	FieldPath HeaderField = iota + 1
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
)

// MaxMessageSize is the hard protocol limit on the size of a single message,
// header included.
const MaxMessageSize = 1 << 27

// Message is a single decoded D-Bus message. The body is kept as raw bytes in
// the byte order the message arrived in; the broker never interprets the body
// of a forwarded message beyond the leading arguments used by match rules.
type Message struct {
	Type        Type
	Flags       Flags
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	Body        []byte
	Order       binary.ByteOrder
}
