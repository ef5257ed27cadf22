package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const protocolVersion = 1

// Decode reads one message from r. maxSize bounds the total size of the
// message; it is capped at MaxMessageSize.
func Decode(r io.Reader, maxSize uint32) (*Message, error) {
	if maxSize == 0 || maxSize > MaxMessageSize {
		maxSize = MaxMessageSize
	}

	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, errors.WithStack(err)
	}

	var order binary.ByteOrder
	switch fixed[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, errors.Errorf("invalid endianness flag 0x%x", fixed[0])
	}
	if fixed[3] != protocolVersion {
		return nil, errors.Errorf("unsupported protocol version %d", fixed[3])
	}

	msg := &Message{
		Type:  Type(fixed[1]),
		Flags: Flags(fixed[2]),
		Order: order,
	}
	bodyLen := order.Uint32(fixed[4:8])
	msg.Serial = order.Uint32(fixed[8:12])
	fieldsLen := order.Uint32(fixed[12:16])

	// Sizes are summed in uint64: a hostile fieldsLen near the uint32 maximum
	// must trip the cap, not wrap around it.
	fieldsPadded := align8(uint64(fieldsLen))
	total := 16 + fieldsPadded + uint64(bodyLen)
	if total > uint64(maxSize) {
		return nil, errors.Errorf("message of %d bytes exceeds maximum of %d", total, maxSize)
	}

	buf := make([]byte, int(fieldsPadded)+int(bodyLen))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := msg.decodeFields(buf[:fieldsLen], order); err != nil {
		return nil, err
	}
	msg.Body = buf[fieldsPadded:]

	if err := msg.IsValid(); err != nil {
		return nil, err
	}
	return msg, nil
}

// The header field array starts at offset 16 which is 8-aligned, so offsets
// within buf are congruent with absolute message offsets.
func (m *Message) decodeFields(buf []byte, order binary.ByteOrder) error {
	d := &decoder{buf: buf, order: order}
	for d.pos < len(d.buf) {
		if err := d.align(8); err != nil {
			return err
		}
		if d.pos >= len(d.buf) {
			break
		}
		code, err := d.byte()
		if err != nil {
			return err
		}
		v, err := d.variant()
		if err != nil {
			return err
		}
		if err := m.setField(HeaderField(code), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) setField(code HeaderField, v any) error {
	ok := true
	switch code {
	case FieldPath:
		m.Path, ok = v.(ObjectPath)
	case FieldInterface:
		m.Interface, ok = v.(string)
	case FieldMember:
		m.Member, ok = v.(string)
	case FieldErrorName:
		m.ErrorName, ok = v.(string)
	case FieldReplySerial:
		m.ReplySerial, ok = v.(uint32)
	case FieldDestination:
		m.Destination, ok = v.(string)
	case FieldSender:
		m.Sender, ok = v.(string)
	case FieldSignature:
		m.Signature, ok = v.(Signature)
	case FieldUnixFDs:
		_, ok = v.(uint32)
	default:
		// Unknown header fields must be ignored.
	}
	if !ok {
		return errors.Errorf("header field %d has invalid type %T", code, v)
	}
	return nil
}

// Encode writes the message to w. Messages with a nil byte order are encoded
// little-endian.
func (m *Message) Encode(w io.Writer) error {
	if err := m.IsValid(); err != nil {
		return err
	}

	order := m.Order
	if order == nil {
		order = binary.LittleEndian
	}

	// Header fields are encoded first because the fixed header carries their
	// length. The field array starts at absolute offset 16.
	e := &encoder{order: order, base: 16}
	m.encodeFields(e)
	fieldsLen := uint32(len(e.buf))

	var fixed [16]byte
	if order == binary.LittleEndian {
		fixed[0] = 'l'
	} else {
		fixed[0] = 'B'
	}
	fixed[1] = byte(m.Type)
	fixed[2] = byte(m.Flags)
	fixed[3] = protocolVersion
	order.PutUint32(fixed[4:8], uint32(len(m.Body)))
	order.PutUint32(fixed[8:12], m.Serial)
	order.PutUint32(fixed[12:16], fieldsLen)

	e.align(8)

	if _, err := w.Write(fixed[:]); err != nil {
		return errors.WithStack(err)
	}
	if _, err := w.Write(e.buf); err != nil {
		return errors.WithStack(err)
	}
	if len(m.Body) > 0 {
		if _, err := w.Write(m.Body); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (m *Message) encodeFields(e *encoder) {
	if m.Path != "" {
		e.fieldVariant(FieldPath, 'o', func() { e.str(string(m.Path)) })
	}
	if m.Interface != "" {
		e.fieldVariant(FieldInterface, 's', func() { e.str(m.Interface) })
	}
	if m.Member != "" {
		e.fieldVariant(FieldMember, 's', func() { e.str(m.Member) })
	}
	if m.ErrorName != "" {
		e.fieldVariant(FieldErrorName, 's', func() { e.str(m.ErrorName) })
	}
	if m.ReplySerial != 0 {
		e.fieldVariant(FieldReplySerial, 'u', func() { e.uint32(m.ReplySerial) })
	}
	if m.Destination != "" {
		e.fieldVariant(FieldDestination, 's', func() { e.str(m.Destination) })
	}
	if m.Sender != "" {
		e.fieldVariant(FieldSender, 's', func() { e.str(m.Sender) })
	}
	if m.Signature != "" {
		e.fieldVariant(FieldSignature, 'g', func() { e.signature(string(m.Signature)) })
	}
}

// IsValid verifies the structural invariants the protocol puts on a message
// of the given type.
func (m *Message) IsValid() error {
	if m.Type < TypeMethodCall || m.Type > TypeSignal {
		return errors.Errorf("invalid message type %d", m.Type)
	}
	if m.Serial == 0 {
		return errors.New("message serial must not be zero")
	}

	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return errors.New("method call requires path and member")
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return errors.New("signal requires path, interface and member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("method return requires reply serial")
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return errors.New("error requires error name and reply serial")
		}
	}

	if len(m.Body) > 0 && m.Signature == "" {
		return errors.New("non-empty body requires a signature")
	}

	if m.Path != "" && !IsValidObjectPath(string(m.Path)) {
		return errors.Errorf("invalid object path %q", m.Path)
	}
	if m.Interface != "" && !IsValidInterfaceName(m.Interface) {
		return errors.Errorf("invalid interface name %q", m.Interface)
	}
	if m.Member != "" && !IsValidMemberName(m.Member) {
		return errors.Errorf("invalid member name %q", m.Member)
	}
	if m.ErrorName != "" && !IsValidInterfaceName(m.ErrorName) {
		return errors.Errorf("invalid error name %q", m.ErrorName)
	}
	if m.Destination != "" && !IsValidBusName(m.Destination) {
		return errors.Errorf("invalid destination %q", m.Destination)
	}
	if m.Sender != "" && !IsValidBusName(m.Sender) {
		return errors.Errorf("invalid sender %q", m.Sender)
	}
	return nil
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}
