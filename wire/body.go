package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

type decoder struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (d *decoder) align(n int) error {
	pad := (n - d.pos%n) % n
	if d.pos+pad > len(d.buf) {
		return errors.New("truncated message")
	}
	d.pos += pad
	return nil
}

func (d *decoder) read(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, errors.New("truncated message")
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) byte() (byte, error) {
	b, err := d.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) uint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	l, err := d.uint32()
	if err != nil {
		return "", err
	}
	b, err := d.read(int(l) + 1)
	if err != nil {
		return "", err
	}
	if b[l] != 0 {
		return "", errors.New("string is not nul-terminated")
	}
	return string(b[:l]), nil
}

func (d *decoder) signature() (string, error) {
	l, err := d.byte()
	if err != nil {
		return "", err
	}
	b, err := d.read(int(l) + 1)
	if err != nil {
		return "", err
	}
	if b[l] != 0 {
		return "", errors.New("signature is not nul-terminated")
	}
	return string(b[:l]), nil
}

func (d *decoder) variant() (any, error) {
	sig, err := d.signature()
	if err != nil {
		return nil, err
	}
	if len(sig) != 1 || !isBasicType(sig[0]) {
		return nil, errors.Errorf("unsupported variant signature %q", sig)
	}
	return d.basic(sig[0])
}

func (d *decoder) basic(c byte) (any, error) {
	switch c {
	case 'y':
		return d.byte()
	case 'b':
		v, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if v > 1 {
			return nil, errors.Errorf("invalid boolean value %d", v)
		}
		return v == 1, nil
	case 'n':
		v, err := d.uint16()
		return int16(v), err
	case 'q':
		return d.uint16()
	case 'i':
		v, err := d.uint32()
		return int32(v), err
	case 'u', 'h':
		return d.uint32()
	case 'x':
		v, err := d.uint64()
		return int64(v), err
	case 't':
		return d.uint64()
	case 'd':
		v, err := d.uint64()
		return math.Float64frombits(v), err
	case 's':
		return d.str()
	case 'o':
		v, err := d.str()
		return ObjectPath(v), err
	case 'g':
		v, err := d.signature()
		return Signature(v), err
	default:
		return nil, errors.Errorf("unsupported basic type %q", string(c))
	}
}

func isBasicType(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// The encoder tracks the absolute message offset via base so that alignment
// inside header fields and bodies comes out right.
type encoder struct {
	buf   []byte
	base  int
	order binary.ByteOrder
}

func (e *encoder) pos() int {
	return e.base + len(e.buf)
}

func (e *encoder) align(n int) {
	pad := (n - e.pos()%n) % n
	for range pad {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) byte(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) uint32(v uint32) {
	e.align(4)
	var b [4]byte
	e.order.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) str(s string) {
	e.uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) signature(s string) {
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) fieldVariant(code HeaderField, sig byte, value func()) {
	e.align(8)
	e.byte(byte(code))
	e.signature(string(sig))
	value()
}

// MarshalBody encodes values as a message body and returns the matching
// signature. Only the types the built-in bus interface speaks are supported:
// string, object path, uint32, bool and array of string.
func MarshalBody(order binary.ByteOrder, values ...any) (Signature, []byte, error) {
	if order == nil {
		order = binary.LittleEndian
	}
	e := &encoder{order: order}
	var sig []byte
	for _, v := range values {
		switch v := v.(type) {
		case string:
			sig = append(sig, 's')
			e.str(v)
		case ObjectPath:
			sig = append(sig, 'o')
			e.str(string(v))
		case uint32:
			sig = append(sig, 'u')
			e.uint32(v)
		case bool:
			sig = append(sig, 'b')
			if v {
				e.uint32(1)
			} else {
				e.uint32(0)
			}
		case []string:
			sig = append(sig, 'a', 's')
			// Array length counts bytes after the length field's padding.
			e.align(4)
			lenOff := len(e.buf)
			e.buf = append(e.buf, 0, 0, 0, 0)
			start := len(e.buf)
			for _, s := range v {
				e.str(s)
			}
			e.order.PutUint32(e.buf[lenOff:lenOff+4], uint32(len(e.buf)-start))
		default:
			return "", nil, errors.Errorf("unsupported body type %T", v)
		}
	}
	return Signature(sig), e.buf, nil
}

// UnmarshalBody decodes a message body according to sig. The supported types
// mirror MarshalBody.
func UnmarshalBody(order binary.ByteOrder, sig Signature, body []byte) ([]any, error) {
	if order == nil {
		order = binary.LittleEndian
	}
	d := &decoder{buf: body, order: order}
	values := make([]any, 0, len(sig))
	for i := 0; i < len(sig); i++ {
		switch sig[i] {
		case 'a':
			if i+1 >= len(sig) || sig[i+1] != 's' {
				return nil, errors.Errorf("unsupported body signature %q", sig)
			}
			i++
			l, err := d.uint32()
			if err != nil {
				return nil, err
			}
			end := d.pos + int(l)
			if end > len(d.buf) {
				return nil, errors.New("truncated message")
			}
			strs := []string{}
			for d.pos < end {
				s, err := d.str()
				if err != nil {
					return nil, err
				}
				strs = append(strs, s)
			}
			if d.pos != end {
				return nil, errors.New("array length mismatch")
			}
			values = append(values, strs)
		default:
			if !isBasicType(sig[i]) {
				return nil, errors.Errorf("unsupported body signature %q", sig)
			}
			v, err := d.basic(sig[i])
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	}
	if d.pos != len(d.buf) {
		return nil, errors.Errorf("%d trailing bytes after body", len(d.buf)-d.pos)
	}
	return values, nil
}

// Args decodes the leading basic-typed arguments of the message body. It
// stops at the first container type; match rules only ever inspect basic
// arguments, so anything beyond that point is irrelevant to the broker.
func (m *Message) Args() []any {
	d := &decoder{buf: m.Body, order: m.Order}
	var args []any
	for _, c := range []byte(m.Signature) {
		if !isBasicType(c) {
			break
		}
		v, err := d.basic(c)
		if err != nil {
			break
		}
		args = append(args, v)
	}
	return args
}
