package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyRoundTrip(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := MarshalBody(binary.LittleEndian,
		"text", ObjectPath("/org/blah"), uint32(7), false, []string{"x", "yz", ""})
	requireT.NoError(err)
	requireT.Equal(Signature("soubas"), sig)

	values, err := UnmarshalBody(binary.LittleEndian, sig, body)
	requireT.NoError(err)
	requireT.Equal([]any{"text", ObjectPath("/org/blah"), uint32(7), false, []string{"x", "yz", ""}}, values)
}

func TestBodyEmptyArray(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := MarshalBody(binary.LittleEndian, []string{})
	requireT.NoError(err)

	values, err := UnmarshalBody(binary.LittleEndian, sig, body)
	requireT.NoError(err)
	requireT.Equal([]any{[]string{}}, values)
}

func TestBodyRejectsTrailingBytes(t *testing.T) {
	requireT := require.New(t)

	_, body, err := MarshalBody(binary.LittleEndian, "a", "b")
	requireT.NoError(err)

	_, err = UnmarshalBody(binary.LittleEndian, "s", body)
	requireT.Error(err)
}

func TestBodyRejectsUnsupportedSignature(t *testing.T) {
	requireT := require.New(t)

	_, err := UnmarshalBody(binary.LittleEndian, "a{sv}", nil)
	requireT.Error(err)
}

func TestArgsStopAtFirstContainer(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := MarshalBody(binary.LittleEndian, "Maria", uint32(1), ObjectPath("/org/blah"))
	requireT.NoError(err)

	// Pretend the message carries a trailing container the broker cannot
	// decode; the leading basic arguments must still come out.
	msg := &Message{Signature: sig + "a{sv}", Body: body, Order: binary.LittleEndian}
	requireT.Equal([]any{"Maria", uint32(1), ObjectPath("/org/blah")}, msg.Args())

	msg = &Message{Signature: "a{sv}" + sig, Body: body, Order: binary.LittleEndian}
	requireT.Empty(msg.Args())
}

func TestArgsOfEmptyBody(t *testing.T) {
	msg := &Message{Order: binary.LittleEndian}
	require.Empty(t, msg.Args())
}
