package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/hub/wire"
)

// Frames produced by this codec must be readable by an independent client
// implementation.
func TestGodbusDecodesEncodedCall(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := wire.MarshalBody(binary.LittleEndian, "org.blah", uint32(3))
	requireT.NoError(err)

	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Serial:      11,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "RequestName",
		Destination: "org.freedesktop.DBus",
		Sender:      ":1.4",
		Signature:   sig,
		Body:        body,
		Order:       binary.LittleEndian,
	}

	var buf bytes.Buffer
	requireT.NoError(msg.Encode(&buf))

	decoded, err := dbus.DecodeMessage(&buf)
	requireT.NoError(err)

	requireT.Equal(dbus.TypeMethodCall, decoded.Type)
	requireT.EqualValues(11, decoded.Serial())
	requireT.Equal(dbus.ObjectPath("/org/freedesktop/DBus"), decoded.Headers[dbus.FieldPath].Value())
	requireT.Equal("RequestName", decoded.Headers[dbus.FieldMember].Value())
	requireT.Equal("org.freedesktop.DBus", decoded.Headers[dbus.FieldDestination].Value())
	requireT.Equal(":1.4", decoded.Headers[dbus.FieldSender].Value())
	requireT.Equal([]interface{}{"org.blah", uint32(3)}, decoded.Body)
}

func TestGodbusDecodesEncodedSignal(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := wire.MarshalBody(binary.LittleEndian, "org.blah", "", ":1.9")
	requireT.NoError(err)

	msg := &wire.Message{
		Type:      wire.TypeSignal,
		Serial:    1,
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
		Sender:    "org.freedesktop.DBus",
		Signature: sig,
		Body:      body,
		Order:     binary.LittleEndian,
	}

	var buf bytes.Buffer
	requireT.NoError(msg.Encode(&buf))

	decoded, err := dbus.DecodeMessage(&buf)
	requireT.NoError(err)

	requireT.Equal(dbus.TypeSignal, decoded.Type)
	requireT.Equal("NameOwnerChanged", decoded.Headers[dbus.FieldMember].Value())
	requireT.Equal([]interface{}{"org.blah", "", ":1.9"}, decoded.Body)
}

func TestGodbusDecodesStringArray(t *testing.T) {
	requireT := require.New(t)

	sig, body, err := wire.MarshalBody(binary.LittleEndian, []string{"org.freedesktop.DBus", ":1.0"})
	requireT.NoError(err)

	msg := &wire.Message{
		Type:        wire.TypeMethodReturn,
		Serial:      2,
		ReplySerial: 1,
		Destination: ":1.0",
		Signature:   sig,
		Body:        body,
		Order:       binary.LittleEndian,
	}

	var buf bytes.Buffer
	requireT.NoError(msg.Encode(&buf))

	decoded, err := dbus.DecodeMessage(&buf)
	requireT.NoError(err)
	requireT.Equal([]interface{}{[]string{"org.freedesktop.DBus", ":1.0"}}, decoded.Body)
}
