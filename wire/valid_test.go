package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidBusName(t *testing.T) {
	requireT := require.New(t)

	for _, name := range []string{
		"org.blah",
		"org.freedesktop.DBus",
		"org.blah-blah.Service_1",
		":1.0",
		":1.42.7",
	} {
		requireT.True(IsValidBusName(name), name)
	}

	for _, name := range []string{
		"",
		"org",
		".org.blah",
		"org..blah",
		"org.blah.",
		"org.1blah",
		"org.blah!",
		":1",
		strings.Repeat("a.a", 100),
	} {
		requireT.False(IsValidBusName(name), name)
	}

	requireT.True(IsValidUniqueName(":1.0"))
	requireT.False(IsValidUniqueName("org.blah"))
}

func TestIsValidInterfaceName(t *testing.T) {
	requireT := require.New(t)

	requireT.True(IsValidInterfaceName("org.freedesktop.DBus.Peer"))
	requireT.True(IsValidInterfaceName("a.b"))
	requireT.False(IsValidInterfaceName("a"))
	requireT.False(IsValidInterfaceName("a.2b"))
	requireT.False(IsValidInterfaceName("a.b-c"))
	requireT.False(IsValidInterfaceName(""))
}

func TestIsValidMemberName(t *testing.T) {
	requireT := require.New(t)

	requireT.True(IsValidMemberName("Hello"))
	requireT.True(IsValidMemberName("Name_1"))
	requireT.False(IsValidMemberName("1Name"))
	requireT.False(IsValidMemberName("Na.me"))
	requireT.False(IsValidMemberName(""))
}

func TestIsValidObjectPath(t *testing.T) {
	requireT := require.New(t)

	requireT.True(IsValidObjectPath("/"))
	requireT.True(IsValidObjectPath("/org/freedesktop/DBus"))
	requireT.True(IsValidObjectPath("/a_b/c9"))
	requireT.False(IsValidObjectPath(""))
	requireT.False(IsValidObjectPath("org/blah"))
	requireT.False(IsValidObjectPath("/org//blah"))
	requireT.False(IsValidObjectPath("/org/blah/"))
	requireT.False(IsValidObjectPath("/org/bl-ah"))
}
