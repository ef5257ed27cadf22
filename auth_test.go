package hub

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // mandated by the DBUS_COOKIE_SHA1 mechanism
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// authClient scripts the client side of the handshake over one end of a pipe.
type authClient struct {
	requireT *require.Assertions
	r        *bufio.Reader
	conn     net.Conn
}

func startAuth(t *testing.T, opts authOptions) (*authClient, <-chan error) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- authenticate(bufio.NewReader(server), server, opts)
	}()

	c := &authClient{
		requireT: require.New(t),
		r:        bufio.NewReader(client),
		conn:     client,
	}
	_, err := client.Write([]byte{0})
	c.requireT.NoError(err)
	return c, errCh
}

func (c *authClient) send(line string) {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	c.requireT.NoError(err)
}

func (c *authClient) recv() string {
	line, err := c.r.ReadString('\n')
	c.requireT.NoError(err)
	return strings.TrimRight(line, "\r\n")
}

func TestAuthAnonymous(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	c.send("AUTH ANONYMOUS")
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthAnonymousRejectedWhenDisabled(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid"})

	c.send("AUTH ANONYMOUS")
	requireT.Equal("REJECTED DBUS_COOKIE_SHA1", c.recv())

	requireT.NoError(c.conn.Close())
	requireT.Error(<-errCh)
}

func TestAuthExternal(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", External: true, UID: "1000"})

	c.send("AUTH EXTERNAL " + hex.EncodeToString([]byte("1000")))
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthExternalUIDMismatch(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", External: true, UID: "1000"})

	c.send("AUTH EXTERNAL " + hex.EncodeToString([]byte("0")))
	requireT.Equal("REJECTED EXTERNAL DBUS_COOKIE_SHA1", c.recv())

	// The kernel-reported identity still wins on the next attempt.
	c.send("AUTH EXTERNAL " + hex.EncodeToString([]byte("1000")))
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthExternalDataPrompt(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", External: true, UID: "1000"})

	c.send("AUTH EXTERNAL")
	requireT.Equal("DATA", c.recv())
	c.send("DATA " + hex.EncodeToString([]byte("1000")))
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthExternalNotOfferedOnUntrustedTransport(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid"})

	c.send("AUTH EXTERNAL " + hex.EncodeToString([]byte("1000")))
	requireT.Equal("REJECTED DBUS_COOKIE_SHA1", c.recv())

	requireT.NoError(c.conn.Close())
	requireT.Error(<-errCh)
}

func TestAuthCookieSha1(t *testing.T) {
	requireT := require.New(t)
	cookieDir := t.TempDir()
	c, errCh := startAuth(t, authOptions{GUID: "guid", CookieDir: cookieDir})

	c.send("AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("tester")))

	line := c.recv()
	requireT.True(strings.HasPrefix(line, "DATA "), line)
	decoded, err := hex.DecodeString(strings.TrimPrefix(line, "DATA "))
	requireT.NoError(err)

	parts := strings.Split(string(decoded), " ")
	requireT.Len(parts, 3)
	requireT.Equal(cookieContext, parts[0])
	secret := keyringSecret(t, cookieDir, parts[1])

	clientChallenge := "deadbeef"
	sum := sha1.Sum([]byte(parts[2] + ":" + clientChallenge + ":" + secret)) //nolint:gosec
	resp := clientChallenge + " " + hex.EncodeToString(sum[:])
	c.send("DATA " + hex.EncodeToString([]byte(resp)))

	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthCookieSha1WrongDigest(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", CookieDir: t.TempDir()})

	c.send("AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte("tester")))
	requireT.True(strings.HasPrefix(c.recv(), "DATA "))
	c.send("DATA " + hex.EncodeToString([]byte("deadbeef 0000")))
	requireT.Equal("REJECTED DBUS_COOKIE_SHA1", c.recv())

	requireT.NoError(c.conn.Close())
	requireT.Error(<-errCh)
}

func TestAuthNegotiateUnixFDRefused(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	c.send("AUTH ANONYMOUS")
	requireT.Equal("OK guid", c.recv())
	c.send("NEGOTIATE_UNIX_FD")
	requireT.Equal("ERROR Unix fd passing is not supported", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthCancelRestartsNegotiation(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	c.send("AUTH ANONYMOUS")
	requireT.Equal("OK guid", c.recv())
	c.send("CANCEL")
	requireT.Equal("REJECTED DBUS_COOKIE_SHA1 ANONYMOUS", c.recv())
	c.send("AUTH ANONYMOUS")
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestAuthBeginBeforeAuthentication(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	c.send("BEGIN")
	requireT.Error(<-errCh)
}

func TestAuthOverlongLineTerminatesHandshake(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	// A command streamed without a newline must be cut off at the line cap.
	go func() {
		junk := bytes.Repeat([]byte{'A'}, 1024)
		for {
			if _, err := c.conn.Write(junk); err != nil {
				return
			}
		}
	}()
	requireT.Error(<-errCh)
}

func TestAuthUnknownMechanismRejected(t *testing.T) {
	requireT := require.New(t)
	c, errCh := startAuth(t, authOptions{GUID: "guid", AllowAnonymous: true})

	c.send("AUTH KERBEROS_V4")
	requireT.Equal("REJECTED DBUS_COOKIE_SHA1 ANONYMOUS", c.recv())
	c.send("AUTH ANONYMOUS")
	requireT.Equal("OK guid", c.recv())
	c.send("BEGIN")
	requireT.NoError(<-errCh)
}

func TestCookieKeyringReuse(t *testing.T) {
	requireT := require.New(t)
	cookieDir := filepath.Join(t.TempDir(), ".dbus-keyrings")

	id, secret, err := loadOrCreateCookie(cookieDir)
	requireT.NoError(err)
	requireT.NotEmpty(id)
	requireT.NotEmpty(secret)

	info, err := os.Stat(filepath.Join(cookieDir, cookieContext))
	requireT.NoError(err)
	requireT.Equal(os.FileMode(0o600), info.Mode().Perm())

	id2, secret2, err := loadOrCreateCookie(cookieDir)
	requireT.NoError(err)
	requireT.Equal(id, id2)
	requireT.Equal(secret, secret2)
}

func keyringSecret(t *testing.T, dir, id string) string {
	raw, err := os.ReadFile(filepath.Join(dir, cookieContext))
	require.NoError(t, err)
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == id {
			return fields[2]
		}
	}
	t.Fatalf("cookie %s not found in keyring", id)
	return ""
}
