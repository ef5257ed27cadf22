package hub

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // mandated by the DBUS_COOKIE_SHA1 mechanism
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxAuthLine     = 16 * 1024
	maxAuthAttempts = 16
)

type authOptions struct {
	GUID           string
	AllowAnonymous bool
	CookieDir      string

	// External is offered only on transports providing kernel credentials.
	External bool
	// UID is the kernel-reported peer uid, "" when unknown.
	UID string
}

func (o authOptions) mechanisms() []string {
	var mechs []string
	if o.External {
		mechs = append(mechs, "EXTERNAL")
	}
	mechs = append(mechs, "DBUS_COOKIE_SHA1")
	if o.AllowAnonymous {
		mechs = append(mechs, "ANONYMOUS")
	}
	return mechs
}

// authenticate runs the server side of the SASL handshake preceding the
// framed protocol. It returns once the client has sent BEGIN; any leftover
// buffered bytes in r belong to the message stream.
func authenticate(r *bufio.Reader, w io.Writer, opts authOptions) error {
	b, err := r.ReadByte()
	if err != nil {
		return errors.WithStack(err)
	}
	if b != 0 {
		return errors.Errorf("expected nul byte starting the handshake, got 0x%x", b)
	}

	for range maxAuthAttempts {
		line, err := readAuthLine(r)
		if err != nil {
			return err
		}
		cmd, args, _ := strings.Cut(line, " ")

		switch cmd {
		case "AUTH":
			mech, initial, _ := strings.Cut(args, " ")
			ok, err := tryMechanism(r, w, opts, mech, initial)
			if err != nil {
				return err
			}
			if !ok {
				if err := reject(w, opts); err != nil {
					return err
				}
				continue
			}
			if err := writeAuthLine(w, "OK "+opts.GUID); err != nil {
				return err
			}
			done, err := awaitBegin(r, w, opts)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case "BEGIN":
			return errors.New("BEGIN before successful authentication")
		case "ERROR":
			if err := reject(w, opts); err != nil {
				return err
			}
		default:
			if err := writeAuthLine(w, "ERROR Unknown command"); err != nil {
				return err
			}
		}
	}
	return errors.New("too many failed authentication attempts")
}

// awaitBegin consumes commands between OK and BEGIN. A CANCEL returns the
// client to the mechanism negotiation.
func awaitBegin(r *bufio.Reader, w io.Writer, opts authOptions) (bool, error) {
	for {
		line, err := readAuthLine(r)
		if err != nil {
			return false, err
		}
		switch {
		case line == "BEGIN":
			return true, nil
		case line == "NEGOTIATE_UNIX_FD":
			if err := writeAuthLine(w, "ERROR Unix fd passing is not supported"); err != nil {
				return false, err
			}
		case line == "CANCEL":
			return false, reject(w, opts)
		default:
			if err := writeAuthLine(w, "ERROR Unknown command"); err != nil {
				return false, err
			}
		}
	}
}

func tryMechanism(r *bufio.Reader, w io.Writer, opts authOptions, mech, initial string) (bool, error) {
	switch mech {
	case "EXTERNAL":
		if !opts.External {
			return false, nil
		}
		return authExternal(r, w, opts, initial)
	case "ANONYMOUS":
		// The trace argument carries no verified identity and is ignored.
		return opts.AllowAnonymous, nil
	case "DBUS_COOKIE_SHA1":
		if initial == "" {
			return false, nil
		}
		return authCookieSha1(r, w, opts)
	default:
		return false, nil
	}
}

// authExternal trusts the transport-level credentials; the claimed uid, if
// any, must agree with what the kernel reported.
func authExternal(r *bufio.Reader, w io.Writer, opts authOptions, initial string) (bool, error) {
	if initial == "" {
		if err := writeAuthLine(w, "DATA"); err != nil {
			return false, err
		}
		resp, ok, err := readData(r)
		if !ok || err != nil {
			return false, err
		}
		initial = resp
	}
	claimed, err := hex.DecodeString(initial)
	if err != nil {
		return false, nil //nolint:nilerr // malformed response rejects the attempt
	}
	if len(claimed) > 0 && opts.UID != "" && string(claimed) != opts.UID {
		return false, nil
	}
	return true, nil
}

// authCookieSha1 proves the client can read the daemon's keyring directory.
func authCookieSha1(r *bufio.Reader, w io.Writer, opts authOptions) (bool, error) {
	id, secret, err := loadOrCreateCookie(opts.CookieDir)
	if err != nil {
		return false, nil //nolint:nilerr // no keyring means the mechanism is unavailable
	}

	challenge, err := randomHex(16)
	if err != nil {
		return false, err
	}
	data := hex.EncodeToString([]byte(fmt.Sprintf("%s %s %s", cookieContext, id, challenge)))
	if err := writeAuthLine(w, "DATA "+data); err != nil {
		return false, err
	}

	resp, ok, err := readData(r)
	if !ok || err != nil {
		return false, err
	}
	decoded, err := hex.DecodeString(resp)
	if err != nil {
		return false, nil //nolint:nilerr
	}
	clientChallenge, digest, ok := strings.Cut(string(decoded), " ")
	if !ok || strings.ContainsAny(clientChallenge, " \t") {
		return false, nil
	}

	sum := sha1.Sum([]byte(challenge + ":" + clientChallenge + ":" + secret)) //nolint:gosec
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1, nil
}

// readData reads the client's answer to a DATA challenge. ok is false if the
// client bailed out with CANCEL or ERROR.
func readData(r *bufio.Reader) (string, bool, error) {
	line, err := readAuthLine(r)
	if err != nil {
		return "", false, err
	}
	cmd, args, _ := strings.Cut(line, " ")
	if cmd != "DATA" {
		return "", false, nil
	}
	return args, true, nil
}

func reject(w io.Writer, opts authOptions) error {
	return writeAuthLine(w, "REJECTED "+strings.Join(opts.mechanisms(), " "))
}

// readAuthLine accumulates at most maxAuthLine bytes; a client streaming
// garbage without a newline is cut off instead of growing the buffer.
func readAuthLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxAuthLine {
			return "", errors.New("authentication line too long")
		}
		if err == nil {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", errors.WithStack(err)
		}
	}
}

func writeAuthLine(w io.Writer, line string) error {
	_, err := w.Write([]byte(line + "\r\n"))
	return errors.WithStack(err)
}
