package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Cookie keyring for the DBUS_COOKIE_SHA1 mechanism. The keyring lives in a
// private directory shared with clients; each line holds "<id> <unix-ts>
// <hex-cookie>".
const (
	cookieContext = "org_freedesktop_general"

	// A cookie is handed out while younger than cookieMaxAge and kept on disk
	// until cookiePruneAge so in-flight handshakes still verify.
	cookieMaxAge   = 5 * time.Minute
	cookiePruneAge = 10 * time.Minute
)

type cookie struct {
	id      uint64
	created time.Time
	secret  string
}

// loadOrCreateCookie returns a fresh cookie from the keyring, minting one if
// none is usable.
func loadOrCreateCookie(dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", errors.WithStack(err)
	}
	path := filepath.Join(dir, cookieContext)

	cookies, err := readKeyring(path)
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	var newest *cookie
	kept := make([]cookie, 0, len(cookies)+1)
	for _, c := range cookies {
		if now.Sub(c.created) > cookiePruneAge {
			continue
		}
		kept = append(kept, c)
		if now.Sub(c.created) <= cookieMaxAge && (newest == nil || c.created.After(newest.created)) {
			newest = &kept[len(kept)-1]
		}
	}
	if newest != nil && len(kept) == len(cookies) {
		return strconv.FormatUint(newest.id, 10), newest.secret, nil
	}

	if newest == nil {
		var maxID uint64
		for _, c := range kept {
			if c.id > maxID {
				maxID = c.id
			}
		}
		secret, err := randomHex(24)
		if err != nil {
			return "", "", err
		}
		kept = append(kept, cookie{id: maxID + 1, created: now, secret: secret})
		newest = &kept[len(kept)-1]
	}

	if err := writeKeyring(path, kept); err != nil {
		return "", "", err
	}
	return strconv.FormatUint(newest.id, 10), newest.secret, nil
}

func readKeyring(path string) ([]cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	var cookies []cookie
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		cookies = append(cookies, cookie{id: id, created: time.Unix(ts, 0), secret: fields[2]})
	}
	return cookies, nil
}

func writeKeyring(path string, cookies []cookie) error {
	var sb strings.Builder
	for _, c := range cookies {
		fmt.Fprintf(&sb, "%d %d %s\n", c.id, c.created.Unix(), c.secret)
	}
	return errors.WithStack(os.WriteFile(path, []byte(sb.String()), 0o600))
}
