package hub

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.WithStack(err)
	}
	return hex.EncodeToString(buf), nil
}

// newGUID produces the server guid revealed during authentication.
func newGUID() (string, error) {
	return randomHex(16)
}
