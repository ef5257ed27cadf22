//go:build linux

package hub

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// peerUID returns the kernel-reported uid of the peer on a Unix socket, or ""
// when credentials are unavailable.
func peerUID(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ""
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ""
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return ""
	}
	return strconv.FormatUint(uint64(cred.Uid), 10)
}
