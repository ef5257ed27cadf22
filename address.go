package hub

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// listenAddress is one parsed listen address of the daemon.
type listenAddress struct {
	network string
	address string

	// path is the filesystem path backing a Unix socket, "" for abstract
	// sockets and TCP.
	path string
}

// parseListenAddress parses the D-Bus textual address forms
// "unix:path=<path>", "unix:abstract=<name>" and "tcp:host=<addr>,port=<port>".
func parseListenAddress(s string) (listenAddress, error) {
	family, rest, ok := strings.Cut(s, ":")
	if !ok {
		return listenAddress{}, errors.Errorf("malformed listen address %q", s)
	}

	params := map[string]string{}
	for _, kv := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			return listenAddress{}, errors.Errorf("malformed listen address %q", s)
		}
		params[key] = value
	}

	switch family {
	case "unix":
		if path, exists := params["path"]; exists {
			return listenAddress{network: "unix", address: path, path: path}, nil
		}
		if name, exists := params["abstract"]; exists {
			return listenAddress{network: "unix", address: "@" + name}, nil
		}
		return listenAddress{}, errors.Errorf("unix address %q requires path or abstract", s)
	case "tcp":
		host, exists := params["host"]
		if !exists {
			return listenAddress{}, errors.Errorf("tcp address %q requires host", s)
		}
		port, exists := params["port"]
		if !exists {
			return listenAddress{}, errors.Errorf("tcp address %q requires port", s)
		}
		return listenAddress{network: "tcp", address: net.JoinHostPort(host, port)}, nil
	default:
		return listenAddress{}, errors.Errorf("unsupported transport %q", family)
	}
}

// busAddress renders the address of a bound listener back in D-Bus form,
// resolving kernel-assigned TCP ports.
func busAddress(addr listenAddress, ls net.Listener) string {
	if addr.network == "unix" {
		if addr.path != "" {
			return "unix:path=" + addr.path
		}
		return "unix:abstract=" + strings.TrimPrefix(addr.address, "@")
	}
	host, port, _ := net.SplitHostPort(ls.Addr().String())
	return "tcp:host=" + host + ",port=" + port
}
