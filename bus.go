package hub

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/hub/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// DefaultMaxMessageSize bounds a single message unless configured otherwise.
const DefaultMaxMessageSize = 32 * 1024 * 1024

const authTimeout = 30 * time.Second

// Config defines bus configuration.
type Config struct {
	// Addresses lists the listen addresses, "unix:path=…" or
	// "tcp:host=…,port=…"; both transport families may be mixed.
	Addresses []string

	// AllowAnonymous permits the ANONYMOUS authentication mechanism.
	AllowAnonymous bool

	// CookieDir is the keyring directory of the DBUS_COOKIE_SHA1 mechanism,
	// $HOME/.dbus-keyrings unless set.
	CookieDir string

	// MaxMessageSize caps a single message, header included.
	MaxMessageSize uint32
}

type busListener struct {
	ls   net.Listener
	addr listenAddress
}

// Bus is the message bus daemon: it owns the listeners, the name registry,
// the subscription index and the set of live connections.
type Bus struct {
	config    Config
	guid      string
	router    *router
	listeners []busListener
}

// New binds all configured listeners. A failure to bind any of them is fatal
// and releases the ones already bound.
func New(config Config) (*Bus, error) {
	if len(config.Addresses) == 0 {
		return nil, errors.New("no listen addresses configured")
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.CookieDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			config.CookieDir = filepath.Join(home, ".dbus-keyrings")
		}
	}

	guid, err := newGUID()
	if err != nil {
		return nil, err
	}

	bus := &Bus{
		config: config,
		guid:   guid,
		router: newRouter(guid),
	}
	for _, s := range config.Addresses {
		addr, err := parseListenAddress(s)
		if err == nil {
			var ls net.Listener
			ls, err = net.Listen(addr.network, addr.address)
			if err == nil {
				bus.listeners = append(bus.listeners, busListener{ls: ls, addr: addr})
				continue
			}
		}
		for _, l := range bus.listeners {
			_ = l.ls.Close()
		}
		return nil, errors.WithStack(err)
	}
	return bus, nil
}

// Addresses returns the bound listen addresses in D-Bus form, with
// kernel-assigned TCP ports resolved.
func (b *Bus) Addresses() []string {
	addresses := make([]string, 0, len(b.listeners))
	for _, l := range b.listeners {
		addresses = append(addresses, busAddress(l.addr, l.ls))
	}
	return addresses
}

// Run accepts and routes messages until ctx is canceled or a listener fails.
// It never returns nil while the bus is healthy.
func (b *Bus) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			for _, l := range b.listeners {
				_ = l.ls.Close()
			}
			return errors.WithStack(ctx.Err())
		})
		for _, l := range b.listeners {
			spawn("listener", parallel.Fail, func(ctx context.Context) error {
				return b.runListener(ctx, spawn, l)
			})
		}
		return nil
	})
}

// Cleanup releases the OS resources held by the bus. It may only be called
// once Run has returned.
func (b *Bus) Cleanup() error {
	for _, l := range b.listeners {
		_ = l.ls.Close()
		if l.addr.path != "" {
			if err := os.Remove(l.addr.path); err != nil && !os.IsNotExist(err) {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

func (b *Bus) runListener(ctx context.Context, spawn parallel.SpawnFn, l busListener) error {
	log := logger.Get(ctx)
	for {
		conn, err := l.ls.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(err)
		}

		external := l.addr.network == "unix"
		spawn("peer", parallel.Continue, func(ctx context.Context) error {
			if err := b.servePeer(ctx, conn, external); err != nil && ctx.Err() == nil {
				log.Debug("Peer connection closed", zap.Error(err))
			}
			return nil
		})
	}
}

// servePeer authenticates one accepted transport and runs its read and write
// loops until either side fails or the bus shuts down.
func (b *Bus) servePeer(ctx context.Context, conn net.Conn, external bool) error {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(authTimeout)); err != nil {
		return errors.WithStack(err)
	}
	opts := authOptions{
		GUID:           b.guid,
		AllowAnonymous: b.config.AllowAnonymous,
		CookieDir:      b.config.CookieDir,
		External:       external,
	}
	if external {
		opts.UID = peerUID(conn)
	}

	// The reader sticks around: bytes it buffered past BEGIN belong to the
	// message stream.
	r := bufio.NewReader(conn)
	if err := authenticate(r, conn, opts); err != nil {
		return err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return errors.WithStack(err)
	}

	p := newPeer(b.router.uniqueName(), conn)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer b.router.unregister(ctx, p)

			for {
				msg, err := wire.Decode(r, b.config.MaxMessageSize)
				if err != nil {
					return err
				}
				if err := b.router.dispatch(ctx, p, msg); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range p.out {
				}
			}()
			defer conn.Close()

			w := bufio.NewWriter(conn)
			for msg := range p.out {
				if err := msg.Encode(w); err != nil {
					return err
				}
				if len(p.out) == 0 {
					if err := w.Flush(); err != nil {
						return errors.WithStack(err)
					}
				}
			}
			return nil
		})
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = conn.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}
