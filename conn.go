package hub

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/outofforest/hub/wire"
	"github.com/outofforest/logger"
)

// outboundQueueSize bounds the per-connection outbound queue. A peer that
// stops reading fills only its own queue and is disconnected; the router
// never blocks on it.
const outboundQueueSize = 128

// peer is one authenticated connection. The read loop is the only writer of
// hello; out is closed exactly once during teardown, always under the peer
// set's lock once the peer is registered.
type peer struct {
	name      string
	transport net.Conn
	out       chan *wire.Message

	// hello is set once the identity-claim call has been handled and the
	// unique name is live on the bus.
	hello bool
}

func newPeer(name string, transport net.Conn) *peer {
	return &peer{
		name:      name,
		transport: transport,
		out:       make(chan *wire.Message, outboundQueueSize),
	}
}

// send enqueues a message without ever blocking. It reports whether the
// message was accepted; the caller decides what an overflow means.
func (p *peer) send(msg *wire.Message) bool {
	select {
	case p.out <- msg:
		return true
	default:
		return false
	}
}

// peerSet holds the live registered connections. Sends happen under the same
// lock that guards close(p.out), so no message is ever enqueued on a closed
// queue.
type peerSet struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func newPeerSet() *peerSet {
	return &peerSet{peers: map[string]*peer{}}
}

func (s *peerSet) add(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[p.name] = p
}

// remove unregisters the peer and closes its queue. It reports whether the
// peer was registered.
func (s *peerSet) remove(name string, p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if registered, exists := s.peers[name]; exists && registered == p {
		delete(s.peers, name)
		close(p.out)
		return true
	}
	return false
}

// send delivers a message to a registered peer. It reports whether the
// destination exists; a peer whose queue is full is forcibly disconnected so
// routing to everyone else keeps flowing.
func (s *peerSet) send(ctx context.Context, name string, msg *wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.peers[name]
	if !exists {
		return false
	}
	s.deliver(ctx, p, msg)
	return true
}

// broadcast delivers a message to every listed peer still registered.
func (s *peerSet) broadcast(ctx context.Context, names []string, msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		if p, exists := s.peers[name]; exists {
			s.deliver(ctx, p, msg)
		}
	}
}

// Caller holds the lock.
func (s *peerSet) deliver(ctx context.Context, p *peer, msg *wire.Message) {
	if !p.send(msg) {
		logger.Get(ctx).Warn("Disconnecting unresponsive peer", zap.String("peer", p.name))
		_ = p.transport.Close()
	}
}
