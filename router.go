package hub

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/hub/wire"
)

// Reserved identity of the message bus itself.
const (
	// BusName is the well-known name of the bus driver.
	BusName = "org.freedesktop.DBus"

	busInterface  = "org.freedesktop.DBus"
	peerInterface = "org.freedesktop.DBus.Peer"
	busPath       = wire.ObjectPath("/org/freedesktop/DBus")
)

// router ties authentication, naming and subscriptions into delivery. It
// resolves each inbound message's destination and enqueues it on the right
// outbound queues, synthesizing the bus's own protocol responses along the
// way.
type router struct {
	guid    string
	names   *nameRegistry
	matches *matchIndex
	peers   *peerSet

	serial   atomic.Uint32
	nextPeer atomic.Uint64

	// opMu serializes built-in operations together with their notification
	// fan-out so ownership transitions are observed in the order they
	// happened.
	opMu sync.Mutex
}

func newRouter(guid string) *router {
	names := newNameRegistry()
	return &router{
		guid:    guid,
		names:   names,
		matches: newMatchIndex(names.Owner),
		peers:   newPeerSet(),
	}
}

// uniqueName mints the next transient identity. Names are never reused.
func (r *router) uniqueName() string {
	return ":1." + strconv.FormatUint(r.nextPeer.Add(1)-1, 10)
}

func (r *router) nextSerial() uint32 {
	for {
		if serial := r.serial.Add(1); serial != 0 {
			return serial
		}
	}
}

// dispatch routes one inbound message from peer p. A returned error is a
// protocol violation terminating the connection; application-level problems
// are answered with error messages instead.
func (r *router) dispatch(ctx context.Context, p *peer, msg *wire.Message) error {
	if !p.hello && (msg.Type != wire.TypeMethodCall || msg.Destination != BusName || msg.Member != "Hello" ||
		(msg.Interface != "" && msg.Interface != busInterface)) {
		return errors.New("client tried to send a message before calling Hello")
	}

	// Peers may not forge the sender; the bus stamps the authoritative one.
	msg.Sender = p.name

	switch {
	case msg.Destination == BusName:
		return r.serveBus(ctx, p, msg)
	case msg.Destination == "":
		if msg.Type == wire.TypeSignal {
			r.broadcast(ctx, msg)
			return nil
		}
		r.replyUndeliverable(p, msg, "message has no destination")
	default:
		owner := msg.Destination
		if owner[0] != ':' {
			owner = r.names.Owner(msg.Destination)
		}
		if owner == "" || !r.peers.send(ctx, owner, msg) {
			r.replyUndeliverable(p, msg, "name "+strconv.Quote(msg.Destination)+" has no owner")
		}
	}
	return nil
}

// replyUndeliverable answers an unroutable method call with an error
// correlated to the call's serial. Other message types are dropped silently.
func (r *router) replyUndeliverable(p *peer, msg *wire.Message, reason string) {
	if msg.Type != wire.TypeMethodCall || msg.Flags&wire.FlagNoReplyExpected != 0 {
		return
	}
	r.replyError(p, msg, newBusError(errorServiceUnknown, "%s", reason))
}

// broadcast fans a signal out to every connection with a matching rule.
func (r *router) broadcast(ctx context.Context, msg *wire.Message) {
	r.peers.broadcast(ctx, r.matches.Subscribers(msg), msg)
}

// register makes the peer's unique name live on the bus.
func (r *router) register(p *peer) []ownerChange {
	r.peers.add(p)
	return r.names.AddUnique(p.name)
}

// unregister performs the atomic teardown of a connection: it leaves the
// peer set first so nothing can be enqueued to it anymore, then releases
// every name claim (promoting waiters) and drops every match rule.
func (r *router) unregister(ctx context.Context, p *peer) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if !r.peers.remove(p.name, p) {
		// The peer never completed Hello, nothing is registered for it.
		close(p.out)
		return
	}

	changes := r.names.ReleaseAll(p.name)
	r.matches.RemoveAll(p.name)
	r.notifyOwnerChanges(ctx, changes)
}

// notifyOwnerChanges synthesizes the ownership notifications for a batch of
// transitions: NameOwnerChanged broadcast through the subscription index,
// NameLost and NameAcquired unicast to the connections involved.
func (r *router) notifyOwnerChanges(ctx context.Context, changes []ownerChange) {
	for _, ch := range changes {
		r.broadcast(ctx, r.busSignal("", "NameOwnerChanged", ch.Name, ch.Old, ch.New))
		if ch.Old != "" && ch.Old != ch.Name {
			r.peers.send(ctx, ch.Old, r.busSignal(ch.Old, "NameLost", ch.Name))
		}
		if ch.New != "" {
			r.peers.send(ctx, ch.New, r.busSignal(ch.New, "NameAcquired", ch.Name))
		}
	}
}

func (r *router) busSignal(destination, member string, body ...any) *wire.Message {
	msg := &wire.Message{
		Type:        wire.TypeSignal,
		Serial:      r.nextSerial(),
		Path:        busPath,
		Interface:   busInterface,
		Member:      member,
		Destination: destination,
		Sender:      BusName,
		Order:       binary.LittleEndian,
	}
	msg.Signature, msg.Body, _ = wire.MarshalBody(msg.Order, body...)
	return msg
}

// replyReturn answers a method call; replies go straight to the caller's
// queue since they are produced from its own read loop.
func (r *router) replyReturn(p *peer, call *wire.Message, body ...any) {
	if call.Flags&wire.FlagNoReplyExpected != 0 {
		return
	}
	msg := &wire.Message{
		Type:        wire.TypeMethodReturn,
		Serial:      r.nextSerial(),
		ReplySerial: call.Serial,
		Destination: p.name,
		Sender:      BusName,
		Order:       binary.LittleEndian,
	}
	msg.Signature, msg.Body, _ = wire.MarshalBody(msg.Order, body...)
	r.deliverLocal(p, msg)
}

func (r *router) replyError(p *peer, call *wire.Message, busErr *busError) {
	if call.Flags&wire.FlagNoReplyExpected != 0 {
		return
	}
	msg := &wire.Message{
		Type:        wire.TypeError,
		Serial:      r.nextSerial(),
		ErrorName:   busErr.name,
		ReplySerial: call.Serial,
		Destination: p.name,
		Sender:      BusName,
		Order:       binary.LittleEndian,
	}
	msg.Signature, msg.Body, _ = wire.MarshalBody(msg.Order, busErr.message)
	r.deliverLocal(p, msg)
}

func (r *router) deliverLocal(p *peer, msg *wire.Message) {
	if !p.send(msg) {
		_ = p.transport.Close()
	}
}
