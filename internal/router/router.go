// Package router implements Peers: the bus-wide registry of connected
// peers plus the routing engine that unicasts method calls/returns/
// errors and broadcasts signals, fanning out to monitors alongside
// normal delivery. It also emits the bus's own NameOwnerChanged/
// NameLost/NameAcquired signals, routing them through the same
// broadcast/unicast paths as any other message.
package router

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/fragments"
	"github.com/dbus2/busd-sub000/internal/busstream"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// BusPath and BusInterface identify the synthetic bus object, shared
// with internal/fdo so both packages address the same object without
// one importing the other's constants.
const (
	BusPath      dbus.ObjectPath = "/org/freedesktop/DBus"
	BusInterface                 = "org.freedesktop.DBus"
)

// ErrNoSuchPeer is returned when a unicast destination names a unique
// name with no connected peer. The router logs and drops the message
// in this case; it never propagates to the caller as a protocol
// error, matching the "drop and log" rule for unresolved unique-name
// destinations.
var ErrNoSuchPeer = errors.New("no such peer")

// ServiceUnknownError reports that a unicast destination named a
// well-known name the registry does not currently resolve. Unlike
// ErrNoSuchPeer, this is surfaced to the bus object so a method call
// can be answered with a ServiceUnknown error reply.
type ServiceUnknownError struct {
	Name string
}

func (e *ServiceUnknownError) Error() string {
	return fmt.Sprintf("unknown destination %q", e.Name)
}

// Peers is the bus-wide registry of connected peers and the engine
// that routes messages between them.
type Peers struct {
	mu       sync.RWMutex
	byUnique map[registry.UniqueName]*buspeer.Peer
	monitors map[registry.UniqueName]*buspeer.Peer

	names registry.Registry

	serial atomic.Uint32

	log *zap.SugaredLogger
}

// New returns an empty Peers router.
func New(log *zap.SugaredLogger) *Peers {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Peers{
		byUnique: map[registry.UniqueName]*buspeer.Peer{},
		monitors: map[registry.UniqueName]*buspeer.Peer{},
		log:      log,
	}
}

// Names returns the bus's name registry.
func (p *Peers) Names() *registry.Registry { return &p.names }

// Add registers peer as a routing destination. It is an error to
// register two peers under the same unique name; the caller is
// responsible for generating unique names (router never generates
// them itself, so that busserver's next_id counter is the single
// source of truth for name assignment).
func (p *Peers) Add(peer *buspeer.Peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	unique := peer.UniqueName()
	if _, exists := p.byUnique[unique]; exists {
		return fmt.Errorf("unique name %q re-used", unique)
	}
	p.byUnique[unique] = peer
	return nil
}

// Peer returns the peer currently registered under unique, if any
// (whether a normal destination or a monitor).
func (p *Peers) Peer(unique registry.UniqueName) (*buspeer.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if peer, ok := p.byUnique[unique]; ok {
		return peer, true
	}
	peer, ok := p.monitors[unique]
	return peer, ok
}

// UniqueNames returns every connected peer's unique name (normal
// destinations only, not monitors, which are not addressable), for
// ListNames.
func (p *Peers) UniqueNames() []registry.UniqueName {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]registry.UniqueName, 0, len(p.byUnique))
	for n := range p.byUnique {
		names = append(names, n)
	}
	return names
}

// resolveDestination resolves dest to a connected peer, trying a
// direct unique-name lookup first (this also covers the reserved bus
// name, which is just another entry in byUnique) and falling back to
// well-known-name resolution through the registry. No special case is
// needed for the self-peer: it sits in byUnique like any other peer.
func (p *Peers) resolveDestination(dest string) (*buspeer.Peer, error) {
	p.mu.RLock()
	if peer, ok := p.byUnique[registry.UniqueName(dest)]; ok {
		p.mu.RUnlock()
		return peer, nil
	}
	p.mu.RUnlock()

	if len(dest) > 0 && dest[0] == ':' {
		return nil, ErrNoSuchPeer
	}

	owner, ok := p.names.Lookup(registry.WellKnownName(dest))
	if !ok {
		return nil, &ServiceUnknownError{Name: dest}
	}
	p.mu.RLock()
	peer, ok := p.byUnique[owner]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNoSuchPeer
	}
	return peer, nil
}

// Unicast delivers msg to its destination, and additionally to every
// interested monitor. It returns ErrNoSuchPeer or a *ServiceUnknownError
// if the destination cannot be resolved to a connected peer.
//
// Monitors are served before the real recipient: a copy forwarded
// before delivery is guaranteed to hit the monitor's socket before
// anything the recipient does in response, so a monitor always
// observes a method call ahead of its reply.
func (p *Peers) Unicast(msg *dbus.RawMessage) error {
	p.fanOutToMonitors(msg)
	dest := msg.Header.Destination
	peer, err := p.resolveDestination(dest)
	if err != nil {
		return err
	}
	if sendErr := peer.Send(&msg.Header, msg.Body, msg.Files); sendErr != nil {
		p.log.Warnw("failed to deliver message", "destination", dest, "error", sendErr)
	}
	return nil
}

// Broadcast delivers msg to every peer whose match rules are
// interested in it, including the sender's own peer (whether the
// sender observes its own signal depends solely on its match rules).
// Monitors are served first, as in Unicast.
func (p *Peers) Broadcast(msg *dbus.RawMessage) {
	p.fanOutToMonitors(msg)

	p.mu.RLock()
	peers := make([]*buspeer.Peer, 0, len(p.byUnique))
	for _, peer := range p.byUnique {
		peers = append(peers, peer)
	}
	p.mu.RUnlock()

	for _, peer := range peers {
		if !peer.Interested(msg, &p.names) {
			continue
		}
		if err := peer.Send(&msg.Header, msg.Body, msg.Files); err != nil {
			p.log.Warnw("failed to broadcast message", "to", peer.UniqueName(), "error", err)
		}
	}
}

func (p *Peers) fanOutToMonitors(msg *dbus.RawMessage) {
	p.mu.RLock()
	monitors := make([]*buspeer.Peer, 0, len(p.monitors))
	for _, m := range p.monitors {
		monitors = append(monitors, m)
	}
	p.mu.RUnlock()

	for _, m := range monitors {
		if !m.Interested(msg, &p.names) {
			continue
		}
		if err := m.Forward(&msg.Header, msg.Body, msg.Files); err != nil {
			p.log.Warnw("failed to forward message to monitor", "to", m.UniqueName(), "error", err)
		}
	}
}

// MakeMonitor transitions the peer named by owner into a Monitor,
// replacing its match rules and removing it from the normal
// destination table. It reports whether a peer named owner was found.
func (p *Peers) MakeMonitor(owner registry.UniqueName, rules *matchrule.Set) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.byUnique[owner]
	if !ok {
		return false
	}
	if err := peer.BecomeMonitor(rules); err != nil {
		return false
	}
	delete(p.byUnique, owner)
	p.monitors[owner] = peer
	return true
}

// Disconnect removes peer from the router (from whichever of
// byUnique/monitors it is currently in), fires its cancellation
// signal, releases every name it held, and notifies interested peers
// of the resulting ownership changes and of the peer's own
// disappearance.
func (p *Peers) Disconnect(peer *buspeer.Peer) {
	unique := peer.UniqueName()

	p.mu.Lock()
	delete(p.byUnique, unique)
	delete(p.monitors, unique)
	p.mu.Unlock()

	peer.Close()

	for _, change := range p.names.ReleaseAll(unique) {
		p.NotifyNameChanges(change)
	}
	p.NotifyNameChanges(registry.OwnerChange{
		Name: registry.WellKnownName(unique),
		Old:  unique,
	})
}

// Serve runs peer's receive loop until its connection is closed or a
// protocol violation tears it down. It always cleans the peer out of
// the router and notifies other peers before returning. The bus
// object itself is served exactly this way, over its own half of an
// in-memory pipe: messages addressed to it arrive here like any
// other and are delivered through the same Unicast path. (Its
// replies and signals don't round-trip back through that pipe;
// internal/fdo hands them to Reply/SendError/BroadcastSignal
// directly, which is the same routing this loop would invoke.)
func (p *Peers) Serve(peer *buspeer.Peer) {
	defer p.Disconnect(peer)

	for {
		msg, err := peer.Read()
		if err != nil {
			return
		}
		if peer.Kind() == buspeer.Monitor {
			p.log.Warnw("monitor sent a message, ignoring", "peer", peer.UniqueName(), "member", msg.Header.Member)
			continue
		}
		if err := busstream.Enforce(msg, peer.UniqueName()); err != nil {
			p.log.Warnw("protocol violation, dropping peer", "peer", peer.UniqueName(), "error", err)
			return
		}

		if msg.Header.Type == dbus.MessageSignal {
			if msg.Header.Destination == "" {
				p.Broadcast(msg)
			} else if err := p.Unicast(msg); err != nil {
				p.log.Debugw("undeliverable directed signal", "destination", msg.Header.Destination, "error", err)
			}
			continue
		}

		if err := p.Unicast(msg); err != nil {
			p.log.Debugw("undeliverable message", "destination", msg.Header.Destination, "error", err)
			var su *ServiceUnknownError
			if errors.As(err, &su) && msg.Header.WantReply() {
				p.SendError(registry.UniqueName(msg.Header.Sender), msg.Header.Serial,
					"org.freedesktop.DBus.Error.ServiceUnknown",
					fmt.Sprintf("The name %s was not provided by any .service files", su.Name))
			}
		}
	}
}

func (p *Peers) allocSerial() uint32 {
	return p.serial.Add(1)
}

// buildMessage encodes body (if non-nil) and assembles a RawMessage
// with the bus itself as sender, for signals and error replies the
// router originates on the bus's own behalf.
func (p *Peers) buildMessage(typ dbus.MessageType, path dbus.ObjectPath, iface, member, errName, dest string, replySerial uint32, body any) (*dbus.RawMessage, error) {
	sig, bs, err := dbus.EncodeBody(context.Background(), body)
	if err != nil {
		return nil, err
	}
	return &dbus.RawMessage{
		Header: dbus.RawHeader{
			Type:        typ,
			Serial:      p.allocSerial(),
			Length:      uint32(len(bs)),
			Path:        path,
			Interface:   iface,
			Member:      member,
			ErrName:     errName,
			ReplySerial: replySerial,
			Destination: dest,
			Sender:      string(registry.BusUniqueName),
			Signature:   sig,
			Version:     1,
		},
		Order: fragments.LittleEndian,
		Body:  bs,
	}, nil
}

// Reply delivers a method-return reply to dest, sourced from the bus
// itself. internal/fdo uses this to answer its method calls.
func (p *Peers) Reply(dest registry.UniqueName, replySerial uint32, body any) error {
	msg, err := p.buildMessage(dbus.MessageReturn, "", "", "", "", string(dest), replySerial, body)
	if err != nil {
		return err
	}
	return p.Unicast(msg)
}

// ReplyDirect delivers a method-return reply straight to peer's
// connection, bypassing destination resolution. It exists for exactly
// one caller: BecomeMonitor's reply, which must reach a peer that has
// already been moved out of the normal destination table.
func (p *Peers) ReplyDirect(peer *buspeer.Peer, replySerial uint32, body any) error {
	msg, err := p.buildMessage(dbus.MessageReturn, "", "", "", "", string(peer.UniqueName()), replySerial, body)
	if err != nil {
		return err
	}
	return peer.Forward(&msg.Header, msg.Body, msg.Files)
}

// SendError delivers a D-Bus error reply to dest, sourced from the
// bus itself. internal/fdo uses this to convert an *Error into wire
// form; the router also uses it internally when a method call's
// destination cannot be resolved.
func (p *Peers) SendError(dest registry.UniqueName, replySerial uint32, name, message string) error {
	msg, err := p.buildMessage(dbus.MessageError, "", "", "", name, string(dest), replySerial, message)
	if err != nil {
		return err
	}
	return p.Unicast(msg)
}

// EmitSignalTo unicasts a signal with the given path/interface/member
// and body to dest.
func (p *Peers) EmitSignalTo(dest registry.UniqueName, path dbus.ObjectPath, iface, member string, body any) error {
	msg, err := p.buildMessage(dbus.MessageSignal, path, iface, member, "", string(dest), 0, body)
	if err != nil {
		return err
	}
	return p.Unicast(msg)
}

// BroadcastSignal broadcasts a signal with the given path/interface/
// member and body to every interested peer.
func (p *Peers) BroadcastSignal(path dbus.ObjectPath, iface, member string, body any) error {
	msg, err := p.buildMessage(dbus.MessageSignal, path, iface, member, "", "", 0, body)
	if err != nil {
		return err
	}
	p.Broadcast(msg)
	return nil
}

// nameOwnerChangedBody is the wire body of NameOwnerChanged: name,
// old owner (empty if none), new owner (empty if none).
type nameOwnerChangedBody struct {
	Name     string
	OldOwner string
	NewOwner string
}

// nameBody is the wire body of NameLost/NameAcquired: the name alone.
type nameBody struct {
	Name string
}

// NotifyNameChanges emits, in order, the NameOwnerChanged broadcast
// for change, then a NameLost unicast to its old owner (if any), then
// a NameAcquired unicast to its new owner (if any).
func (p *Peers) NotifyNameChanges(change registry.OwnerChange) {
	body := nameOwnerChangedBody{
		Name:     string(change.Name),
		OldOwner: string(change.Old),
		NewOwner: string(change.New),
	}
	if err := p.BroadcastSignal(BusPath, BusInterface, "NameOwnerChanged", body); err != nil {
		p.log.Warnw("failed to build NameOwnerChanged signal", "error", err)
	}

	if change.Old != "" {
		if err := p.EmitSignalTo(change.Old, BusPath, BusInterface, "NameLost", nameBody{Name: string(change.Name)}); err != nil {
			p.log.Debugw("failed to notify old owner of lost name", "peer", change.Old, "error", err)
		}
	}
	if change.New != "" {
		if err := p.EmitSignalTo(change.New, BusPath, BusInterface, "NameAcquired", nameBody{Name: string(change.Name)}); err != nil {
			p.log.Debugw("failed to notify new owner of acquired name", "peer", change.New, "error", err)
		}
	}
}
