// Package fdo implements the synthetic bus object: the
// org.freedesktop.DBus, org.freedesktop.DBus.Monitoring,
// org.freedesktop.DBus.Peer and org.freedesktop.DBus.Properties
// interfaces served on the bus's own self-peer.
//
// Bus reads method calls off its half of the self-peer's in-memory
// pipe exactly as a client reads its socket, dispatches each to the
// right handler by interface and member, and answers through
// internal/router.Peers directly (Reply/SendError/EmitSignalTo/
// BroadcastSignal), rather than writing a reply back onto its own
// pipe half. The routing-visible half of the self-peer story — a
// method call addressed to org.freedesktop.DBus reaching this package
// at all — carries no special case anywhere in internal/router; only
// the reply path is a deliberate shortcut through already-tested
// router helpers instead of a second pipe round trip.
package fdo

import (
	"context"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/registry"
	"github.com/dbus2/busd-sub000/internal/router"
	"github.com/dbus2/busd-sub000/transport"
	"go.uber.org/zap"
)

const (
	ifaceDBus       = router.BusInterface
	ifaceMonitoring = "org.freedesktop.DBus.Monitoring"
	ifacePeer       = "org.freedesktop.DBus.Peer"
	ifaceProperties = "org.freedesktop.DBus.Properties"
)

type ifaceMember struct{ iface, member string }

// handlerFunc answers a method call, returning the reply body to send
// (possibly nil) or an *Error to send as an error reply. It does not
// send the reply itself; dispatch does that after it returns, so any
// name-change signals a handler emits (RequestName, ReleaseName) reach
// the wire before the reply. Hello and BecomeMonitor, which emit
// signals only after their reply is on the wire, are dispatched
// separately.
// The receiver comes first so that method expressions like
// (*Bus).handleRequestName satisfy this type directly.
type handlerFunc func(b *Bus, ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error)

// Bus serves the bus object over its half of the self-peer's
// in-memory pipe.
type Bus struct {
	peers *router.Peers
	guid  string
	conn  transport.Transport
	log   *zap.SugaredLogger

	handlers map[ifaceMember]handlerFunc
}

// NewBus returns a Bus serving requests read from conn, which must be
// the fdo-owned half of the self-peer's in-memory pipe. guid is the
// bus's stable per-instance identifier, returned by GetId.
func NewBus(peers *router.Peers, guid string, conn transport.Transport, log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Bus{peers: peers, guid: guid, conn: conn, log: log}
	b.handlers = map[ifaceMember]handlerFunc{
		{ifaceDBus, "RequestName"}:                         (*Bus).handleRequestName,
		{ifaceDBus, "ReleaseName"}:                         (*Bus).handleReleaseName,
		{ifaceDBus, "GetNameOwner"}:                        (*Bus).handleGetNameOwner,
		{ifaceDBus, "NameHasOwner"}:                        (*Bus).handleNameHasOwner,
		{ifaceDBus, "ListNames"}:                           (*Bus).handleListNames,
		{ifaceDBus, "ListActivatableNames"}:                (*Bus).handleListActivatableNames,
		{ifaceDBus, "ListQueuedOwners"}:                    (*Bus).handleListQueuedOwners,
		{ifaceDBus, "AddMatch"}:                            (*Bus).handleAddMatch,
		{ifaceDBus, "RemoveMatch"}:                         (*Bus).handleRemoveMatch,
		{ifaceDBus, "GetConnectionCredentials"}:            (*Bus).handleGetConnectionCredentials,
		{ifaceDBus, "GetConnectionUnixUser"}:               (*Bus).handleGetConnectionUnixUser,
		{ifaceDBus, "GetConnectionUnixProcessID"}:          (*Bus).handleGetConnectionUnixProcessID,
		{ifaceDBus, "GetConnectionSELinuxSecurityContext"}: (*Bus).handleGetConnectionSELinuxSecurityContext,
		{ifaceDBus, "GetId"}:                               (*Bus).handleGetID,
		{ifaceDBus, "StartServiceByName"}:                  (*Bus).handleStartServiceByName,
		{ifaceDBus, "UpdateActivationEnvironment"}:         (*Bus).handleUpdateActivationEnvironment,
		{ifaceDBus, "ReloadConfig"}:                        (*Bus).handleReloadConfig,
		{ifacePeer, "Ping"}:                                (*Bus).handlePing,
		{ifacePeer, "GetMachineId"}:                        (*Bus).handleGetMachineID,
		{ifaceProperties, "Get"}:                           (*Bus).handleGet,
		{ifaceProperties, "GetAll"}:                        (*Bus).handleGetAll,
	}
	return b
}

// Serve reads and dispatches method calls until conn is closed or ctx
// is done. Calls are handled one at a time, in arrival order: every
// peer's bus-bound calls funnel through this single pipe, so in-order
// handling here is what guarantees that two method calls from the
// same peer are processed, and answered, in the order they were sent.
// No handler ever writes back onto this pipe, so a handler blocked on
// a slow recipient can't deadlock the loop, only delay it.
func (b *Bus) Serve(ctx context.Context) {
	for {
		msg, err := dbus.ReadRawMessage(b.conn)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		b.dispatch(ctx, msg)
	}
}

func (b *Bus) dispatch(ctx context.Context, msg *dbus.RawMessage) {
	if msg.Header.Type != dbus.MessageCall {
		return
	}
	sender := registry.UniqueName(msg.Header.Sender)
	wantReply := msg.Header.WantReply()

	switch {
	case msg.Header.Interface == ifaceDBus && msg.Header.Member == "Hello":
		b.handleHello(ctx, sender, msg)
		return
	case msg.Header.Interface == ifaceMonitoring && msg.Header.Member == "BecomeMonitor":
		b.handleBecomeMonitor(ctx, sender, msg)
		return
	}

	handler, ok := b.handlers[ifaceMember{msg.Header.Interface, msg.Header.Member}]
	if !ok {
		b.replyErr(sender, msg.Header.Serial, wantReply,
			ErrFailed("unknown method %s.%s", msg.Header.Interface, msg.Header.Member))
		return
	}

	resp, fdoErr := handler(b, ctx, sender, msg)
	if fdoErr != nil {
		b.replyErr(sender, msg.Header.Serial, wantReply, fdoErr)
		return
	}
	if !wantReply {
		return
	}
	if err := b.peers.Reply(sender, msg.Header.Serial, resp); err != nil {
		b.log.Warnw("failed to send bus reply", "to", sender, "member", msg.Header.Member, "error", err)
	}
}

func (b *Bus) replyErr(sender registry.UniqueName, serial uint32, wantReply bool, fdoErr *Error) {
	if !wantReply {
		return
	}
	if err := b.peers.SendError(sender, serial, fdoErr.Name, fdoErr.Detail); err != nil {
		b.log.Warnw("failed to send bus error reply", "to", sender, "error", err)
	}
}

// requirePeer resolves sender to its connected Peer, failing with
// Failed if the bus is in some impossible state where the calling
// peer has already vanished. This is the Go shape of the
// cyclic-reference design note: there's no weak reference to upgrade,
// just a router lookup that can miss if the peer disconnected in the
// race between message receipt and handling.
func (b *Bus) requirePeer(sender registry.UniqueName) (*buspeer.Peer, *Error) {
	peer, ok := b.peers.Peer(sender)
	if !ok {
		return nil, ErrFailed("bus shutting down")
	}
	return peer, nil
}

// handleHello answers Hello and, once the reply is confirmed sent,
// emits NameOwnerChanged/NameAcquired for the caller. It owns its own
// reply because the reply must reach the wire before the signals do
// (spec.md's deferred signal emission rule); every other handler lets
// dispatch send a uniform reply after it returns.
func (b *Bus) handleHello(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) {
	wantReply := msg.Header.WantReply()
	peer, ferr := b.requirePeer(sender)
	if ferr != nil {
		b.replyErr(sender, msg.Header.Serial, wantReply, ferr)
		return
	}
	if err := peer.Hello(); err != nil {
		b.replyErr(sender, msg.Header.Serial, wantReply, ErrFailed("Hello already called"))
		return
	}

	if wantReply {
		if err := b.peers.Reply(sender, msg.Header.Serial, string(sender)); err != nil {
			b.log.Warnw("failed to send Hello reply", "to", sender, "error", err)
			return
		}
	}
	// sender's own connection serializes its writes (buspeer.Peer.Send),
	// so issuing these unicasts only after the reply write above has
	// returned is enough to guarantee reply-before-signal ordering on
	// sender's socket, without the one-shot-channel machinery the
	// teacher's source needs for its asynchronously-flushed writes.
	b.peers.NotifyNameChanges(registry.OwnerChange{Name: registry.WellKnownName(sender), New: sender})
}
